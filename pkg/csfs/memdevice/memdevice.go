// Package memdevice provides in-memory reference implementations of the
// two external collaborators csfs depends on but never implements itself:
// the checksum-verifying block device and the transactional
// block cache. Production csfs runs against a real device and
// cache; memdevice exists so csfs's own tests can exercise the full
// commit/abort and checksum interlock without a kernel or disk image.
package memdevice

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/pkg/errors"
)

// ZeroCheckSum disables verification for a block.
var ZeroCheckSum [32]byte

// Device is an in-memory block device: a flat byte slab plus one stored
// SHA-256 checksum per block. Reads fail loudly when the stored checksum
// is non-zero and disagrees with the block's actual contents, mirroring
// the real CheckSumBlockDevice's guarantee.
type Device struct {
	mu        sync.RWMutex
	blockSize int
	data      [][]byte
	checksums [][32]byte
}

// New allocates a Device of count blocks of blockSize bytes each, all
// zeroed and unchecksummed.
func New(count int, blockSize int) *Device {
	d := &Device{blockSize: blockSize, data: make([][]byte, count), checksums: make([][32]byte, count)}
	for i := range d.data {
		d.data[i] = make([]byte, blockSize)
	}
	return d
}

// BlockCount implements csfs.Device.
func (d *Device) BlockCount() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return uint64(len(d.data))
}

// GetCheckSum implements csfs.Device.
func (d *Device) GetCheckSum(ctx context.Context, block uint64) ([32]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if block >= uint64(len(d.data)) {
		return [32]byte{}, errors.Errorf("memdevice: block %d out of range", block)
	}
	return d.checksums[block], nil
}

// SetCheckSum implements csfs.Device.
func (d *Device) SetCheckSum(ctx context.Context, block uint64, sum [32]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if block >= uint64(len(d.data)) {
		return errors.Errorf("memdevice: block %d out of range", block)
	}
	d.checksums[block] = sum
	return nil
}

// ReadVerified returns block's current contents, failing if a non-zero
// stored checksum disagrees with the actual content. This is the
// device-level check csfs relies on but never performs itself;
// it is exposed so tests can assert silent-corruption detection.
func (d *Device) ReadVerified(block uint64) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if block >= uint64(len(d.data)) {
		return nil, errors.Errorf("memdevice: block %d out of range", block)
	}
	out := make([]byte, d.blockSize)
	copy(out, d.data[block])
	if d.checksums[block] != ZeroCheckSum {
		if sha256.Sum256(out) != d.checksums[block] {
			return nil, errors.Errorf("memdevice: block %d failed checksum verification", block)
		}
	}
	return out, nil
}

// Corrupt overwrites a single byte of block's stored content without
// touching its checksum, simulating silent media corruption for tests.
func (d *Device) Corrupt(block uint64, offset int, value byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[block][offset] = value
}

// raw returns the live backing slice for block: mutations the caller
// makes are immediately visible to every other holder of this block,
// exactly as a buffered cache's shared dirty page would behave.
func (d *Device) raw(block uint64) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.data[block]
}

// snapshot returns a private copy of block's current bytes.
func (d *Device) snapshot(block uint64) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]byte, d.blockSize)
	copy(out, d.data[block])
	return out
}

// restore overwrites block's live bytes from a previously taken snapshot.
func (d *Device) restore(block uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.data[block], data)
}

// ReadBlock implements csfs.FileCache: it serves a file data block's
// content straight from the device slab. A real kernel keeps file data
// in a page cache distinct from the metadata block cache; this harness
// reuses one slab for both since csfs's own tests
// only need to observe what Sync later checksums.
func (d *Device) ReadBlock(ctx context.Context, block uint64) ([]byte, error) {
	if block >= d.BlockCount() {
		return nil, errors.Errorf("memdevice: file data block %d out of range", block)
	}
	return d.snapshot(block), nil
}

// WriteBlock writes file data content directly, simulating the external
// file-cache's write path. Tests call this to
// stage file content before invoking File.Sync to recompute checksums.
func (d *Device) WriteBlock(block uint64, offset int, data []byte) error {
	if block >= d.BlockCount() {
		return errors.Errorf("memdevice: file data block %d out of range", block)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.data[block][offset:], data)
	return nil
}
