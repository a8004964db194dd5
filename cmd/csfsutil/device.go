package main

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/vorteil/checksumfs/pkg/csfs"
)

// fileDevice is the production csfs.Device: a disk-image file for block
// content, plus a sibling ".sums" file holding one 32-byte SHA-256 per
// block. Checksums live out of band from the blocks they cover, the same
// separation the in-memory memdevice.Device models for tests.
type fileDevice struct {
	mu    sync.RWMutex
	img   *os.File
	sums  *os.File
	count uint64
}

func openFileDevice(imgPath string) (*fileDevice, error) {
	img, err := os.OpenFile(imgPath, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open disk image")
	}
	sums, err := os.OpenFile(sumsPath(imgPath), os.O_RDWR, 0644)
	if err != nil {
		img.Close()
		return nil, errors.Wrap(err, "open checksum table")
	}

	fi, err := img.Stat()
	if err != nil {
		img.Close()
		sums.Close()
		return nil, err
	}
	if fi.Size()%csfs.BlockSize != 0 {
		img.Close()
		sums.Close()
		return nil, errors.Wrap(csfs.ErrBadData, "disk image size is not a multiple of the block size")
	}

	return &fileDevice{img: img, sums: sums, count: uint64(fi.Size()) / csfs.BlockSize}, nil
}

func sumsPath(imgPath string) string { return imgPath + ".sums" }

func (d *fileDevice) Close() error {
	e1 := d.img.Close()
	e2 := d.sums.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

// BlockCount implements csfs.Device.
func (d *fileDevice) BlockCount() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.count
}

// GetCheckSum implements csfs.Device.
func (d *fileDevice) GetCheckSum(ctx context.Context, block uint64) ([32]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var sum [32]byte
	if block >= d.count {
		return sum, errors.Errorf("csfsutil: block %d out of range", block)
	}
	if _, err := d.sums.ReadAt(sum[:], int64(block)*32); err != nil {
		return sum, errors.Wrapf(err, "read checksum for block %d", block)
	}
	return sum, nil
}

// SetCheckSum implements csfs.Device.
func (d *fileDevice) SetCheckSum(ctx context.Context, block uint64, sum [32]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if block >= d.count {
		return errors.Errorf("csfsutil: block %d out of range", block)
	}
	if _, err := d.sums.WriteAt(sum[:], int64(block)*32); err != nil {
		return errors.Wrapf(err, "write checksum for block %d", block)
	}
	return nil
}

func (d *fileDevice) readBlock(block uint64) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	buf := make([]byte, csfs.BlockSize)
	if _, err := d.img.ReadAt(buf, int64(block)*csfs.BlockSize); err != nil {
		return nil, errors.Wrapf(err, "read block %d", block)
	}
	return buf, nil
}

func (d *fileDevice) writeBlock(block uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.img.WriteAt(data, int64(block)*csfs.BlockSize); err != nil {
		return errors.Wrapf(err, "write block %d", block)
	}
	return nil
}

// ReadBlock implements csfs.FileCache: csfsutil keeps file data and
// metadata blocks in the same image file, so it's the same read path as
// block content used for checksumming.
func (d *fileDevice) ReadBlock(ctx context.Context, block uint64) ([]byte, error) {
	return d.readBlock(block)
}
