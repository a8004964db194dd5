package main

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/vorteil/checksumfs/pkg/csfs"
)

// txSnapshot records, for one in-flight transaction, the pre-transaction
// content of every block it has touched so AbortTransaction can restore it.
type txSnapshot struct {
	blocks map[uint64][]byte
}

// fileCache is the production csfs.Cache backing cmd/csfsutil: a
// single-writer, buffered page cache over a fileDevice. Pages stay resident
// and dirty until Sync/EndTransaction flush them to the image file; only
// one transaction is ever in flight at a time (csfs.Volume serializes
// commits with its own lock), so a single dirty set is enough.
type fileCache struct {
	mu    sync.Mutex
	dev   *fileDevice
	pages map[uint64][]byte
	dirty map[uint64]bool

	txs    map[csfs.CacheTxID]*txSnapshot
	nextTx uint64
}

func newFileCache(dev *fileDevice) *fileCache {
	return &fileCache{
		dev:   dev,
		pages: make(map[uint64][]byte),
		dirty: make(map[uint64]bool),
		txs:   make(map[csfs.CacheTxID]*txSnapshot),
	}
}

func (c *fileCache) load(block uint64) ([]byte, error) {
	if buf, ok := c.pages[block]; ok {
		return buf, nil
	}
	if block >= c.dev.BlockCount() {
		return nil, errors.Wrapf(csfs.ErrNotFound, "csfsutil: block %d out of range", block)
	}
	buf, err := c.dev.readBlock(block)
	if err != nil {
		return nil, err
	}
	c.pages[block] = buf
	return buf, nil
}

// Get implements csfs.Cache.
func (c *fileCache) Get(ctx context.Context, block uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(block)
}

// GetWritable implements csfs.Cache.
func (c *fileCache) GetWritable(ctx context.Context, block uint64, tx csfs.CacheTxID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, err := c.load(block)
	if err != nil {
		return nil, err
	}
	if err := c.snapshotLocked(tx, block); err != nil {
		return nil, err
	}
	c.dirty[block] = true
	return buf, nil
}

// GetEmpty implements csfs.Cache: returns an all-zero page for block,
// discarding whatever was previously cached for it.
func (c *fileCache) GetEmpty(ctx context.Context, block uint64, tx csfs.CacheTxID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.snapshotLocked(tx, block); err != nil {
		return nil, err
	}
	buf := make([]byte, csfs.BlockSize)
	c.pages[block] = buf
	c.dirty[block] = true
	return buf, nil
}

// MakeWritable implements csfs.Cache: upgrades a previously read-only pin
// to writable without handing back a fresh buffer.
func (c *fileCache) MakeWritable(ctx context.Context, block uint64, tx csfs.CacheTxID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.load(block); err != nil {
		return err
	}
	if err := c.snapshotLocked(tx, block); err != nil {
		return err
	}
	c.dirty[block] = true
	return nil
}

// snapshotLocked records block's pre-transaction content the first time tx
// touches it. c.mu must already be held.
func (c *fileCache) snapshotLocked(tx csfs.CacheTxID, block uint64) error {
	st, ok := c.txs[tx]
	if !ok {
		return errors.Errorf("csfsutil: unknown cache transaction %v", tx)
	}
	if _, ok := st.blocks[block]; ok {
		return nil
	}
	current, err := c.load(block)
	if err != nil {
		return err
	}
	cp := make([]byte, len(current))
	copy(cp, current)
	st.blocks[block] = cp
	return nil
}

// Put implements csfs.Cache: pages stay resident (Sync writes them out
// but keeps them; only Discard drops them), so releasing a pin is a no-op.
func (c *fileCache) Put(block uint64) {}

// Discard implements csfs.Cache: ownership of block's content is passing to
// the file-data path (csfsutil reuses the same image file for both, so
// this just drops the metadata cache's copy so the next read is fresh).
func (c *fileCache) Discard(block uint64, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := uint64(0); i < uint64(n); i++ {
		delete(c.pages, block+i)
		delete(c.dirty, block+i)
	}
}

// StartTransaction implements csfs.Cache.
func (c *fileCache) StartTransaction(ctx context.Context) (csfs.CacheTxID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTx++
	id := csfs.CacheTxID(c.nextTx)
	c.txs[id] = &txSnapshot{blocks: make(map[uint64][]byte)}
	return id, nil
}

// EndTransaction implements csfs.Cache: flushes every dirty page to the
// underlying image file.
func (c *fileCache) EndTransaction(ctx context.Context, tx csfs.CacheTxID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.txs, tx)
	return c.flushLocked()
}

// AbortTransaction implements csfs.Cache: restores every block tx touched
// to its pre-transaction content.
func (c *fileCache) AbortTransaction(ctx context.Context, tx csfs.CacheTxID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.txs[tx]
	delete(c.txs, tx)
	if !ok {
		return nil
	}
	for block, data := range st.blocks {
		c.pages[block] = data
		delete(c.dirty, block)
	}
	return nil
}

// Sync implements csfs.Cache: flushes every dirty page to the underlying
// image file without ending any transaction.
func (c *fileCache) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *fileCache) flushLocked() error {
	for block, isDirty := range c.dirty {
		if !isDirty {
			continue
		}
		if err := c.dev.writeBlock(block, c.pages[block]); err != nil {
			return errors.Wrapf(err, "flush block %d", block)
		}
		c.dirty[block] = false
	}
	return nil
}
