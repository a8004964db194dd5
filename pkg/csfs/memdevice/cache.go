package memdevice

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/vorteil/checksumfs/pkg/csfs"
)

// blockState counts outstanding Get/GetWritable/GetEmpty handles on one
// block index.
type blockState struct {
	refs int
}

type txState struct {
	// snapshot holds the pre-transaction bytes of every block this
	// transaction touched, so AbortTransaction can restore them.
	snapshot map[uint64][]byte
}

// Cache is an in-memory stand-in for the external, buffered block cache
//. GetWritable/GetEmpty hand back the Device's own live
// backing slice, so writes the caller makes are immediately visible to
// every other pin of that block — the same sharing a real buffered
// cache's dirty pages give callers before Sync flushes them. Sync is
// therefore a no-op here: Transaction.Commit still calls it in its
// usual order, it just has nothing to flush in this harness.
type Cache struct {
	mu     sync.Mutex
	dev    *Device
	blocks map[uint64]*blockState
	txs    map[csfs.CacheTxID]*txState
	nextTx uint64
}

// NewCache wraps dev in an in-memory Cache.
func NewCache(dev *Device) *Cache {
	return &Cache{dev: dev, blocks: make(map[uint64]*blockState), txs: make(map[csfs.CacheTxID]*txState)}
}

func (c *Cache) pin(block uint64) *blockState {
	bs, ok := c.blocks[block]
	if !ok {
		bs = &blockState{}
		c.blocks[block] = bs
	}
	bs.refs++
	return bs
}

// Get implements csfs.Cache.
func (c *Cache) Get(ctx context.Context, block uint64) ([]byte, error) {
	if block >= c.dev.BlockCount() {
		return nil, errors.Wrapf(csfs.ErrNotFound, "memdevice: block %d out of range", block)
	}
	c.mu.Lock()
	c.pin(block)
	c.mu.Unlock()
	return c.dev.raw(block), nil
}

// GetWritable implements csfs.Cache.
func (c *Cache) GetWritable(ctx context.Context, block uint64, tx csfs.CacheTxID) ([]byte, error) {
	if block >= c.dev.BlockCount() {
		return nil, errors.Wrapf(csfs.ErrNotFound, "memdevice: block %d out of range", block)
	}
	c.mu.Lock()
	c.pin(block)
	c.snapshotLocked(tx, block)
	c.mu.Unlock()
	return c.dev.raw(block), nil
}

// GetEmpty implements csfs.Cache: the caller promises to overwrite every
// byte, so the live block is zeroed in place before being handed back.
func (c *Cache) GetEmpty(ctx context.Context, block uint64, tx csfs.CacheTxID) ([]byte, error) {
	if block >= c.dev.BlockCount() {
		return nil, errors.Wrapf(csfs.ErrNotFound, "memdevice: block %d out of range", block)
	}
	c.mu.Lock()
	c.pin(block)
	c.snapshotLocked(tx, block)
	c.mu.Unlock()
	buf := c.dev.raw(block)
	for i := range buf {
		buf[i] = 0
	}
	return buf, nil
}

// MakeWritable implements csfs.Cache.
func (c *Cache) MakeWritable(ctx context.Context, block uint64, tx csfs.CacheTxID) error {
	if block >= c.dev.BlockCount() {
		return errors.Wrapf(csfs.ErrNotFound, "memdevice: block %d out of range", block)
	}
	c.mu.Lock()
	c.snapshotLocked(tx, block)
	c.mu.Unlock()
	return nil
}

func (c *Cache) snapshotLocked(tx csfs.CacheTxID, block uint64) {
	st, ok := c.txs[tx]
	if !ok {
		return
	}
	if _, ok := st.snapshot[block]; ok {
		return
	}
	st.snapshot[block] = c.dev.snapshot(block)
}

// Put implements csfs.Cache.
func (c *Cache) Put(block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bs, ok := c.blocks[block]; ok {
		bs.refs--
		if bs.refs <= 0 {
			delete(c.blocks, block)
		}
	}
}

// Discard implements csfs.Cache: it forgets n blocks starting at block,
// dropping whatever pin state remains (they are now file-cache-owned).
func (c *Cache) Discard(block uint64, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := uint64(0); i < uint64(n); i++ {
		delete(c.blocks, block+i)
	}
}

// StartTransaction implements csfs.Cache.
func (c *Cache) StartTransaction(ctx context.Context) (csfs.CacheTxID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTx++
	id := csfs.CacheTxID(c.nextTx)
	c.txs[id] = &txState{snapshot: make(map[uint64][]byte)}
	return id, nil
}

// EndTransaction implements csfs.Cache: writes already landed on the
// device as they happened, so committing only needs to drop the
// transaction's rollback snapshot.
func (c *Cache) EndTransaction(ctx context.Context, tx csfs.CacheTxID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.txs, tx)
	return nil
}

// AbortTransaction implements csfs.Cache: restores every block the
// transaction touched to its pre-transaction bytes.
func (c *Cache) AbortTransaction(ctx context.Context, tx csfs.CacheTxID) error {
	c.mu.Lock()
	st, ok := c.txs[tx]
	delete(c.txs, tx)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	for block, data := range st.snapshot {
		c.dev.restore(block, data)
	}
	return nil
}

// Sync implements csfs.Cache. See the Cache doc comment: nothing to flush
// in this in-memory harness.
func (c *Cache) Sync(ctx context.Context) error {
	return nil
}
