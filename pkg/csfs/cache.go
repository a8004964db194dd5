package csfs

import "context"

// CacheTxID identifies a transaction at the block-cache layer.
type CacheTxID uint64

// Cache is the narrow slice of the external, buffered, transactional
// block-cache subsystem that csfs depends on. It is
// shared and safe for concurrent use; callers pin blocks via Get/GetWritable
// /GetEmpty and must release them with Put.
type Cache interface {
	// Get pins a read-only view of block. Returns ErrNotFound-wrapped
	// error if the block index is out of range.
	Get(ctx context.Context, block uint64) ([]byte, error)

	// GetWritable pins a read-write view of block participating in tx.
	GetWritable(ctx context.Context, block uint64, tx CacheTxID) ([]byte, error)

	// GetEmpty is like GetWritable but the caller promises the contents
	// will be fully overwritten; the cache is free to skip reading the
	// old contents and instead hand back a zeroed buffer.
	GetEmpty(ctx context.Context, block uint64, tx CacheTxID) ([]byte, error)

	// MakeWritable upgrades a block already pinned read-only so that it
	// participates in tx.
	MakeWritable(ctx context.Context, block uint64, tx CacheTxID) error

	// Put releases one reference to block.
	Put(block uint64)

	// Discard tells the cache to forget n blocks starting at block: they
	// are no longer metadata blocks participating in this cache: data
	// blocks become file-cache-owned.
	Discard(block uint64, n int)

	// StartTransaction begins a new cache transaction and returns its id.
	StartTransaction(ctx context.Context) (CacheTxID, error)

	// EndTransaction commits tx, making its writes visible.
	EndTransaction(ctx context.Context, tx CacheTxID) error

	// AbortTransaction undoes every block write made under tx.
	AbortTransaction(ctx context.Context, tx CacheTxID) error

	// Sync flushes all committed-but-not-yet-durable writes to stable
	// storage.
	Sync(ctx context.Context) error
}
