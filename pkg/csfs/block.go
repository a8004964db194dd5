package csfs

import (
	"context"

	"github.com/pkg/errors"
)

// Block is an RAII-style pin of a single cached block, with read or
// read-write intent. The zero value is not usable; obtain one
// with GetReadable, GetWritable or GetZero. Callers must call Put exactly
// once when done — typically via defer immediately after a successful
// acquire.
type Block struct {
	vol      *Volume
	index    uint64
	data     []byte
	writable bool
	released bool
}

// GetReadable pins a read-only view of the block at index.
func GetReadable(ctx context.Context, vol *Volume, index uint64) (*Block, error) {
	data, err := vol.cache.Get(ctx, index)
	if err != nil {
		return nil, errors.Wrapf(err, "get block %d", index)
	}
	return &Block{vol: vol, index: index, data: data}, nil
}

// GetWritable pins a read-write view of the block at index, participating
// in tx.
func GetWritable(ctx context.Context, vol *Volume, index uint64, tx *Transaction) (*Block, error) {
	data, err := vol.cache.GetWritable(ctx, index, tx.cacheTx)
	if err != nil {
		return nil, errors.Wrapf(err, "get writable block %d", index)
	}
	if err := tx.registerBlock(ctx, index); err != nil {
		vol.cache.Put(index)
		return nil, err
	}
	return &Block{vol: vol, index: index, data: data, writable: true}, nil
}

// GetZero is like GetWritable but the caller promises the block's
// contents will be fully overwritten.
func GetZero(ctx context.Context, vol *Volume, index uint64, tx *Transaction) (*Block, error) {
	data, err := vol.cache.GetEmpty(ctx, index, tx.cacheTx)
	if err != nil {
		return nil, errors.Wrapf(err, "get empty block %d", index)
	}
	if err := tx.registerBlock(ctx, index); err != nil {
		vol.cache.Put(index)
		return nil, err
	}
	return &Block{vol: vol, index: index, data: data, writable: true}, nil
}

// MakeWritable upgrades a readable block into a writable one participating
// in tx.
func (b *Block) MakeWritable(ctx context.Context, tx *Transaction) error {
	if b.writable {
		return nil
	}
	if err := b.vol.cache.MakeWritable(ctx, b.index, tx.cacheTx); err != nil {
		return errors.Wrapf(err, "make block %d writable", b.index)
	}
	if err := tx.registerBlock(ctx, b.index); err != nil {
		return err
	}
	b.writable = true
	return nil
}

// Index returns the block index this handle pins.
func (b *Block) Index() uint64 { return b.index }

// Writable reports whether this handle has write intent.
func (b *Block) Writable() bool { return b.writable }

// Bytes returns the pinned block's backing bytes. Mutating them is only
// meaningful (and only durable) if the handle is writable and the caller
// subsequently calls Transaction.PutBlock to mark the block dirty.
func (b *Block) Bytes() []byte { return b.data }

// Put releases the block reference. Safe to call more than once.
func (b *Block) Put() {
	if b.released {
		return
	}
	b.released = true
	b.vol.cache.Put(b.index)
}

// TransferFrom moves ownership of other's pinned reference into b,
// releasing whatever b previously held and leaving other unusable.
func (b *Block) TransferFrom(other *Block) {
	if !b.released {
		b.Put()
	}
	*b = *other
	other.released = true
}
