package csfs

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Allocator is the tiered bitmap block allocator: group
// blocks summarize bitmap blocks, bitmap blocks hold one bit per
// filesystem block.
type Allocator struct {
	vol *Volume

	mu sync.Mutex

	groupStart   uint64 // first group block == SuperBlock.BlockBitmap
	bitmapStart  uint64 // first bitmap block
	groupBlocks  int64
	bitmapBlocks int64
	totalBlocks  uint64

	freeBlocks uint64
}

func newAllocator(vol *Volume, blockBitmap, totalBlocks uint64) *Allocator {
	bitmapBlocks := divCeil(int64(totalBlocks), bitsPerBitmapBlock)
	groupBlocks := divCeil(bitmapBlocks, entriesPerGroupBlock)
	return &Allocator{
		vol:          vol,
		groupStart:   blockBitmap,
		bitmapStart:  blockBitmap + uint64(groupBlocks),
		groupBlocks:  groupBlocks,
		bitmapBlocks: bitmapBlocks,
		totalBlocks:  totalBlocks,
	}
}

// FreeBlocks returns the number of clear bits in the valid range.
func (a *Allocator) FreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeBlocks
}

// resetFreeBlocks restores the in-memory free-block counter; used by
// Transaction.Abort. The bitmap and group
// block bytes themselves are restored by the cache's AbortTransaction.
func (a *Allocator) resetFreeBlocks(count uint64) {
	a.mu.Lock()
	a.freeBlocks = count
	a.mu.Unlock()
}

func (a *Allocator) adjustFreeBlocks(ctx context.Context, tx *Transaction, delta int64) error {
	a.mu.Lock()
	if delta < 0 && uint64(-delta) > a.freeBlocks {
		a.mu.Unlock()
		return errors.Wrap(ErrOutOfSpace, "free block counter underflow")
	}
	if delta < 0 {
		a.freeBlocks -= uint64(-delta)
	} else {
		a.freeBlocks += uint64(delta)
	}
	free := a.freeBlocks
	a.mu.Unlock()

	return a.vol.setFreeBlocks(ctx, tx, free)
}

// Initialize zeroes the bitmap, pre-marks the tail of the last bitmap
// block used, writes group summaries, and marks the system blocks (block
// 0, the super block, the group blocks and the bitmap blocks themselves)
// used.
func (a *Allocator) Initialize(ctx context.Context) error {
	tx, err := StartTransaction(ctx, a.vol)
	if err != nil {
		return err
	}

	if err := a.initialize(ctx, tx); err != nil {
		_ = tx.Abort(ctx)
		return err
	}

	return tx.Commit(ctx)
}

func (a *Allocator) initialize(ctx context.Context, tx *Transaction) error {
	var eg errgroup.Group
	for g := int64(0); g < a.groupBlocks; g++ {
		g := g
		eg.Go(func() error {
			return a.zeroGroup(ctx, tx, g)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	free := uint64(a.totalBlocks)

	// Pre-mark out-of-range tail bits in the last bitmap block used. These
	// bits sit outside [0, totalBlocks) and never counted toward free in
	// the first place, so they must not be subtracted again here.
	for idx := a.totalBlocks; idx < uint64(a.bitmapBlocks)*bitsPerBitmapBlock; idx++ {
		if err := a.setBit(ctx, tx, idx, true); err != nil {
			return err
		}
	}

	// Mark system blocks used: block 0, the super block, the group
	// blocks and the bitmap blocks.
	systemBlocks := []uint64{0, SuperBlockIndex}
	for i := int64(0); i < a.groupBlocks; i++ {
		systemBlocks = append(systemBlocks, a.groupStart+uint64(i))
	}
	for i := int64(0); i < a.bitmapBlocks; i++ {
		systemBlocks = append(systemBlocks, a.bitmapStart+uint64(i))
	}
	for _, idx := range systemBlocks {
		if idx >= a.totalBlocks {
			continue
		}
		if err := a.setBit(ctx, tx, idx, true); err != nil {
			return err
		}
		free--
	}

	a.mu.Lock()
	a.freeBlocks = free
	a.mu.Unlock()

	return a.vol.setFreeBlocks(ctx, tx, free)
}

// zeroGroup zeroes one group block and all the bitmap blocks it
// summarizes, leaving every bit clear (all free) and every group-summary
// entry at the maximum.
func (a *Allocator) zeroGroup(ctx context.Context, tx *Transaction, g int64) error {
	groupBlock, err := GetZero(ctx, a.vol, a.groupStart+uint64(g), tx)
	if err != nil {
		return errors.Wrapf(err, "zero group block %d", g)
	}
	data := groupBlock.Bytes()

	first := g * entriesPerGroupBlock
	last := first + entriesPerGroupBlock
	if last > a.bitmapBlocks {
		last = a.bitmapBlocks
	}
	for i := first; i < last; i++ {
		byteOrder.PutUint16(data[(i-first)*2:], uint16(bitsPerBitmapBlock))
	}
	tx.PutBlock(groupBlock.Index(), data)
	groupBlock.Put()

	for i := first; i < last; i++ {
		bmBlock, err := GetZero(ctx, a.vol, a.bitmapStart+uint64(i), tx)
		if err != nil {
			return errors.Wrapf(err, "zero bitmap block %d", i)
		}
		tx.PutBlock(bmBlock.Index(), bmBlock.Bytes())
		bmBlock.Put()
	}

	return nil
}

// IsSet reports whether the bit for filesystem block idx is set
// (allocated). Exposed so tests and the fsck subcommand can cross-check
// the bitmap against the set of blocks reachable structures reference.
func (a *Allocator) IsSet(ctx context.Context, idx uint64) (bool, error) {
	return a.isSet(ctx, idx)
}

// TotalBlocks returns the volume's total block count.
func (a *Allocator) TotalBlocks() uint64 { return a.totalBlocks }

// isSet reports whether the bit for filesystem block idx is set
// (allocated).
func (a *Allocator) isSet(ctx context.Context, idx uint64) (bool, error) {
	bmBlockIdx, wordIdx, bitIdx := a.bitLocation(idx)
	block, err := GetReadable(ctx, a.vol, bmBlockIdx)
	if err != nil {
		return false, errors.Wrapf(err, "read bitmap block for block %d", idx)
	}
	defer block.Put()
	word := byteOrder.Uint32(block.Bytes()[wordIdx*4:])
	return word&(1<<bitIdx) != 0, nil
}

// setBit sets or clears the bit for filesystem block idx, maintaining the
// owning group's free-count summary. It does not itself adjust the
// allocator's overall free-block counter or super block.
func (a *Allocator) setBit(ctx context.Context, tx *Transaction, idx uint64, used bool) error {
	bmBlockIdx, wordIdx, bitIdx := a.bitLocation(idx)

	bmBlock, err := GetWritable(ctx, a.vol, bmBlockIdx, tx)
	if err != nil {
		return errors.Wrapf(err, "get bitmap block for block %d", idx)
	}
	data := bmBlock.Bytes()
	word := byteOrder.Uint32(data[wordIdx*4:])
	was := word&(1<<bitIdx) != 0

	if was == used {
		bmBlock.Put()
		return nil
	}

	if used {
		word |= 1 << bitIdx
	} else {
		word &^= 1 << bitIdx
	}
	byteOrder.PutUint32(data[wordIdx*4:], word)
	tx.PutBlock(bmBlockIdx, data)
	bmBlock.Put()

	bitmapBlockNumber := bmBlockIdx - a.bitmapStart
	groupBlockIdx := a.groupStart + uint64(bitmapBlockNumber/entriesPerGroupBlock)
	entryIdx := bitmapBlockNumber % entriesPerGroupBlock

	groupBlock, err := GetWritable(ctx, a.vol, groupBlockIdx, tx)
	if err != nil {
		return errors.Wrapf(err, "get group block for bitmap block %d", bitmapBlockNumber)
	}
	gdata := groupBlock.Bytes()
	count := byteOrder.Uint16(gdata[entryIdx*2:])
	if used {
		count--
	} else {
		count++
	}
	byteOrder.PutUint16(gdata[entryIdx*2:], count)
	tx.PutBlock(groupBlockIdx, gdata)
	groupBlock.Put()

	return nil
}

func (a *Allocator) bitLocation(idx uint64) (bmBlock uint64, wordIdx int, bitIdx uint) {
	bmBlock = a.bitmapStart + idx/bitsPerBitmapBlock
	within := idx % bitsPerBitmapBlock
	wordIdx = int(within / 32)
	bitIdx = uint(within % 32)
	return
}

// Allocate allocates up to count contiguous blocks near hint, scanning
// [hint, N) then [0, hint). It may allocate fewer
// than count blocks; it never zeroes the blocks it returns.
func (a *Allocator) Allocate(ctx context.Context, hint uint64, count int64, tx *Transaction) (base uint64, allocated int64, err error) {
	if count <= 0 {
		return 0, 0, errors.Wrap(ErrInvalidArgument, "allocate: count must be positive")
	}

	base, err = a.findFreeRun(ctx, hint, a.totalBlocks)
	if errors.Is(err, ErrOutOfSpace) {
		base, err = a.findFreeRun(ctx, 0, hint)
	}
	if err != nil {
		return 0, 0, err
	}

	groupEnd := (base/groupSpanBlocks + 1) * groupSpanBlocks
	maxRun := groupEnd - base
	run := count
	if run > int64(maxRun) {
		run = int64(maxRun)
	}

	for i := int64(0); i < run; i++ {
		idx := base + uint64(i)
		if idx >= a.totalBlocks {
			break
		}
		used, err := a.isSet(ctx, idx)
		if err != nil {
			return 0, 0, err
		}
		if used {
			break
		}
		if err := a.setBit(ctx, tx, idx, true); err != nil {
			return 0, 0, err
		}
		allocated++
	}

	if allocated == 0 {
		return 0, 0, errors.Wrap(ErrOutOfSpace, "allocate")
	}

	if err := a.adjustFreeBlocks(ctx, tx, -allocated); err != nil {
		return 0, 0, err
	}

	return base, allocated, nil
}

// findFreeRun scans [from, to) for the first free (clear) bit, skipping
// wholly-used bitmap blocks (group-summary entry 0) and wholly-used words
// (the "moveable base" search). Groups are not skipped as a unit: each
// bitmap block's summary entry is read in turn.
func (a *Allocator) findFreeRun(ctx context.Context, from, to uint64) (uint64, error) {
	if from >= to {
		return 0, errors.Wrap(ErrOutOfSpace, "empty search range")
	}

	for idx := from; idx < to; {
		bmBlockIdx, _, _ := a.bitLocation(idx)
		bitmapBlockNumber := bmBlockIdx - a.bitmapStart
		groupBlockIdx := a.groupStart + uint64(bitmapBlockNumber/entriesPerGroupBlock)
		entryIdx := bitmapBlockNumber % entriesPerGroupBlock

		groupBlock, err := GetReadable(ctx, a.vol, groupBlockIdx)
		if err != nil {
			return 0, err
		}
		count := byteOrder.Uint16(groupBlock.Bytes()[entryIdx*2:])
		groupBlock.Put()

		blockRangeStart := bitmapBlockNumber * bitsPerBitmapBlock
		blockRangeEnd := blockRangeStart + bitsPerBitmapBlock

		if count == 0 {
			// Entire bitmap block is used; skip to the next one.
			idx = blockRangeEnd
			continue
		}

		bmBlock, err := GetReadable(ctx, a.vol, bmBlockIdx)
		if err != nil {
			return 0, err
		}
		data := bmBlock.Bytes()

		within := idx - blockRangeStart
		startWord := int(within / 32)
		found := false
		var foundIdx uint64

		for w := startWord; w < BlockSize/4; w++ {
			word := byteOrder.Uint32(data[w*4:])
			if word == 0xFFFFFFFF {
				continue
			}
			bitStart := 0
			if w == startWord {
				bitStart = int(within % 32)
			}
			for b := bitStart; b < 32; b++ {
				if word&(1<<uint(b)) == 0 {
					foundIdx = blockRangeStart + uint64(w*32+b)
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		bmBlock.Put()

		if found {
			if foundIdx >= to {
				return 0, errors.Wrap(ErrOutOfSpace, "no free blocks in range")
			}
			return foundIdx, nil
		}

		idx = blockRangeEnd
	}

	return 0, errors.Wrap(ErrOutOfSpace, "no free blocks in range")
}

// AllocateExactly allocates the exact range [base, base+count), failing
// with ErrBusy if any target bit is already set.
func (a *Allocator) AllocateExactly(ctx context.Context, base uint64, count int64, tx *Transaction) error {
	if count <= 0 {
		return errors.Wrap(ErrInvalidArgument, "allocate_exactly: count must be positive")
	}
	if base == 0 || base+uint64(count) > a.totalBlocks {
		return errors.Wrap(ErrBusy, "allocate_exactly: range reserved or out of bounds")
	}

	for i := int64(0); i < count; i++ {
		used, err := a.isSet(ctx, base+uint64(i))
		if err != nil {
			return err
		}
		if used {
			return errors.Wrap(ErrBusy, "allocate_exactly: block already allocated")
		}
	}

	for i := int64(0); i < count; i++ {
		if err := a.setBit(ctx, tx, base+uint64(i), true); err != nil {
			return err
		}
	}

	return a.adjustFreeBlocks(ctx, tx, -count)
}

// Free clears the range [base, base+count), failing if any bit in the
// range is already clear.
func (a *Allocator) Free(ctx context.Context, base uint64, count int64, tx *Transaction) error {
	if count <= 0 {
		return errors.Wrap(ErrInvalidArgument, "free: count must be positive")
	}

	for i := int64(0); i < count; i++ {
		used, err := a.isSet(ctx, base+uint64(i))
		if err != nil {
			return err
		}
		if !used {
			return errors.Wrap(ErrBusy, "free: block already free")
		}
	}

	for i := int64(0); i < count; i++ {
		if err := a.setBit(ctx, tx, base+uint64(i), false); err != nil {
			return err
		}
	}

	return a.adjustFreeBlocks(ctx, tx, count)
}
