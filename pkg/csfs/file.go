package csfs

import (
	"context"
	"crypto/sha256"

	"github.com/pkg/errors"
)

// FileCache is the narrow slice of the external, buffered file-content
// cache that csfs depends on for actual file data bytes.
// Once a block is handed to the file-cache (Cache.Discard), csfs never
// reads or writes its content directly; it only tracks which block
// indices belong to which file and keeps their stored checksums in sync.
type FileCache interface {
	// ReadBlock returns the current content of a file data block, used to
	// compute its checksum at Sync time.
	ReadBlock(ctx context.Context, block uint64) ([]byte, error)
}

// FileExtent is one contiguous run within a single data block, as
// returned by File.GetFileVecs for the external file-cache's vectored
// I/O. Block == 0 denotes a sparse hole.
type FileExtent struct {
	Block  uint64
	Offset int
	Length int
}

// File is the fixed-fanout block tree addressing a file's data blocks
//. The node's tail holds an 8-byte depth field followed
// by up to rootFanout() root child pointers; each tree level below the
// root has FileTreeFanout (K = B/8) child pointers per index block.
type File struct {
	node *Node
}

// NewFile wraps an already-typed file Node (Type() == ModeTypeFile) as a
// File.
func NewFile(node *Node) (*File, error) {
	if node.Type() != ModeTypeFile {
		return nil, errors.Wrap(ErrInvalidArgument, "node is not a file")
	}
	return newFile(node)
}

func newFile(node *Node) (*File, error) {
	if len(node.tail) < fileTreeHeaderSize {
		return nil, errors.Wrap(ErrBadData, "file payload too small for depth field")
	}
	return &File{node: node}, nil
}

// Node returns the underlying Node.
func (f *File) Node() *Node { return f.node }

// Depth returns the tree's current depth (0: root pointers address data
// blocks directly). It is read from the node's tail every time so that a
// Transaction.Abort reverting the tail also reverts the depth.
func (f *File) Depth() uint64 { return byteOrder.Uint64(f.node.tail[0:fileTreeHeaderSize]) }

func (f *File) rootPointers() []byte { return f.node.tail[fileTreeHeaderSize:] }

func (f *File) setDepth(v uint64) {
	byteOrder.PutUint64(f.node.tail[0:fileTreeHeaderSize], v)
	f.node.dirty = true
}

// capacityBlocks returns how many data blocks the tree can currently
// address at its present depth: rootFanout() * K^depth.
func (f *File) capacityBlocks() int64 {
	c := rootFanout()
	for i := uint64(0); i < f.Depth(); i++ {
		c *= FileTreeFanout
	}
	return c
}

func blocksForSize(size uint64) int64 {
	return divCeil(int64(size), BlockSize)
}

func readPointer(buf []byte, idx int64) uint64 { return byteOrder.Uint64(buf[idx*8:]) }

func writePointer(buf []byte, idx int64, v uint64) { byteOrder.PutUint64(buf[idx*8:], v) }

func (f *File) rootSlot(idx int64) uint64 { return readPointer(f.rootPointers(), idx) }

func (f *File) setRootSlot(idx int64, v uint64) {
	writePointer(f.rootPointers(), idx, v)
	f.node.dirty = true
}

func (f *File) blockSlot(ctx context.Context, block uint64, idx int64) (uint64, error) {
	b, err := GetReadable(ctx, f.node.vol, block)
	if err != nil {
		return 0, err
	}
	defer b.Put()
	return readPointer(b.Bytes(), idx), nil
}

func (f *File) setBlockSlot(ctx context.Context, tx *Transaction, block uint64, idx int64, v uint64) error {
	b, err := GetWritable(ctx, f.node.vol, block, tx)
	if err != nil {
		return err
	}
	writePointer(b.Bytes(), idx, v)
	tx.PutBlock(block, b.Bytes())
	b.Put()
	return nil
}

func (f *File) allocIndexBlock(ctx context.Context, tx *Transaction) (uint64, error) {
	newBlock, n, err := f.node.vol.allocator.Allocate(ctx, f.node.blockIndex, 1, tx)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.Wrap(ErrOutOfSpace, "allocate file index block: no free blocks")
	}
	zb, err := GetZero(ctx, f.node.vol, newBlock, tx)
	if err != nil {
		return 0, err
	}
	tx.PutBlock(newBlock, zb.Bytes())
	zb.Put()
	return newBlock, nil
}

// grow increases the tree's depth until it can address at least
// minBlocks data blocks. Each extra level moves the entire root payload
// into one freshly allocated index block and leaves that block as the
// root's only child, so every existing pointer keeps its logical position
// under the deeper addressing.
func (f *File) grow(ctx context.Context, tx *Transaction, minBlocks int64) error {
	for f.capacityBlocks() < minBlocks {
		buf := f.rootPointers()
		n := rootFanout()
		empty := true
		for i := int64(0); i < n; i++ {
			if readPointer(buf, i) != 0 {
				empty = false
				break
			}
		}

		if !empty {
			newBlock, err := f.allocIndexBlock(ctx, tx)
			if err != nil {
				return err
			}
			blk, err := GetWritable(ctx, f.node.vol, newBlock, tx)
			if err != nil {
				return err
			}
			copy(blk.Bytes(), buf[:n*8])
			tx.PutBlock(newBlock, blk.Bytes())
			blk.Put()

			for i := int64(0); i < n; i++ {
				writePointer(buf, i, 0)
			}
			writePointer(buf, 0, newBlock)
			f.node.dirty = true
		}

		f.setDepth(f.Depth() + 1)
	}
	return nil
}

// shrink collapses tree levels a truncation has made unnecessary: when
// the whole tree hangs off the root's first slot and the child block's
// slots beyond the root fanout are unused, the child's pointers are
// pulled up into the root and the child freed — the exact inverse of
// grow.
func (f *File) shrink(ctx context.Context, tx *Transaction) error {
	for f.Depth() > 0 {
		buf := f.rootPointers()
		n := rootFanout()
		for i := int64(1); i < n; i++ {
			if readPointer(buf, i) != 0 {
				return nil
			}
		}

		child := readPointer(buf, 0)
		if child == 0 {
			f.setDepth(f.Depth() - 1)
			continue
		}

		blk, err := GetReadable(ctx, f.node.vol, child)
		if err != nil {
			return err
		}
		data := make([]byte, BlockSize)
		copy(data, blk.Bytes())
		blk.Put()

		for i := n; i < FileTreeFanout; i++ {
			if readPointer(data, i) != 0 {
				return nil
			}
		}

		copy(buf[:n*8], data[:n*8])
		f.node.dirty = true
		if err := f.node.vol.allocator.Free(ctx, child, 1, tx); err != nil {
			return err
		}
		f.setDepth(f.Depth() - 1)
	}
	return nil
}

// dataBlockPtr returns (and, if allocate, creates) the data block
// addressing logical block number lbn.
func (f *File) dataBlockPtr(ctx context.Context, tx *Transaction, lbn int64, allocate bool) (uint64, error) {
	if lbn < 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "negative logical block number")
	}
	if lbn >= f.capacityBlocks() {
		if !allocate {
			return 0, nil
		}
		if err := f.grow(ctx, tx, lbn+1); err != nil {
			return 0, err
		}
	}

	span := f.capacityBlocks() / rootFanout()
	idx := lbn / span
	rem := lbn % span

	if span == 1 {
		ptr := f.rootSlot(idx)
		return f.materialize(ctx, tx, ptr, func(v uint64) error { f.setRootSlot(idx, v); return nil }, allocate)
	}

	ptr := f.rootSlot(idx)
	if ptr == 0 {
		if !allocate {
			return 0, nil
		}
		newBlock, err := f.allocIndexBlock(ctx, tx)
		if err != nil {
			return 0, err
		}
		f.setRootSlot(idx, newBlock)
		ptr = newBlock
	}

	return f.descend(ctx, tx, ptr, span/FileTreeFanout, rem, allocate)
}

func (f *File) descend(ctx context.Context, tx *Transaction, block uint64, span, lbn int64, allocate bool) (uint64, error) {
	idx := lbn / span
	rem := lbn % span

	ptr, err := f.blockSlot(ctx, block, idx)
	if err != nil {
		return 0, err
	}

	if span == 1 {
		return f.materialize(ctx, tx, ptr, func(v uint64) error {
			return f.setBlockSlot(ctx, tx, block, idx, v)
		}, allocate)
	}

	if ptr == 0 {
		if !allocate {
			return 0, nil
		}
		newBlock, err := f.allocIndexBlock(ctx, tx)
		if err != nil {
			return 0, err
		}
		if err := f.setBlockSlot(ctx, tx, block, idx, newBlock); err != nil {
			return 0, err
		}
		ptr = newBlock
	}

	return f.descend(ctx, tx, ptr, span/FileTreeFanout, rem, allocate)
}

func (f *File) materialize(ctx context.Context, tx *Transaction, ptr uint64, set func(uint64) error, allocate bool) (uint64, error) {
	if ptr != 0 || !allocate {
		return ptr, nil
	}

	newBlock, n, err := f.node.vol.allocator.Allocate(ctx, f.node.blockIndex, 1, tx)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.Wrap(ErrOutOfSpace, "allocate file data block: no free blocks")
	}
	if err := set(newBlock); err != nil {
		return 0, err
	}

	// The block is now file-content storage, not metadata this cache
	// manages; PrepareWrite disables its checksum verification before any
	// content moves.
	f.node.vol.cache.Discard(newBlock, 1)

	return newBlock, nil
}

func (f *File) clearPointer(ctx context.Context, tx *Transaction, lbn int64) error {
	if lbn >= f.capacityBlocks() {
		return nil
	}
	span := f.capacityBlocks() / rootFanout()
	idx := lbn / span
	rem := lbn % span

	if span == 1 {
		f.setRootSlot(idx, 0)
		return nil
	}
	ptr := f.rootSlot(idx)
	if ptr == 0 {
		return nil
	}
	return f.clearDescend(ctx, tx, ptr, span/FileTreeFanout, rem)
}

func (f *File) clearDescend(ctx context.Context, tx *Transaction, block uint64, span, lbn int64) error {
	idx := lbn / span
	rem := lbn % span
	if span == 1 {
		return f.setBlockSlot(ctx, tx, block, idx, 0)
	}
	ptr, err := f.blockSlot(ctx, block, idx)
	if err != nil {
		return err
	}
	if ptr == 0 {
		return nil
	}
	return f.clearDescend(ctx, tx, ptr, span/FileTreeFanout, rem)
}

// GetFileVecs maps [offset, offset+length) to a list of contiguous
// per-block extents for the external file-cache's vectored I/O, creating
// tree structure (but not data content) along the way if allocate is set.
func (f *File) GetFileVecs(ctx context.Context, tx *Transaction, offset, length uint64, allocate bool) ([]FileExtent, error) {
	if length == 0 {
		return nil, nil
	}
	var extents []FileExtent
	end := offset + length
	for pos := offset; pos < end; {
		lbn := int64(pos / BlockSize)
		within := int(pos % BlockSize)
		n := BlockSize - within
		if remain := end - pos; uint64(n) > remain {
			n = int(remain)
		}
		block, err := f.dataBlockPtr(ctx, tx, lbn, allocate)
		if err != nil {
			return nil, err
		}
		extents = append(extents, FileExtent{Block: block, Offset: within, Length: n})
		pos += uint64(n)
	}
	return extents, nil
}

// Read returns up to length bytes starting at offset, reading through fc
// and zero-filling sparse holes.
func (f *File) Read(ctx context.Context, fc FileCache, offset, length uint64) ([]byte, error) {
	size := f.node.Size()
	if offset >= size || length == 0 {
		return nil, nil
	}
	if offset+length > size {
		length = size - offset
	}

	extents, err := f.GetFileVecs(ctx, nil, offset, length, false)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, length)
	for _, e := range extents {
		if e.Block == 0 {
			out = append(out, make([]byte, e.Length)...)
			continue
		}
		data, err := fc.ReadBlock(ctx, e.Block)
		if err != nil {
			return nil, errors.Wrapf(err, "read file data block %d", e.Block)
		}
		if e.Offset+e.Length > len(data) {
			return nil, errors.Wrap(ErrBadData, "short file data block")
		}
		out = append(out, data[e.Offset:e.Offset+e.Length]...)
	}
	return out, nil
}

// PrepareWrite ensures tree extents exist for [offset, offset+length),
// grows the node's size if the write extends past EOF, and writes
// ZeroCheckSum for every affected data block — existing blocks included,
// not just freshly allocated ones — before returning the extents the
// caller's file-cache will write into. Disabling verification first is
// the write-checksum interlock: the page writer may publish partly-new
// content at any moment after this call, and the old checksum must not
// be left in place to falsely vouch for it.
func (f *File) PrepareWrite(ctx context.Context, tx *Transaction, offset, length uint64) ([]FileExtent, error) {
	extents, err := f.GetFileVecs(ctx, tx, offset, length, true)
	if err != nil {
		return nil, err
	}

	for _, e := range extents {
		if e.Block == 0 {
			continue
		}
		if err := f.node.vol.device.SetCheckSum(ctx, e.Block, ZeroCheckSum); err != nil {
			return nil, errors.Wrapf(err, "invalidate checksum for data block %d", e.Block)
		}
	}

	if end := offset + length; end > f.node.Size() {
		f.node.SetSize(end)
	}
	return extents, nil
}

// Sync recomputes and stores the checksum for each data block in blocks,
// reading current content from fc. This is the second half of the
// write-checksum interlock: PrepareWrite already set ZeroCheckSum on
// every affected block, so a crash between the file-cache write and Sync
// leaves verification disabled rather than wrongly matching stale or
// torn content.
func (f *File) Sync(ctx context.Context, fc FileCache, blocks []uint64) error {
	for _, block := range blocks {
		data, err := fc.ReadBlock(ctx, block)
		if err != nil {
			return errors.Wrapf(err, "read file data block %d for checksum", block)
		}
		sum := sha256.Sum256(data)
		if err := f.node.vol.device.SetCheckSum(ctx, block, sum); err != nil {
			return errors.Wrapf(err, "set checksum for file data block %d", block)
		}
	}
	return nil
}

// Blocks returns every block index reachable from the file's tree:
// interior/leaf index blocks and data blocks, in no particular order.
// Used by the fsck subcommand's allocator cross-check.
func (f *File) Blocks(ctx context.Context) ([]uint64, error) {
	var out []uint64
	buf := f.rootPointers()
	n := rootFanout()
	for i := int64(0); i < n; i++ {
		ptr := readPointer(buf, i)
		if ptr == 0 {
			continue
		}
		out = append(out, ptr)
		if f.Depth() > 0 {
			if err := f.walkBlocks(ctx, ptr, int(f.Depth())-1, &out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (f *File) walkBlocks(ctx context.Context, block uint64, levelsBelow int, out *[]uint64) error {
	b, err := GetReadable(ctx, f.node.vol, block)
	if err != nil {
		return err
	}
	data := make([]byte, len(b.Bytes()))
	copy(data, b.Bytes())
	b.Put()

	for i := int64(0); i < FileTreeFanout; i++ {
		ptr := readPointer(data, i)
		if ptr == 0 {
			continue
		}
		*out = append(*out, ptr)
		if levelsBelow > 0 {
			if err := f.walkBlocks(ctx, ptr, levelsBelow-1, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Truncate resizes the file to newSize, freeing any data and index
// blocks that fall outside the new size and shrinking the tree where
// possible.
func (f *File) Truncate(ctx context.Context, tx *Transaction, newSize uint64) error {
	oldBlocks := blocksForSize(f.node.Size())
	newBlocks := blocksForSize(newSize)

	if newBlocks < oldBlocks {
		for lbn := newBlocks; lbn < oldBlocks; lbn++ {
			ptr, err := f.dataBlockPtr(ctx, tx, lbn, false)
			if err != nil {
				return err
			}
			if ptr == 0 {
				continue
			}
			if err := f.node.vol.allocator.Free(ctx, ptr, 1, tx); err != nil {
				return err
			}
			if err := f.clearPointer(ctx, tx, lbn); err != nil {
				return err
			}
		}
		if err := f.pruneRoot(ctx, tx); err != nil {
			return err
		}
		if err := f.shrink(ctx, tx); err != nil {
			return err
		}
	}

	f.node.SetSize(newSize)
	return nil
}

// pruneRoot frees index blocks left without any child pointers after a
// truncation, popping emptied levels bottom-up: when a level becomes
// empty, its block is freed and the sweep continues in the parent.
func (f *File) pruneRoot(ctx context.Context, tx *Transaction) error {
	if f.Depth() == 0 {
		return nil
	}
	buf := f.rootPointers()
	n := rootFanout()
	for i := int64(0); i < n; i++ {
		ptr := readPointer(buf, i)
		if ptr == 0 {
			continue
		}
		empty, err := f.pruneEmpty(ctx, tx, ptr, int(f.Depth())-1)
		if err != nil {
			return err
		}
		if empty {
			if err := f.node.vol.allocator.Free(ctx, ptr, 1, tx); err != nil {
				return err
			}
			f.setRootSlot(i, 0)
		}
	}
	return nil
}

func (f *File) pruneEmpty(ctx context.Context, tx *Transaction, block uint64, levelsBelow int) (bool, error) {
	blk, err := GetReadable(ctx, f.node.vol, block)
	if err != nil {
		return false, err
	}
	data := make([]byte, BlockSize)
	copy(data, blk.Bytes())
	blk.Put()

	empty := true
	for i := int64(0); i < FileTreeFanout; i++ {
		ptr := readPointer(data, i)
		if ptr == 0 {
			continue
		}
		if levelsBelow > 0 {
			childEmpty, err := f.pruneEmpty(ctx, tx, ptr, levelsBelow-1)
			if err != nil {
				return false, err
			}
			if childEmpty {
				if err := f.node.vol.allocator.Free(ctx, ptr, 1, tx); err != nil {
					return false, err
				}
				if err := f.setBlockSlot(ctx, tx, block, i, 0); err != nil {
					return false, err
				}
				continue
			}
		}
		empty = false
	}
	return empty, nil
}
