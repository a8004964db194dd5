package csfs

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// dirEntry is the decoded form of one (name, child_block_index) pair in
// an entry block.
type dirEntry struct {
	name  string
	child uint64
}

// pageRef names one entry block: either the directory's embedded root, or
// a whole non-root block.
type pageRef struct {
	isRoot bool
	block  uint64
}

// Directory wraps a Node whose payload is a DirEntryTree: a top-down
// B-tree-like structure of (name, child_block_index) pairs rooted in the
// node's own block.
type Directory struct {
	node *Node
}

// NewDirectory wraps an already-typed directory Node (Type() ==
// ModeTypeDir) as a Directory. Callers that dispatch on Node.Type() use
// this to get the directory-specific view; Volume itself uses the
// unexported constructor directly.
func NewDirectory(node *Node) (*Directory, error) {
	if node.Type() != ModeTypeDir {
		return nil, errors.Wrap(ErrInvalidArgument, "node is not a directory")
	}
	return newDirectory(node)
}

func newDirectory(node *Node) (*Directory, error) {
	if len(node.tail) < 2 {
		return nil, errors.Wrap(ErrBadData, "directory payload too small for depth field")
	}
	depth := byteOrder.Uint16(node.tail[0:2])
	if depth > MaxDirDepth {
		return nil, errors.Wrapf(ErrBadData, "directory depth %d exceeds maximum %d", depth, MaxDirDepth)
	}
	return &Directory{node: node}, nil
}

// Node returns the underlying Node.
func (d *Directory) Node() *Node { return d.node }

// Depth returns the tree's current depth (0 means the root entry block is
// a leaf). It is read from the node's tail every time so that a
// Transaction.Abort reverting the tail also reverts the depth.
func (d *Directory) Depth() uint16 { return byteOrder.Uint16(d.node.tail[0:2]) }

func (d *Directory) setDepth(v uint16) {
	byteOrder.PutUint16(d.node.tail[0:2], v)
	d.node.dirty = true
}

func (d *Directory) pageLength(ref pageRef) int {
	if ref.isRoot {
		return len(d.node.tail) - 2
	}
	return BlockSize
}

// readPage decodes the entries of one page without pinning a lasting
// reference: root pages alias the node's live tail (read-only use is
// safe since decodeEntryBlock copies name bytes into fresh strings),
// non-root pages are read via a short-lived Block handle.
func (d *Directory) readPage(ctx context.Context, ref pageRef) ([]byte, error) {
	if ref.isRoot {
		return d.node.tail[2:], nil
	}
	blk, err := GetReadable(ctx, d.node.vol, ref.block)
	if err != nil {
		return nil, errors.Wrapf(err, "read directory entry block %d", ref.block)
	}
	defer blk.Put()
	buf := make([]byte, len(blk.Bytes()))
	copy(buf, blk.Bytes())
	return buf, nil
}

func (d *Directory) writeEntries(ctx context.Context, tx *Transaction, ref pageRef, entries []dirEntry) error {
	length := d.pageLength(ref)
	encoded, err := encodeEntryBlock(entries, length)
	if err != nil {
		return err
	}

	if ref.isRoot {
		copy(d.node.tail[2:], encoded)
		d.node.dirty = true
		return nil
	}

	blk, err := GetWritable(ctx, d.node.vol, ref.block, tx)
	if err != nil {
		return errors.Wrapf(err, "write directory entry block %d", ref.block)
	}
	copy(blk.Bytes(), encoded)
	tx.PutBlock(ref.block, blk.Bytes())
	blk.Put()
	return nil
}

func (d *Directory) freeBlock(ctx context.Context, tx *Transaction, block uint64) error {
	return d.node.vol.allocator.Free(ctx, block, 1, tx)
}

// findInsertionIndex returns (idx, exact): the position of name within
// entries if present, or the position it would be inserted at. Name
// comparison is byte-wise (memcmp prefix, then length) which is exactly
// Go's native string ordering.
func findInsertionIndex(entries []dirEntry, name string) (int, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if entries[mid].name < name {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(entries) && entries[lo].name == name {
		return lo, true
	}
	return lo, false
}

func firstKey(entries []dirEntry) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[0].name
}

func insertEntrySlice(entries []dirEntry, idx int, e dirEntry) []dirEntry {
	out := make([]dirEntry, 0, len(entries)+1)
	out = append(out, entries[:idx]...)
	out = append(out, e)
	out = append(out, entries[idx:]...)
	return out
}

func removeEntrySlice(entries []dirEntry, idx int) []dirEntry {
	out := make([]dirEntry, 0, len(entries)-1)
	out = append(out, entries[:idx]...)
	out = append(out, entries[idx+1:]...)
	return out
}

// Lookup descends the tree for an exact match on name, returning its
// child block index.
func (d *Directory) Lookup(ctx context.Context, name string) (uint64, error) {
	d.node.mu.RLock()
	defer d.node.mu.RUnlock()
	return d.lookup(ctx, name)
}

func (d *Directory) lookup(ctx context.Context, name string) (uint64, error) {
	if len(name) == 0 || len(name) > MaxNameLength {
		return 0, errors.Wrap(ErrInvalidArgument, "invalid name length")
	}

	ref := pageRef{isRoot: true}
	level := int(d.Depth())

	for {
		buf, err := d.readPage(ctx, ref)
		if err != nil {
			return 0, err
		}
		entries, err := decodeEntryBlock(buf)
		if err != nil {
			return 0, err
		}

		idx, exact := findInsertionIndex(entries, name)

		if level == 0 {
			if !exact {
				return 0, errors.Wrapf(ErrNotFound, "lookup %q", name)
			}
			return entries[idx].child, nil
		}

		if !exact {
			if idx == 0 {
				return 0, errors.Wrapf(ErrNotFound, "lookup %q", name)
			}
			idx--
		}
		ref = pageRef{isRoot: false, block: entries[idx].child}
		level--
	}
}

type dirPathStep struct {
	entries []dirEntry
	idx     int
	level   int // level of this block; children are at level-1
}

// LookupNext returns the strictly-next entry after prevName in sorted
// order, used by readdir. Pass "" to get the
// first entry.
func (d *Directory) LookupNext(ctx context.Context, prevName string) (string, uint64, error) {
	d.node.mu.RLock()
	defer d.node.mu.RUnlock()
	return d.lookupNext(ctx, prevName)
}

func (d *Directory) lookupNext(ctx context.Context, prevName string) (string, uint64, error) {
	var path []dirPathStep
	ref := pageRef{isRoot: true}
	level := int(d.Depth())

	for {
		buf, err := d.readPage(ctx, ref)
		if err != nil {
			return "", 0, err
		}
		entries, err := decodeEntryBlock(buf)
		if err != nil {
			return "", 0, err
		}

		idx, exact := findInsertionIndex(entries, prevName)

		if level == 0 {
			next := idx
			if exact {
				next++
			}
			if next < len(entries) {
				return entries[next].name, entries[next].child, nil
			}
			return d.backtrackNext(ctx, path)
		}

		descend := idx
		if !exact && idx > 0 {
			descend = idx - 1
		}
		path = append(path, dirPathStep{entries: entries, idx: descend, level: level})
		ref = pageRef{isRoot: false, block: entries[descend].child}
		level--
	}
}

func (d *Directory) backtrackNext(ctx context.Context, path []dirPathStep) (string, uint64, error) {
	for len(path) > 0 {
		top := path[len(path)-1]
		path = path[:len(path)-1]
		if top.idx+1 < len(top.entries) {
			ref := pageRef{isRoot: false, block: top.entries[top.idx+1].child}
			return d.leftmost(ctx, ref, top.level-1)
		}
	}
	return "", 0, errors.Wrap(ErrNotFound, "lookup_next: no further entries")
}

func (d *Directory) leftmost(ctx context.Context, ref pageRef, level int) (string, uint64, error) {
	for {
		buf, err := d.readPage(ctx, ref)
		if err != nil {
			return "", 0, err
		}
		entries, err := decodeEntryBlock(buf)
		if err != nil {
			return "", 0, err
		}
		if len(entries) == 0 {
			return "", 0, errors.Wrap(ErrBadData, "empty non-root entry block")
		}
		if level == 0 {
			return entries[0].name, entries[0].child, nil
		}
		ref = pageRef{isRoot: false, block: entries[0].child}
		level--
	}
}

// dirLevelResult communicates what a lower level of the tree needs its
// parent to do: nothing, rename its pointer to a child whose first key
// changed, insert a new entry for a sibling created by a split, or remove
// the entry for a child that became empty and was freed.
type dirLevelResult struct {
	renamed bool
	newKey  string

	split      bool
	splitKey   string
	splitChild uint64

	emptied bool
}

// Insert adds (name, child) to the tree, splitting and growing the tree
// as needed.
func (d *Directory) Insert(ctx context.Context, tx *Transaction, name string, child uint64) error {
	if len(name) == 0 || len(name) > MaxNameLength {
		return errors.Wrap(ErrInvalidArgument, "invalid name length")
	}
	_, err := d.insertInto(ctx, tx, pageRef{isRoot: true}, int(d.Depth()), name, child)
	return err
}

func (d *Directory) insertInto(ctx context.Context, tx *Transaction, ref pageRef, level int, name string, child uint64) (dirLevelResult, error) {
	buf, err := d.readPage(ctx, ref)
	if err != nil {
		return dirLevelResult{}, err
	}
	entries, err := decodeEntryBlock(buf)
	if err != nil {
		return dirLevelResult{}, err
	}

	idx, exact := findInsertionIndex(entries, name)

	if level == 0 {
		if exact {
			return dirLevelResult{}, errors.Wrapf(ErrExists, "insert %q", name)
		}
		oldFirst := firstKey(entries)
		entries = insertEntrySlice(entries, idx, dirEntry{name: name, child: child})
		return d.storeOrSplit(ctx, tx, ref, entries, oldFirst)
	}

	if exact {
		return dirLevelResult{}, errors.Wrapf(ErrExists, "insert %q", name)
	}
	if len(entries) == 0 {
		return dirLevelResult{}, errors.Wrapf(ErrBadData, "insert %q: interior block has no entries", name)
	}
	// Descend into the greatest key <= name; a name smaller than every
	// key descends into the leftmost child and the index-0 key update
	// propagates back up through the rename path below.
	childIdx := idx - 1
	if idx == 0 {
		childIdx = 0
	}
	childRef := pageRef{isRoot: false, block: entries[childIdx].child}

	sub, err := d.insertInto(ctx, tx, childRef, level-1, name, child)
	if err != nil {
		return dirLevelResult{}, err
	}

	oldFirst := firstKey(entries)
	changed := false
	if sub.split {
		entries = insertEntrySlice(entries, childIdx+1, dirEntry{name: sub.splitKey, child: sub.splitChild})
		changed = true
	}
	if sub.renamed {
		entries[childIdx].name = sub.newKey
		changed = true
	}
	if !changed {
		return dirLevelResult{}, nil
	}
	return d.storeOrSplit(ctx, tx, ref, entries, oldFirst)
}

func (d *Directory) storeOrSplit(ctx context.Context, tx *Transaction, ref pageRef, entries []dirEntry, oldFirst string) (dirLevelResult, error) {
	length := d.pageLength(ref)
	if entryBlockUsedBytes(entries) <= length {
		if err := d.writeEntries(ctx, tx, ref, entries); err != nil {
			return dirLevelResult{}, err
		}
		nf := firstKey(entries)
		return dirLevelResult{renamed: nf != oldFirst, newKey: nf}, nil
	}

	if ref.isRoot {
		return d.growAndStore(ctx, tx, entries, oldFirst)
	}
	return d.splitBlock(ctx, tx, ref, entries, oldFirst)
}

// growAndStore handles a root entry block overflow: grow the tree by one
// level so the old root contents live in a full-sized child block, then
// store the pending entries in that child, splitting it like any
// non-root block if they still don't fit, and record the outcome against
// the root's single covering entry.
func (d *Directory) growAndStore(ctx context.Context, tx *Transaction, entries []dirEntry, oldFirst string) (dirLevelResult, error) {
	if int(d.Depth()) >= MaxDirDepth {
		return dirLevelResult{}, errors.Wrap(ErrOutOfSpace, "directory tree depth limit reached")
	}
	if err := d.growRoot(ctx, tx); err != nil {
		return dirLevelResult{}, err
	}

	rootBuf, err := d.readPage(ctx, pageRef{isRoot: true})
	if err != nil {
		return dirLevelResult{}, err
	}
	rootEntries, err := decodeEntryBlock(rootBuf)
	if err != nil {
		return dirLevelResult{}, err
	}
	if len(rootEntries) != 1 {
		return dirLevelResult{}, errors.Wrap(ErrBadData, "grown root does not have a single covering entry")
	}

	childRef := pageRef{isRoot: false, block: rootEntries[0].child}
	sub, err := d.storeOrSplit(ctx, tx, childRef, entries, oldFirst)
	if err != nil {
		return dirLevelResult{}, err
	}

	changed := false
	if sub.split {
		rootEntries = insertEntrySlice(rootEntries, 1, dirEntry{name: sub.splitKey, child: sub.splitChild})
		changed = true
	}
	if sub.renamed {
		rootEntries[0].name = sub.newKey
		changed = true
	}
	if changed {
		if err := d.writeEntries(ctx, tx, pageRef{isRoot: true}, rootEntries); err != nil {
			return dirLevelResult{}, err
		}
	}
	return dirLevelResult{}, nil
}

func (d *Directory) splitBlock(ctx context.Context, tx *Transaction, ref pageRef, entries []dirEntry, oldFirst string) (dirLevelResult, error) {
	split := pickSplitIndex(entries)
	left := entries[:split]
	right := entries[split:]

	newBlock, n, err := d.node.vol.allocator.Allocate(ctx, ref.block, 1, tx)
	if err != nil {
		return dirLevelResult{}, err
	}
	if n < 1 {
		return dirLevelResult{}, errors.Wrap(ErrOutOfSpace, "split: could not allocate new entry block")
	}

	if err := d.writeEntries(ctx, tx, ref, left); err != nil {
		return dirLevelResult{}, err
	}
	if err := d.writeEntries(ctx, tx, pageRef{isRoot: false, block: newBlock}, right); err != nil {
		return dirLevelResult{}, err
	}

	return dirLevelResult{
		renamed:    firstKey(left) != oldFirst,
		newKey:     firstKey(left),
		split:      true,
		splitKey:   firstKey(right),
		splitChild: newBlock,
	}, nil
}

// pickSplitIndex picks a split point that approximately halves the bytes
// used between the two resulting blocks.
func pickSplitIndex(entries []dirEntry) int {
	total := entryBlockUsedBytes(entries)
	target := total / 2
	used := 2
	for i, e := range entries {
		used += 2 + 8 + len(e.name)
		if used >= target {
			if i+1 >= len(entries) {
				return len(entries) - 1
			}
			return i + 1
		}
	}
	if len(entries) < 2 {
		return len(entries)
	}
	return len(entries) / 2
}

// growRoot moves the root entry block's contents into a freshly allocated
// block, installs a single pointer to it in the now-empty root, and
// increments depth.
func (d *Directory) growRoot(ctx context.Context, tx *Transaction) error {
	buf, err := d.readPage(ctx, pageRef{isRoot: true})
	if err != nil {
		return err
	}
	rootEntries, err := decodeEntryBlock(buf)
	if err != nil {
		return err
	}

	newBlock, n, err := d.node.vol.allocator.Allocate(ctx, d.node.blockIndex, 1, tx)
	if err != nil {
		return err
	}
	if n < 1 {
		return errors.Wrap(ErrOutOfSpace, "grow: could not allocate new root child block")
	}

	if err := d.writeEntries(ctx, tx, pageRef{isRoot: false, block: newBlock}, rootEntries); err != nil {
		return err
	}

	newRoot := []dirEntry{{name: firstKey(rootEntries), child: newBlock}}
	if err := d.writeEntries(ctx, tx, pageRef{isRoot: true}, newRoot); err != nil {
		return err
	}

	d.setDepth(d.Depth() + 1)
	return nil
}

// Remove deletes name from the tree, freeing any entry block that becomes
// empty and propagating key updates upward.
func (d *Directory) Remove(ctx context.Context, tx *Transaction, name string) error {
	if len(name) == 0 || len(name) > MaxNameLength {
		return errors.Wrap(ErrInvalidArgument, "invalid name length")
	}
	_, err := d.removeFrom(ctx, tx, pageRef{isRoot: true}, int(d.Depth()), name)
	return err
}

func (d *Directory) removeFrom(ctx context.Context, tx *Transaction, ref pageRef, level int, name string) (dirLevelResult, error) {
	buf, err := d.readPage(ctx, ref)
	if err != nil {
		return dirLevelResult{}, err
	}
	entries, err := decodeEntryBlock(buf)
	if err != nil {
		return dirLevelResult{}, err
	}

	idx, exact := findInsertionIndex(entries, name)

	if level == 0 {
		if !exact {
			return dirLevelResult{}, errors.Wrapf(ErrNotFound, "remove %q", name)
		}
		oldFirst := firstKey(entries)
		entries = removeEntrySlice(entries, idx)
		return d.storeAfterRemove(ctx, tx, ref, entries, oldFirst)
	}

	childIdx := idx
	if !exact {
		if idx == 0 {
			return dirLevelResult{}, errors.Wrapf(ErrNotFound, "remove %q", name)
		}
		childIdx = idx - 1
	}
	childRef := pageRef{isRoot: false, block: entries[childIdx].child}

	sub, err := d.removeFrom(ctx, tx, childRef, level-1, name)
	if err != nil {
		return dirLevelResult{}, err
	}

	oldFirst := firstKey(entries)
	changed := false

	if sub.emptied {
		if err := d.freeBlock(ctx, tx, childRef.block); err != nil {
			return dirLevelResult{}, err
		}
		entries = removeEntrySlice(entries, childIdx)
		changed = true
	} else if sub.renamed {
		entries[childIdx].name = sub.newKey
		changed = true
	}

	if !changed {
		return dirLevelResult{}, nil
	}
	return d.storeAfterRemove(ctx, tx, ref, entries, oldFirst)
}

func (d *Directory) storeAfterRemove(ctx context.Context, tx *Transaction, ref pageRef, entries []dirEntry, oldFirst string) (dirLevelResult, error) {
	if len(entries) == 0 {
		if ref.isRoot {
			if err := d.writeEntries(ctx, tx, ref, entries); err != nil {
				return dirLevelResult{}, err
			}
			return dirLevelResult{}, nil
		}
		return dirLevelResult{emptied: true}, nil
	}
	if err := d.writeEntries(ctx, tx, ref, entries); err != nil {
		return dirLevelResult{}, err
	}
	nf := firstKey(entries)
	return dirLevelResult{renamed: nf != oldFirst, newKey: nf}, nil
}

// EntryBlocks returns the block index of every non-root entry block in
// the tree, used by the fsck subcommand to cross-check the allocator
// bitmap against blocks actually reachable from the directory tree.
func (d *Directory) EntryBlocks(ctx context.Context) ([]uint64, error) {
	var blocks []uint64
	err := d.walkBlocks(ctx, pageRef{isRoot: true}, int(d.Depth()), &blocks)
	return blocks, err
}

func (d *Directory) walkBlocks(ctx context.Context, ref pageRef, level int, out *[]uint64) error {
	buf, err := d.readPage(ctx, ref)
	if err != nil {
		return err
	}
	entries, err := decodeEntryBlock(buf)
	if err != nil {
		return err
	}
	if !ref.isRoot {
		*out = append(*out, ref.block)
	}
	if level > 0 {
		for _, e := range entries {
			if err := d.walkBlocks(ctx, pageRef{isRoot: false, block: e.child}, level-1, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// ForEach calls fn for every (name, child_block_index) entry in the
// directory, in sorted order, stopping at the first error fn returns.
func (d *Directory) ForEach(ctx context.Context, fn func(name string, child uint64) error) error {
	name := ""
	for {
		entryName, child, err := d.LookupNext(ctx, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if err := fn(entryName, child); err != nil {
			return err
		}
		name = entryName
	}
}

// FreeTree frees every non-root block of the tree in post-order. The
// directory's own node block is not freed here;
// the caller (Volume.DeleteNode) does that separately.
func (d *Directory) FreeTree(ctx context.Context, tx *Transaction) error {
	return d.freeSubtree(ctx, tx, pageRef{isRoot: true}, int(d.Depth()))
}

func (d *Directory) freeSubtree(ctx context.Context, tx *Transaction, ref pageRef, level int) error {
	buf, err := d.readPage(ctx, ref)
	if err != nil {
		return err
	}
	entries, err := decodeEntryBlock(buf)
	if err != nil {
		return err
	}

	if level > 0 {
		for _, e := range entries {
			if err := d.freeSubtree(ctx, tx, pageRef{isRoot: false, block: e.child}, level-1); err != nil {
				return err
			}
		}
	}
	if !ref.isRoot {
		if err := d.freeBlock(ctx, tx, ref.block); err != nil {
			return err
		}
	}
	return nil
}

// Check walks the whole tree verifying sort order and the
// first-entry-matches-parent-key invariant. Sibling subtrees are checked
// concurrently.
func (d *Directory) Check(ctx context.Context) error {
	return d.checkSubtree(ctx, pageRef{isRoot: true}, int(d.Depth()), "")
}

func (d *Directory) checkSubtree(ctx context.Context, ref pageRef, level int, expectFirst string) error {
	buf, err := d.readPage(ctx, ref)
	if err != nil {
		return err
	}
	entries, err := decodeEntryBlock(buf)
	if err != nil {
		return err
	}

	if !ref.isRoot && len(entries) == 0 {
		return errors.Wrap(ErrBadData, "non-root entry block is empty")
	}
	for i := 1; i < len(entries); i++ {
		if !(entries[i-1].name < entries[i].name) {
			return errors.Wrapf(ErrBadData, "entries out of order: %q >= %q", entries[i-1].name, entries[i].name)
		}
	}
	if expectFirst != "" && len(entries) > 0 && entries[0].name != expectFirst {
		return errors.Wrapf(ErrBadData, "parent key %q does not match child's first entry %q", expectFirst, entries[0].name)
	}

	if level == 0 {
		return nil
	}

	var eg errgroup.Group
	for _, e := range entries {
		e := e
		eg.Go(func() error {
			return d.checkSubtree(ctx, pageRef{isRoot: false, block: e.child}, level-1, e.name)
		})
	}
	return eg.Wait()
}
