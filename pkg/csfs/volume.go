package csfs

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/armon/circbuf"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// journalCapacity bounds the in-memory record of recent transaction
// commit/abort summaries kept on every Volume. It is a ring buffer, not a durability log: its contents
// never touch the device and are lost on process exit.
const journalCapacity = 64 * 1024

// Logger is the narrow logging surface Volume needs; csfs/csfslog.Logger
// satisfies it structurally.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nullLogger struct{}

func (nullLogger) Debugf(string, ...interface{}) {}
func (nullLogger) Infof(string, ...interface{})  {}
func (nullLogger) Errorf(string, ...interface{}) {}

// Notifier receives PostCommitNotification values fired by committed
// transactions. Dispatch to kernel VFS watchers is external
// to csfs; Notifier is the seam.
type Notifier interface {
	Notify(n PostCommitNotification)
}

type registryEntry struct {
	node     *Node
	refs     int
	removed  bool // RemoveVnode was called; free the node's block on last Put
}

// Volume is a mounted checksum filesystem: the device and cache handles,
// the decoded super block, the block allocator, a live-node registry, and
// the per-volume transaction lock that serializes commits.
type Volume struct {
	device Device
	cache  Cache
	log    Logger

	notifier Notifier

	readOnly bool

	txLock sync.Mutex

	superMu sync.RWMutex
	super   SuperBlock

	allocator *Allocator

	regMu    sync.Mutex
	registry map[uint64]*registryEntry
	loadGrp  singleflight.Group

	journalMu sync.Mutex
	journal   *circbuf.Buffer
}

// journalf appends a line to the volume's bounded transaction journal. Full
// writes wrap and overwrite the oldest bytes, so this never blocks or grows
// unbounded no matter how long the volume stays mounted.
func (vol *Volume) journalf(format string, args ...interface{}) {
	if vol.journal == nil {
		return
	}
	line := fmt.Sprintf(format, args...) + "\n"
	vol.journalMu.Lock()
	_, _ = vol.journal.Write([]byte(line))
	vol.journalMu.Unlock()
}

// Journal returns a snapshot of the volume's recent transaction
// commit/abort summaries, most recent last.
func (vol *Volume) Journal() []byte {
	vol.journalMu.Lock()
	defer vol.journalMu.Unlock()
	b := vol.journal.Bytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// VolumeOptions configures Mount and Format.
type VolumeOptions struct {
	Logger   Logger
	Notifier Notifier
	ReadOnly bool
}

func (o *VolumeOptions) logger() Logger {
	if o == nil || o.Logger == nil {
		return nullLogger{}
	}
	return o.Logger
}

func (o *VolumeOptions) notifier() Notifier {
	if o == nil {
		return nil
	}
	return o.Notifier
}

func (o *VolumeOptions) readOnly() bool {
	return o != nil && o.ReadOnly
}

// Mount reads and validates the super block at SuperBlockIndex, and
// builds a ready-to-use Volume.
func Mount(ctx context.Context, device Device, cache Cache, opts *VolumeOptions) (*Volume, error) {
	raw, err := cache.Get(ctx, SuperBlockIndex)
	if err != nil {
		return nil, errors.Wrap(err, "read super block")
	}
	super, err := DecodeSuperBlock(raw)
	cache.Put(SuperBlockIndex)
	if err != nil {
		return nil, errors.Wrap(err, "mount")
	}

	if super.TotalBlocks > device.BlockCount() {
		return nil, errors.Wrap(ErrBadData, "super block totalBlocks exceeds device size")
	}

	journal, _ := circbuf.NewBuffer(journalCapacity)
	vol := &Volume{
		device:   device,
		cache:    cache,
		log:      opts.logger(),
		notifier: opts.notifier(),
		readOnly: opts.readOnly(),
		super:    *super,
		registry: make(map[uint64]*registryEntry),
		journal:  journal,
	}
	vol.allocator = newAllocator(vol, super.BlockBitmap, super.TotalBlocks)
	vol.allocator.resetFreeBlocks(super.FreeBlocks)

	vol.log.Infof("csfs: mounted volume %q (%d blocks, %d free)", super.Name, super.TotalBlocks, super.FreeBlocks)

	return vol, nil
}

// Format writes a fresh super block, initializes the allocator and
// creates an empty root directory, returning a mounted Volume.
func Format(ctx context.Context, device Device, cache Cache, totalBlocks uint64, name string, opts *VolumeOptions) (*Volume, error) {
	if totalBlocks < MinVolumeBlocks {
		return nil, errors.Wrap(ErrInvalidArgument, "format: totalBlocks below minimum")
	}
	if totalBlocks > device.BlockCount() {
		return nil, errors.Wrap(ErrInvalidArgument, "format: totalBlocks exceeds device size")
	}
	if len(name) > MaxNameLength {
		return nil, errors.Wrap(ErrNameTooLong, "format: volume name")
	}

	bitmapBlocks := divCeil(int64(totalBlocks), bitsPerBitmapBlock)
	groupBlocks := divCeil(bitmapBlocks, entriesPerGroupBlock)
	blockBitmap := uint64(SuperBlockIndex + 1)
	rootDir := blockBitmap + uint64(groupBlocks) + uint64(bitmapBlocks)
	if rootDir >= totalBlocks {
		return nil, errors.Wrap(ErrInvalidArgument, "format: volume too small for allocator metadata")
	}

	super := SuperBlock{
		Version:     SuperBlockVersion,
		TotalBlocks: totalBlocks,
		FreeBlocks:  0,
		RootDir:     rootDir,
		BlockBitmap: blockBitmap,
		Name:        name,
	}

	journal, _ := circbuf.NewBuffer(journalCapacity)
	vol := &Volume{
		device:   device,
		cache:    cache,
		log:      opts.logger(),
		notifier: opts.notifier(),
		super:    super,
		registry: make(map[uint64]*registryEntry),
		journal:  journal,
	}
	vol.allocator = newAllocator(vol, blockBitmap, totalBlocks)

	if err := vol.allocator.Initialize(ctx); err != nil {
		return nil, errors.Wrap(err, "format: initialize allocator")
	}

	tx, err := StartTransaction(ctx, vol)
	if err != nil {
		return nil, errors.Wrap(err, "format: start transaction")
	}

	if err := vol.writeSuperBlock(ctx, tx, super); err != nil {
		_ = tx.Abort(ctx)
		return nil, errors.Wrap(err, "format: write super block")
	}

	rootHeader := NodeHeader{
		Mode:             ModeTypeDir | 0755,
		HardLinks:        1,
		ParentDirectory:  rootDir,
	}
	rootHeader.CreationTime = nowNanos()
	rootHeader.ModificationTime = rootHeader.CreationTime
	rootHeader.ChangeTime = rootHeader.CreationTime

	if err := vol.allocator.AllocateExactly(ctx, rootDir, 1, tx); err != nil {
		_ = tx.Abort(ctx)
		return nil, errors.Wrap(err, "format: reserve root directory block")
	}

	rootNode := newNode(vol, rootDir, rootHeader, make([]byte, nodeTailSize()))
	rootNode.dirty = true
	if err := tx.AddNode(rootNode, FlagDeleteOnAbort); err != nil {
		_ = tx.Abort(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "format: commit")
	}

	vol.regMu.Lock()
	vol.registry[rootDir] = &registryEntry{node: rootNode, refs: 0}
	vol.regMu.Unlock()

	vol.log.Infof("csfs: formatted volume %q (%d blocks)", name, totalBlocks)

	return vol, nil
}

// writeSuperBlock encodes and writes super into the transaction, updating
// the volume's in-memory copy.
func (vol *Volume) writeSuperBlock(ctx context.Context, tx *Transaction, super SuperBlock) error {
	data, err := super.Encode()
	if err != nil {
		return err
	}
	block, err := GetWritable(ctx, vol, SuperBlockIndex, tx)
	if err != nil {
		return err
	}
	copy(block.Bytes(), data)
	tx.PutBlock(SuperBlockIndex, block.Bytes())
	block.Put()

	vol.superMu.Lock()
	vol.super = super
	vol.superMu.Unlock()

	return nil
}

// setFreeBlocks persists free to the super block within tx and updates
// the in-memory copy; the allocator calls it on every balance change.
func (vol *Volume) setFreeBlocks(ctx context.Context, tx *Transaction, free uint64) error {
	vol.superMu.RLock()
	super := vol.super
	vol.superMu.RUnlock()
	super.FreeBlocks = free
	return vol.writeSuperBlock(ctx, tx, super)
}

// SuperBlock returns a copy of the volume's current super block.
func (vol *Volume) SuperBlock() SuperBlock {
	vol.superMu.RLock()
	defer vol.superMu.RUnlock()
	return vol.super
}

// SetName renames the volume, rewriting the super block in a transaction
// of its own.
func (vol *Volume) SetName(ctx context.Context, name string) error {
	if len(name) > MaxNameLength {
		return errors.Wrap(ErrNameTooLong, "set volume name")
	}

	tx, err := StartTransaction(ctx, vol)
	if err != nil {
		return err
	}
	super := vol.SuperBlock()
	super.Name = name
	if err := vol.writeSuperBlock(ctx, tx, super); err != nil {
		_ = tx.Abort(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Allocator returns the volume's block allocator.
func (vol *Volume) Allocator() *Allocator { return vol.allocator }

func (vol *Volume) notify(n PostCommitNotification) {
	if vol.notifier == nil || n == nil {
		return
	}
	vol.notifier.Notify(n)
}

// GetVnode loads (or returns the cached, ref-counted) Node at blockIndex,
// the lifecycle entry point a vnode layer calls on lookup. Concurrent
// loads of the same block are deduplicated.
func (vol *Volume) GetVnode(ctx context.Context, blockIndex uint64) (*Node, error) {
	vol.regMu.Lock()
	if e, ok := vol.registry[blockIndex]; ok {
		e.refs++
		vol.regMu.Unlock()
		return e.node, nil
	}
	vol.regMu.Unlock()

	key := strconv.FormatUint(blockIndex, 10)
	v, err, _ := vol.loadGrp.Do(key, func() (interface{}, error) {
		block, err := GetReadable(ctx, vol, blockIndex)
		if err != nil {
			return nil, errors.Wrapf(err, "get vnode %d", blockIndex)
		}
		defer block.Put()
		node, err := decodeNode(vol, blockIndex, block.Bytes())
		if err != nil {
			return nil, err
		}
		vol.regMu.Lock()
		e, ok := vol.registry[blockIndex]
		if !ok {
			e = &registryEntry{node: node}
			vol.registry[blockIndex] = e
		}
		vol.regMu.Unlock()
		return e.node, nil
	})
	if err != nil {
		return nil, err
	}

	// Every caller that shared the flight takes its own reference; the
	// load itself holds none.
	node := v.(*Node)
	vol.regMu.Lock()
	if e, ok := vol.registry[blockIndex]; ok {
		e.refs++
	} else {
		vol.registry[blockIndex] = &registryEntry{node: node, refs: 1}
	}
	vol.regMu.Unlock()
	return node, nil
}

// PutVnode releases one reference to the node at blockIndex. If its
// reference count reaches zero and RemoveVnode previously marked it for
// removal, its block is returned to the free list in a dedicated
// transaction.
func (vol *Volume) PutVnode(ctx context.Context, blockIndex uint64) error {
	vol.regMu.Lock()
	e, ok := vol.registry[blockIndex]
	if !ok {
		vol.regMu.Unlock()
		return nil
	}
	e.refs--
	shouldFree := e.refs <= 0 && e.removed
	if e.refs <= 0 {
		delete(vol.registry, blockIndex)
	}
	vol.regMu.Unlock()

	if !shouldFree {
		return nil
	}

	tx, err := StartTransaction(ctx, vol)
	if err != nil {
		return err
	}
	if err := vol.DeleteNode(ctx, tx, e.node); err != nil {
		_ = tx.Abort(ctx)
		return errors.Wrapf(err, "delete vnode %d", blockIndex)
	}
	return tx.Commit(ctx)
}

// NewVnode registers a freshly created node (its block is already
// allocated) in the live registry with one reference, without publishing
// it into any directory.
func (vol *Volume) NewVnode(node *Node) {
	vol.regMu.Lock()
	vol.registry[node.blockIndex] = &registryEntry{node: node, refs: 1}
	vol.regMu.Unlock()
}

// PublishVnode links a newly created node into its parent directory
// within tx.
func (vol *Volume) PublishVnode(ctx context.Context, tx *Transaction, parent *Directory, name string, node *Node) error {
	if err := tx.AddNode(parent.node, 0); err != nil {
		return err
	}
	if err := parent.Insert(ctx, tx, name, node.blockIndex); err != nil {
		return err
	}
	parent.node.Touched(TouchModified)

	if err := tx.AddNode(node, 0); err != nil {
		return err
	}
	node.SetParentDirectory(parent.node.blockIndex)
	return nil
}

// RemoveVnode unlinks name from parent and marks the target node for
// deletion once its last reference is released.
func (vol *Volume) RemoveVnode(ctx context.Context, tx *Transaction, parent *Directory, name string, node *Node) error {
	if err := tx.AddNode(parent.node, 0); err != nil {
		return err
	}
	if err := parent.Remove(ctx, tx, name); err != nil {
		return err
	}
	parent.node.Touched(TouchModified)

	if err := tx.AddNode(node, FlagUnremoveFromVolumeOnError); err != nil {
		return err
	}
	if links := node.HardLinks(); links > 0 {
		node.SetHardLinks(links - 1)
		node.Touched(TouchStatChanged)
	}

	if node.HardLinks() > 0 {
		return nil
	}

	vol.regMu.Lock()
	e, ok := vol.registry[node.blockIndex]
	if ok {
		e.removed = true
	}
	vol.regMu.Unlock()
	if !ok {
		// Nobody holds a live reference; release its storage immediately,
		// within tx.
		return vol.DeleteNode(ctx, tx, node)
	}
	return nil
}

// forgetNode drops blockIndex from the live registry unconditionally,
// used by Transaction.Abort to undo a NewVnode that belonged to the
// aborted transaction.
func (vol *Volume) forgetNode(blockIndex uint64) {
	vol.regMu.Lock()
	delete(vol.registry, blockIndex)
	vol.regMu.Unlock()
}

// reinstateNode re-adds node to the live registry, used by
// Transaction.Abort to undo a RemoveVnode whose transaction is rolling
// back.
func (vol *Volume) reinstateNode(node *Node) {
	vol.regMu.Lock()
	if e, ok := vol.registry[node.blockIndex]; ok {
		e.removed = false
	} else {
		vol.registry[node.blockIndex] = &registryEntry{node: node}
	}
	vol.regMu.Unlock()
}

// Root returns the volume's root directory.
func (vol *Volume) Root(ctx context.Context) (*Directory, error) {
	node, err := vol.GetVnode(ctx, vol.SuperBlock().RootDir)
	if err != nil {
		return nil, errors.Wrap(err, "get root directory")
	}
	return newDirectory(node)
}

// createNode allocates a block near hint, zeroes it, builds a Node with
// header and adds it to tx with FlagDeleteOnAbort.
func (vol *Volume) createNode(ctx context.Context, tx *Transaction, hint uint64, mode uint32) (*Node, error) {
	blockIndex, n, err := vol.allocator.Allocate(ctx, hint, 1, tx)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, errors.Wrap(ErrOutOfSpace, "create node: no free blocks")
	}

	now := nowNanos()
	header := NodeHeader{
		Mode:             mode,
		HardLinks:        1,
		CreationTime:     now,
		ModificationTime: now,
		ChangeTime:       now,
	}
	node := newNode(vol, blockIndex, header, make([]byte, nodeTailSize()))
	node.dirty = true

	if err := tx.AddNode(node, FlagDeleteOnAbort); err != nil {
		return nil, err
	}
	vol.NewVnode(node)

	return node, nil
}

// CreateDirectory allocates and initializes a new, empty directory node
//.
func (vol *Volume) CreateDirectory(ctx context.Context, tx *Transaction, hint uint64, perm uint32) (*Directory, error) {
	node, err := vol.createNode(ctx, tx, hint, ModeTypeDir|(perm&ModePermMask))
	if err != nil {
		return nil, err
	}
	return newDirectory(node)
}

// CreateFile allocates and initializes a new, empty file node.
func (vol *Volume) CreateFile(ctx context.Context, tx *Transaction, hint uint64, perm uint32) (*File, error) {
	node, err := vol.createNode(ctx, tx, hint, ModeTypeFile|(perm&ModePermMask))
	if err != nil {
		return nil, err
	}
	return newFile(node)
}

// CreateSymlink allocates and initializes a new symlink node with the
// given target.
func (vol *Volume) CreateSymlink(ctx context.Context, tx *Transaction, hint uint64, target string) (*Symlink, error) {
	node, err := vol.createNode(ctx, tx, hint, ModeTypeSymlink|0777)
	if err != nil {
		return nil, err
	}
	sl, err := newSymlink(node)
	if err != nil {
		return nil, err
	}
	if err := sl.SetTarget(ctx, tx, target); err != nil {
		return nil, err
	}
	return sl, nil
}

// DeleteNode frees a node's own type-specific storage (a directory's
// entry tree, a file's block tree) and then its node block itself, within
// tx.
func (vol *Volume) DeleteNode(ctx context.Context, tx *Transaction, node *Node) error {
	switch node.Type() {
	case ModeTypeDir:
		dir, err := newDirectory(node)
		if err != nil {
			return err
		}
		if err := dir.FreeTree(ctx, tx); err != nil {
			return err
		}
	case ModeTypeFile:
		file, err := newFile(node)
		if err != nil {
			return err
		}
		if err := file.Truncate(ctx, tx, 0); err != nil {
			return err
		}
	case ModeTypeSymlink:
		sl, err := newSymlink(node)
		if err != nil {
			return err
		}
		if err := sl.freeOverflow(ctx, tx); err != nil {
			return err
		}
	}

	return vol.allocator.Free(ctx, node.blockIndex, 1, tx)
}
