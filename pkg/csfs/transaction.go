package csfs

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NodeFlag is a bitset of how Transaction should treat a locked node on
// commit or abort.
type NodeFlag uint8

const (
	// FlagDeleteOnAbort means the node should be removed from the volume
	// if this transaction aborts (it was created by this transaction).
	FlagDeleteOnAbort NodeFlag = 1 << iota

	// FlagAlreadyLocked means the caller already holds the node's write
	// lock; AddNode must not lock it again.
	FlagAlreadyLocked

	// FlagKeepLockedOnCommit means the node's lock should stay held after
	// a successful commit (the caller will release it explicitly).
	FlagKeepLockedOnCommit

	// FlagRemoveFromVolumeOnError means this transaction added the node
	// to the volume's live set; on abort it must be removed again.
	FlagRemoveFromVolumeOnError

	// FlagUnremoveFromVolumeOnError means this transaction removed the
	// node from the volume's live set; on abort it must be reinstated.
	FlagUnremoveFromVolumeOnError
)

type lockedNode struct {
	node         *Node
	snapshot     NodeHeader
	tailSnapshot []byte
	flags        NodeFlag
}

type touchedBlock struct {
	index       uint64
	oldChecksum [32]byte
	refs        int
	dirty       bool
}

// PostCommitNotification is a fire-and-forget notification fired after a
// successful commit. It is a value type carrying its
// own captured fields, dispatched by a Volume's Notifier if one is set;
// dispatch to watchers is external to csfs.
type PostCommitNotification interface {
	isNotification()
}

// Transaction groups block mutations and node-header updates so they
// commit or abort atomically, with every modified data block's stored
// checksum updated in lockstep.
type Transaction struct {
	ID uuid.UUID

	vol     *Volume
	cacheTx CacheTxID

	nodes        []*lockedNode
	nodesByIndex map[uint64]*lockedNode

	// blockMu guards blocks: Allocator.initialize registers blocks from
	// concurrent goroutines while zero-filling groups.
	blockMu sync.Mutex
	blocks  map[uint64]*touchedBlock

	preFreeBlocks uint64
	preSuper      SuperBlock

	done bool
}

// StartTransaction acquires a fresh cache transaction id, locks the
// per-volume transaction lock and snapshots the allocator's free-block
// count so abort can restore it.
func StartTransaction(ctx context.Context, vol *Volume) (*Transaction, error) {
	if vol.readOnly {
		return nil, errors.Wrap(ErrReadOnly, "start transaction")
	}

	vol.txLock.Lock()

	cacheTx, err := vol.cache.StartTransaction(ctx)
	if err != nil {
		vol.txLock.Unlock()
		return nil, errors.Wrap(err, "start cache transaction")
	}

	vol.superMu.RLock()
	preSuper := vol.super
	vol.superMu.RUnlock()

	tx := &Transaction{
		ID:            uuid.New(),
		vol:           vol,
		cacheTx:       cacheTx,
		nodesByIndex:  make(map[uint64]*lockedNode),
		blocks:        make(map[uint64]*touchedBlock),
		preFreeBlocks: preSuper.FreeBlocks,
		preSuper:      preSuper,
	}

	vol.log.Debugf("csfs: transaction %s started", tx.ID)

	return tx, nil
}

// AddNode locks node write-exclusive (unless FlagAlreadyLocked is set),
// snapshots its header and appends it to the transaction's node list.
// Adding the same node twice is a no-op.
func (tx *Transaction) AddNode(node *Node, flags NodeFlag) error {
	if existing, ok := tx.nodesByIndex[node.blockIndex]; ok {
		existing.flags |= flags
		return nil
	}

	if flags&FlagAlreadyLocked == 0 {
		node.mu.Lock()
	}

	tailSnapshot := make([]byte, len(node.tail))
	copy(tailSnapshot, node.tail)
	ln := &lockedNode{node: node, snapshot: node.header, tailSnapshot: tailSnapshot, flags: flags}
	tx.nodes = append(tx.nodes, ln)
	tx.nodesByIndex[node.blockIndex] = ln

	return nil
}

// AddNodes locks multiple nodes in ascending block-index order to prevent
// deadlock.
func (tx *Transaction) AddNodes(nodes ...*Node) error {
	ordered := append([]*Node(nil), nodes...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].blockIndex < ordered[j-1].blockIndex; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	for _, n := range ordered {
		if err := tx.AddNode(n, 0); err != nil {
			return err
		}
	}
	return nil
}

// registerBlock ref-counts block index, recording its pre-transaction
// stored checksum the first time it is touched so abort can restore it.
func (tx *Transaction) registerBlock(ctx context.Context, index uint64) error {
	tx.blockMu.Lock()
	defer tx.blockMu.Unlock()
	tb, ok := tx.blocks[index]
	if !ok {
		sum, err := tx.vol.device.GetCheckSum(ctx, index)
		if err != nil {
			return errors.Wrapf(err, "get checksum for block %d", index)
		}
		tb = &touchedBlock{index: index, oldChecksum: sum}
		tx.blocks[index] = tb
	}
	tb.refs++
	return nil
}

// PutBlock drops one reference to block index. If data is non-nil the
// block is marked dirty (its stored checksum will be recomputed at
// commit).
func (tx *Transaction) PutBlock(index uint64, data []byte) {
	tx.blockMu.Lock()
	defer tx.blockMu.Unlock()
	tb, ok := tx.blocks[index]
	if !ok {
		return
	}
	if data != nil {
		tb.dirty = true
	}
	tb.refs--
}

// Commit performs the commit sequence: flush dirty
// node headers, synchronously flush the cache, update stored checksums for
// every dirty touched block, end the cache transaction, fire notifications,
// and release node locks. Any failure before the cache transaction ends
// rolls everything back as Abort would and propagates the error.
func (tx *Transaction) Commit(ctx context.Context, notifications ...PostCommitNotification) error {
	if tx.done {
		return errors.New("csfs: transaction already committed or aborted")
	}

	fail := func(err error) error {
		tx.vol.log.Errorf("csfs: transaction %s: commit failed: %v", tx.ID, err)
		tx.rollback(ctx)
		tx.finish(false)
		return err
	}

	for _, ln := range tx.nodes {
		if err := ln.node.flush(ctx, tx); err != nil {
			return fail(errors.Wrapf(err, "flush node %d", ln.node.blockIndex))
		}
	}

	if err := tx.vol.cache.Sync(ctx); err != nil {
		return fail(errors.Wrap(err, "sync cache before checksum update"))
	}

	for index, tb := range tx.blocks {
		if !tb.dirty {
			continue
		}
		data, err := tx.vol.cache.Get(ctx, index)
		if err != nil {
			return fail(errors.Wrapf(err, "read block %d for checksum", index))
		}
		sum := sha256.Sum256(data)
		tx.vol.cache.Put(index)
		if err := tx.vol.device.SetCheckSum(ctx, index, sum); err != nil {
			return fail(errors.Wrapf(err, "set checksum for block %d", index))
		}
	}

	if err := tx.vol.cache.EndTransaction(ctx, tx.cacheTx); err != nil {
		return fail(errors.Wrap(err, "end cache transaction"))
	}

	for _, n := range notifications {
		tx.vol.notify(n)
	}

	tx.vol.log.Debugf("csfs: transaction %s committed", tx.ID)
	tx.vol.journalf("commit %s nodes=%d blocks=%d", tx.ID, len(tx.nodes), len(tx.blocks))

	tx.finish(true)
	return nil
}

// Abort undoes everything the transaction did: block writes, node header
// mutations, stored checksums and the allocator's free-block count.
func (tx *Transaction) Abort(ctx context.Context) error {
	if tx.done {
		return nil
	}

	tx.rollback(ctx)

	tx.vol.log.Debugf("csfs: transaction %s aborted", tx.ID)
	tx.vol.journalf("abort %s nodes=%d blocks=%d", tx.ID, len(tx.nodes), len(tx.blocks))

	tx.finish(false)
	return nil
}

// rollback restores every side effect of the transaction: cached block
// writes, node headers and tails, stored checksums, the super block and
// the allocator's free-block count.
func (tx *Transaction) rollback(ctx context.Context) {
	if err := tx.vol.cache.AbortTransaction(ctx, tx.cacheTx); err != nil {
		tx.vol.log.Errorf("csfs: transaction %s: abort cache transaction failed: %v", tx.ID, err)
	}

	for _, ln := range tx.nodes {
		ln.node.revert(ln.snapshot, ln.tailSnapshot)
	}

	for index, tb := range tx.blocks {
		if err := tx.vol.device.SetCheckSum(ctx, index, tb.oldChecksum); err != nil {
			tx.vol.log.Errorf("csfs: transaction %s: restore checksum for block %d failed: %v", tx.ID, index, err)
		}
	}

	tx.vol.superMu.Lock()
	tx.vol.super = tx.preSuper
	tx.vol.superMu.Unlock()
	tx.vol.allocator.resetFreeBlocks(tx.preFreeBlocks)
}

func (tx *Transaction) finish(committed bool) {
	tx.done = true
	tx.releaseNodes(committed)
	tx.vol.txLock.Unlock()
}

func (tx *Transaction) releaseNodes(committed bool) {
	for _, ln := range tx.nodes {
		if committed {
			switch {
			case ln.flags&FlagKeepLockedOnCommit != 0:
				continue
			default:
				ln.node.mu.Unlock()
			}
			continue
		}

		if ln.flags&FlagDeleteOnAbort != 0 {
			tx.vol.forgetNode(ln.node.blockIndex)
		}
		if ln.flags&FlagRemoveFromVolumeOnError != 0 {
			tx.vol.forgetNode(ln.node.blockIndex)
		}
		if ln.flags&FlagUnremoveFromVolumeOnError != 0 {
			tx.vol.reinstateNode(ln.node)
		}
		ln.node.mu.Unlock()
	}
}
