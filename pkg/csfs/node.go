package csfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Mode bits: POSIX type bits plus permission bits.
const (
	ModeTypeMask    = 0xF000
	ModeTypeDir     = 0x4000
	ModeTypeFile    = 0x8000
	ModeTypeSymlink = 0xA000
	ModePermMask    = 0777
)

// NodeHeader is the fixed portion of every node block. It is
// followed by R = BlockSize - sizeof(NodeHeader) bytes of type-specific
// payload.
type NodeHeader struct {
	Mode               uint32
	AttributeType      uint32
	UID                uint32
	GID                uint32
	CreationTime       int64
	ModificationTime   int64
	ChangeTime         int64
	HardLinks          uint32
	_                  uint32 // padding
	Size               uint64
	ParentDirectory    uint64
	AttributeDirectory uint64
}

var nodeHeaderSize = binary.Size(NodeHeader{})

// TouchKind selects which timestamp Node.Touched updates.
type TouchKind int

const (
	// TouchAccessed updates the node's (non-persisted) accessed time.
	TouchAccessed TouchKind = iota
	// TouchModified updates modificationTime and changeTime.
	TouchModified
	// TouchStatChanged updates changeTime only.
	TouchStatChanged
)

// Node is the in-memory image of one on-disk node block: the common base
// shared by Directory, File and SymLink.
type Node struct {
	vol        *Volume
	blockIndex uint64

	mu sync.RWMutex

	header NodeHeader
	tail   []byte // R bytes of type-specific payload

	accessedTime int64 // not persisted
	dirty        bool
}

func newNode(vol *Volume, blockIndex uint64, header NodeHeader, tail []byte) *Node {
	buf := make([]byte, nodeTailSize())
	copy(buf, tail)
	return &Node{vol: vol, blockIndex: blockIndex, header: header, tail: buf}
}

// Accessors are plain reads: a caller that might race a transaction
// mutating this node must hold the node's lock itself (the transaction
// write-locks every node it mutates, and the directory read paths take
// the read lock at their entry points). Taking the read lock here would
// deadlock the transaction's own code paths, which call these while the
// write lock is held.

// BlockIndex returns the block index this node occupies.
func (n *Node) BlockIndex() uint64 { return n.blockIndex }

// Mode returns the node's POSIX mode (type bits + permission bits).
func (n *Node) Mode() uint32 { return n.header.Mode }

// Type returns just the type bits of Mode.
func (n *Node) Type() uint32 { return n.Mode() & ModeTypeMask }

// Size returns the node's logical size in bytes.
func (n *Node) Size() uint64 { return n.header.Size }

// HardLinks returns the node's hard-link count.
func (n *Node) HardLinks() uint32 { return n.header.HardLinks }

// ParentDirectory returns the block index of the node's parent directory.
func (n *Node) ParentDirectory() uint64 { return n.header.ParentDirectory }

// SetMode sets the node's mode and marks it dirty. Caller must hold the
// node's lock via an active transaction (AddNode).
func (n *Node) SetMode(mode uint32) {
	n.header.Mode = mode
	n.dirty = true
}

// SetHardLinks sets the node's hard-link count and marks it dirty.
func (n *Node) SetHardLinks(v uint32) {
	n.header.HardLinks = v
	n.dirty = true
}

// SetSize sets the node's logical size and marks it dirty.
func (n *Node) SetSize(v uint64) {
	n.header.Size = v
	n.dirty = true
}

// SetParentDirectory sets the node's parent-directory back-reference and
// marks it dirty.
func (n *Node) SetParentDirectory(v uint64) {
	n.header.ParentDirectory = v
	n.dirty = true
}

// SetAttributeDirectory sets the node's xattr-directory block index and
// marks it dirty.
func (n *Node) SetAttributeDirectory(v uint64) {
	n.header.AttributeDirectory = v
	n.dirty = true
}

// Touched updates the appropriate timestamp(s) for kind with the current
// time, in nanoseconds since epoch.
func (n *Node) Touched(kind TouchKind) {
	now := nowNanos()
	switch kind {
	case TouchAccessed:
		n.accessedTime = now
		return
	case TouchModified:
		n.header.ModificationTime = now
		n.header.ChangeTime = now
	case TouchStatChanged:
		n.header.ChangeTime = now
	}
	n.dirty = true
}

// revert restores the node's header and tail from a pre-transaction
// snapshot, discarding any dirty in-memory mutations (used by
// Transaction.Abort). Root directory and file pages live directly in tail,
// bypassing the block cache, so the tail must be rolled back here too.
func (n *Node) revert(snapshot NodeHeader, tail []byte) {
	n.header = snapshot
	buf := make([]byte, nodeTailSize())
	copy(buf, tail)
	n.tail = buf
	n.dirty = false
}

// flush writes the node's header (and tail) into its block if dirty,
// clearing the dirty flag.
func (n *Node) flush(ctx context.Context, tx *Transaction) error {
	if !n.dirty {
		return nil
	}

	block, err := GetWritable(ctx, n.vol, n.blockIndex, tx)
	if err != nil {
		return errors.Wrapf(err, "flush node %d", n.blockIndex)
	}
	defer block.Put()

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, byteOrder, &n.header); err != nil {
		return errors.Wrap(err, "encode node header")
	}
	data := block.Bytes()
	copy(data, buf.Bytes())
	copy(data[nodeHeaderSize:], n.tail)

	tx.PutBlock(n.blockIndex, data)
	n.dirty = false

	return nil
}

func nowNanos() int64 {
	return time.Now().UnixNano()
}

// decodeNode parses a node block's header and tail.
func decodeNode(vol *Volume, blockIndex uint64, block []byte) (*Node, error) {
	if len(block) < BlockSize {
		return nil, errors.Wrap(ErrBadData, "short node block")
	}
	var header NodeHeader
	if err := binary.Read(bytes.NewReader(block[:nodeHeaderSize]), byteOrder, &header); err != nil {
		return nil, errors.Wrap(err, "decode node header")
	}
	return newNode(vol, blockIndex, header, block[nodeHeaderSize:]), nil
}
