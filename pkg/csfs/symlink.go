package csfs

import (
	"context"

	"github.com/pkg/errors"
)

// Symlink wraps a Node whose payload is a link target packed inline in
// the node block. csfs never spills a symlink target across
// multiple blocks; a target that doesn't fit is rejected outright.
//
// Tail layout: uint16 target length, followed by the target bytes.
type Symlink struct {
	node *Node
}

// NewSymlink wraps an already-typed symlink Node (Type() ==
// ModeTypeSymlink) as a Symlink.
func NewSymlink(node *Node) (*Symlink, error) {
	if node.Type() != ModeTypeSymlink {
		return nil, errors.Wrap(ErrInvalidArgument, "node is not a symlink")
	}
	return newSymlink(node)
}

func newSymlink(node *Node) (*Symlink, error) {
	if len(node.tail) < 2 {
		return nil, errors.Wrap(ErrBadData, "symlink payload too small")
	}
	return &Symlink{node: node}, nil
}

// Node returns the underlying Node.
func (s *Symlink) Node() *Node { return s.node }

func (s *Symlink) inlineCapacity() int { return nodeTailSize() - 2 }

// Target returns the symlink's current target string.
func (s *Symlink) Target(ctx context.Context) (string, error) {
	tail := s.node.tail
	length := int(byteOrder.Uint16(tail[0:2]))
	if length > s.inlineCapacity() {
		return "", errors.Wrap(ErrBadData, "symlink target length exceeds inline capacity")
	}
	return string(tail[2 : 2+length]), nil
}

// SetTarget replaces the symlink's target. A target longer than the
// inline capacity, B - sizeof(Node) - 2 (the tail less its 2-byte length
// prefix), is rejected with ErrNameTooLong; targets of exactly
// B - sizeof(Node) or one byte less are therefore rejected too. Unlike
// directory and file payloads, a symlink has no overflow path.
func (s *Symlink) SetTarget(ctx context.Context, tx *Transaction, target string) error {
	if len(target) == 0 {
		return errors.Wrap(ErrInvalidArgument, "empty symlink target")
	}
	if len(target) > s.inlineCapacity() {
		return errors.Wrap(ErrNameTooLong, "symlink target")
	}

	tail := make([]byte, nodeTailSize())
	byteOrder.PutUint16(tail[0:2], uint16(len(target)))
	copy(tail[2:], target)

	s.node.tail = tail
	s.node.dirty = true
	s.node.SetSize(uint64(len(target)))
	return nil
}

// freeOverflow is a no-op: a symlink target never owns blocks beyond the
// node's own, so Volume.DeleteNode has nothing extra to release.
func (s *Symlink) freeOverflow(ctx context.Context, tx *Transaction) error {
	return nil
}
