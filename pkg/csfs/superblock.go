package csfs

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// magicA and magicB guard both ends of the super block.
var (
	magicA = [16]byte{'C', 'S', 'F', 'S', '-', 'S', 'U', 'P', 'E', 'R', 'B', 'L', 'O', 'C', 'K', 0}
	magicB = [16]byte{0, 'K', 'C', 'O', 'L', 'B', 'R', 'E', 'P', 'U', 'S', '-', 'S', 'F', 'S', 'C'}
)

// SuperBlockVersion is the only version this implementation understands.
const SuperBlockVersion = 1

// superBlockWire is the exact on-disk encoding of the SuperBlock, laid out
// as explicit fixed-width fields in on-disk order.
type superBlockWire struct {
	MagicA       [16]byte
	Version      uint32
	_            uint32 // padding
	TotalBlocks  uint64
	FreeBlocks   uint64
	RootDir      uint64
	BlockBitmap  uint64
	NameLen      uint16
	_            [6]byte // padding
	Name         [MaxNameLength + 1]byte
	MagicB       [16]byte
}

// SuperBlock is the in-memory, decoded form of the fixed-offset volume
// descriptor stored at byte offset 16*BlockSize.
type SuperBlock struct {
	Version     uint32
	TotalBlocks uint64
	FreeBlocks  uint64
	RootDir     uint64
	BlockBitmap uint64
	Name        string
}

// Encode marshals the SuperBlock into a BlockSize-sized buffer, writing it
// at the start of the buffer (the caller is responsible for placing it at
// the correct block and offset).
func (s *SuperBlock) Encode() ([]byte, error) {
	if len(s.Name) > MaxNameLength {
		return nil, errors.Wrap(ErrNameTooLong, "super block name")
	}

	wire := superBlockWire{
		MagicA:      magicA,
		Version:     s.Version,
		TotalBlocks: s.TotalBlocks,
		FreeBlocks:  s.FreeBlocks,
		RootDir:     s.RootDir,
		BlockBitmap: s.BlockBitmap,
		NameLen:     uint16(len(s.Name)),
		MagicB:      magicB,
	}
	copy(wire.Name[:], s.Name)

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, byteOrder, &wire); err != nil {
		return nil, errors.Wrap(err, "encode super block")
	}

	out := make([]byte, BlockSize)
	copy(out, buf.Bytes())
	return out, nil
}

// DecodeSuperBlock parses a BlockSize-sized buffer (block 16's contents)
// into a SuperBlock, validating every field it carries.
func DecodeSuperBlock(block []byte) (*SuperBlock, error) {
	if len(block) < BlockSize {
		return nil, errors.Wrap(ErrBadData, "short super block")
	}

	var wire superBlockWire
	if err := binary.Read(bytes.NewReader(block), byteOrder, &wire); err != nil {
		return nil, errors.Wrap(err, "decode super block")
	}

	if wire.MagicA != magicA || wire.MagicB != magicB {
		return nil, errors.Wrap(ErrBadData, "super block magic mismatch")
	}
	if wire.Version != SuperBlockVersion {
		return nil, errors.Wrapf(ErrBadData, "super block version %d unsupported", wire.Version)
	}
	if wire.NameLen > MaxNameLength {
		return nil, errors.Wrap(ErrBadData, "super block name length")
	}

	s := &SuperBlock{
		Version:     wire.Version,
		TotalBlocks: wire.TotalBlocks,
		FreeBlocks:  wire.FreeBlocks,
		RootDir:     wire.RootDir,
		BlockBitmap: wire.BlockBitmap,
		Name:        string(wire.Name[:wire.NameLen]),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Validate checks every invariant the super block must satisfy.
func (s *SuperBlock) Validate() error {
	if s.RootDir <= SuperBlockIndex {
		return errors.Wrap(ErrBadData, "rootDir must be > 16")
	}
	if s.BlockBitmap <= SuperBlockIndex {
		return errors.Wrap(ErrBadData, "blockBitmap must be > 16")
	}
	if s.RootDir >= s.TotalBlocks {
		return errors.Wrap(ErrBadData, "rootDir must be < totalBlocks")
	}
	if s.TotalBlocks < MinVolumeBlocks {
		return errors.Wrap(ErrBadData, "totalBlocks below minimum volume size")
	}
	if len(s.Name) > MaxNameLength {
		return errors.Wrap(ErrBadData, "name too long")
	}

	bitmapBlocks := divCeil(int64(s.TotalBlocks), bitsPerBitmapBlock)
	groupBlocks := divCeil(bitmapBlocks, entriesPerGroupBlock)
	allocatorEnd := s.BlockBitmap + uint64(groupBlocks) + uint64(bitmapBlocks)
	if allocatorEnd > s.TotalBlocks {
		return errors.Wrap(ErrBadData, "allocator bitmap/group arrays do not fit before totalBlocks")
	}

	return nil
}
