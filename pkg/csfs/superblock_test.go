package csfs_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vorteil/checksumfs/pkg/csfs"
)

func validSuperBlock() csfs.SuperBlock {
	return csfs.SuperBlock{
		Version:     csfs.SuperBlockVersion,
		TotalBlocks: 1024,
		FreeBlocks:  900,
		RootDir:     20,
		BlockBitmap: 17,
		Name:        "roundtrip",
	}
}

// TestSuperBlockRoundTrip confirms Encode/DecodeSuperBlock is lossless and
// that the decoded value still passes Validate.
func TestSuperBlockRoundTrip(t *testing.T) {
	s := validSuperBlock()
	data, err := s.Encode()
	require.NoError(t, err)
	require.Len(t, data, csfs.BlockSize)

	got, err := csfs.DecodeSuperBlock(data)
	require.NoError(t, err)
	require.Equal(t, s, *got)
}

// TestSuperBlockWireLayout pins every field of the on-disk encoding to its
// byte offset, so an accidental struct reorder cannot silently change the
// volume format.
func TestSuperBlockWireLayout(t *testing.T) {
	s := csfs.SuperBlock{
		Version:     csfs.SuperBlockVersion,
		TotalBlocks: 0x1122334455667788,
		FreeBlocks:  0x0102030405060708,
		RootDir:     0x21222324252627,
		BlockBitmap: 0x31323334353637,
		Name:        "layout",
	}
	data, err := s.Encode()
	require.NoError(t, err)

	require.Equal(t, "CSFS-SUPERBLOCK\x00", string(data[0:16]))
	require.EqualValues(t, csfs.SuperBlockVersion, binary.LittleEndian.Uint32(data[16:20]))
	require.EqualValues(t, s.TotalBlocks, binary.LittleEndian.Uint64(data[24:32]))
	require.EqualValues(t, s.FreeBlocks, binary.LittleEndian.Uint64(data[32:40]))
	require.EqualValues(t, s.RootDir, binary.LittleEndian.Uint64(data[40:48]))
	require.EqualValues(t, s.BlockBitmap, binary.LittleEndian.Uint64(data[48:56]))
	require.EqualValues(t, len(s.Name), binary.LittleEndian.Uint16(data[56:58]))
	require.Equal(t, s.Name, string(data[64:64+len(s.Name)]))
	require.Equal(t, "\x00KCOLBREPUS-SFSC", string(data[320:336]))
}

// TestSuperBlockValidateRejectsBadRootDir covers both rootDir bounds.
func TestSuperBlockValidateRejectsBadRootDir(t *testing.T) {
	s := validSuperBlock()
	s.RootDir = csfs.SuperBlockIndex
	require.ErrorIs(t, s.Validate(), csfs.ErrBadData)

	s2 := validSuperBlock()
	s2.RootDir = s2.TotalBlocks
	require.ErrorIs(t, s2.Validate(), csfs.ErrBadData)
}

// TestSuperBlockValidateRejectsUndersizedVolume covers the minimum
// volume size invariant.
func TestSuperBlockValidateRejectsUndersizedVolume(t *testing.T) {
	s := validSuperBlock()
	s.TotalBlocks = csfs.MinVolumeBlocks - 1
	require.ErrorIs(t, s.Validate(), csfs.ErrBadData)
}

// TestDecodeSuperBlockRejectsBadMagic confirms a corrupted or foreign block
// is rejected before any field is trusted.
func TestDecodeSuperBlockRejectsBadMagic(t *testing.T) {
	s := validSuperBlock()
	data, err := s.Encode()
	require.NoError(t, err)
	data[0] ^= 0xFF

	_, err = csfs.DecodeSuperBlock(data)
	require.ErrorIs(t, err, csfs.ErrBadData)
}

// TestSuperBlockEncodeRejectsLongName covers the name length bound.
func TestSuperBlockEncodeRejectsLongName(t *testing.T) {
	s := validSuperBlock()
	name := make([]byte, csfs.MaxNameLength+1)
	for i := range name {
		name[i] = 'x'
	}
	s.Name = string(name)

	_, err := s.Encode()
	require.ErrorIs(t, err, csfs.ErrNameTooLong)
}
