package csfs_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vorteil/checksumfs/pkg/csfs"
	"github.com/vorteil/checksumfs/pkg/csfs/memdevice"
)

// writeFile drives the PrepareWrite / WriteBlock / Sync sequence a real
// file-cache would perform for one committed write.
func writeFile(t *testing.T, ctx context.Context, vol *csfs.Volume, dev *memdevice.Device, tx *csfs.Transaction, file *csfs.File, offset uint64, data []byte) {
	t.Helper()
	extents, err := file.PrepareWrite(ctx, tx, offset, uint64(len(data)))
	require.NoError(t, err)

	var blocks []uint64
	pos := 0
	for _, e := range extents {
		require.NoError(t, dev.WriteBlock(e.Block, e.Offset, data[pos:pos+e.Length]))
		blocks = append(blocks, e.Block)
		pos += e.Length
	}
	require.NoError(t, file.Sync(ctx, dev, blocks))
}

// TestFileWriteChecksums: writing across a block
// boundary stores a correct per-block SHA-256 checksum for each touched
// block, and an in-block overwrite afterward keeps both checksums correct.
func TestFileWriteChecksums(t *testing.T) {
	ctx := context.Background()
	vol, dev := newVolume(t, 512)
	root, err := vol.Root(ctx)
	require.NoError(t, err)

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	f, err := vol.CreateFile(ctx, tx, root.Node().BlockIndex(), 0644)
	require.NoError(t, err)
	require.NoError(t, vol.PublishVnode(ctx, tx, root, "data.bin", f.Node()))

	payload := bytes.Repeat([]byte{0xAB}, 8192)
	writeFile(t, ctx, vol, dev, tx, f, 0, payload)
	require.NoError(t, tx.Commit(ctx))

	extents, err := f.GetFileVecs(ctx, nil, 0, 8192, false)
	require.NoError(t, err)
	require.Len(t, extents, 2)

	for _, e := range extents {
		content, err := dev.ReadVerified(e.Block)
		require.NoError(t, err)
		want := sha256.Sum256(content)
		got, err := dev.GetCheckSum(ctx, e.Block)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	// Overwrite 100 bytes inside the first block. PrepareWrite must
	// disable verification for the already-allocated block before any
	// content moves, and both blocks' checksums must verify again after
	// Sync and commit.
	tx2, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	require.NoError(t, tx2.AddNode(f.Node(), 0))

	patch := bytes.Repeat([]byte{0xCD}, 100)
	overwrite, err := f.PrepareWrite(ctx, tx2, 2000, uint64(len(patch)))
	require.NoError(t, err)
	require.Len(t, overwrite, 1)

	sum, err := dev.GetCheckSum(ctx, overwrite[0].Block)
	require.NoError(t, err)
	require.Equal(t, csfs.ZeroCheckSum, sum)

	require.NoError(t, dev.WriteBlock(overwrite[0].Block, overwrite[0].Offset, patch))
	require.NoError(t, f.Sync(ctx, dev, []uint64{overwrite[0].Block}))
	require.NoError(t, tx2.Commit(ctx))

	for _, e := range extents {
		_, err := dev.ReadVerified(e.Block)
		require.NoError(t, err)
	}
}

// TestFileShrinkFreesBlocks: truncating a file
// down to zero returns every data and index block it held to the free list.
func TestFileShrinkFreesBlocks(t *testing.T) {
	ctx := context.Background()
	vol, dev := newVolume(t, 4096)
	root, err := vol.Root(ctx)
	require.NoError(t, err)

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	f, err := vol.CreateFile(ctx, tx, root.Node().BlockIndex(), 0644)
	require.NoError(t, err)
	require.NoError(t, vol.PublishVnode(ctx, tx, root, "big.bin", f.Node()))

	const size = 2 * 1024 * 1024
	payload := bytes.Repeat([]byte{0x7E}, size)
	writeFile(t, ctx, vol, dev, tx, f, 0, payload)
	require.NoError(t, tx.Commit(ctx))

	freeBefore := vol.Allocator().FreeBlocks()
	require.EqualValues(t, size, f.Node().Size())
	held, err := f.Blocks(ctx)
	require.NoError(t, err)

	tx2, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	require.NoError(t, tx2.AddNode(f.Node(), 0))
	require.NoError(t, f.Truncate(ctx, tx2, 0))
	require.NoError(t, tx2.Commit(ctx))

	require.EqualValues(t, 0, f.Node().Size())
	require.Equal(t, freeBefore+uint64(len(held)), vol.Allocator().FreeBlocks())

	data, err := f.Read(ctx, dev, 0, size)
	require.NoError(t, err)
	require.Len(t, data, 0)
}
