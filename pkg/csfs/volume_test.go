package csfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vorteil/checksumfs/pkg/csfs"
	"github.com/vorteil/checksumfs/pkg/csfs/memdevice"
)

// TestFormatAndMount drives format + mount end to end.
func TestFormatAndMount(t *testing.T) {
	ctx := context.Background()
	const totalBlocks = 1024

	dev := memdevice.New(totalBlocks, csfs.BlockSize)
	cache := memdevice.NewCache(dev)

	vol, err := csfs.Format(ctx, dev, cache, totalBlocks, "vol", nil)
	require.NoError(t, err)

	super := vol.SuperBlock()
	require.EqualValues(t, totalBlocks, super.TotalBlocks)
	require.Equal(t, "vol", super.Name)

	bitmapBlocks := int64(1) // ceil(1024 / (8*4096))
	groupBlocks := int64(1)  // ceil(1 / (4096/2))
	expectFree := uint64(totalBlocks) - uint64(1+1+bitmapBlocks+groupBlocks+1)
	require.Equal(t, expectFree, super.FreeBlocks)
	require.Equal(t, expectFree, vol.Allocator().FreeBlocks())

	root, err := vol.Root(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, root.Node().HardLinks())
	_, err = root.Lookup(ctx, "anything")
	require.ErrorIs(t, err, csfs.ErrNotFound)

	// Mount re-reads the super block from the (already formatted) device
	// and cache directly, independent of the Volume that formatted it.
	mounted, err := csfs.Mount(ctx, dev, cache, nil)
	require.NoError(t, err)
	require.Equal(t, super, mounted.SuperBlock())
}

// TestCreateDirectoryFileSymlink exercises Volume's node-creation and
// publish/remove wiring end to end.
func TestCreateDirectoryFileSymlink(t *testing.T) {
	ctx := context.Background()
	vol, _ := newVolume(t, 256)

	root, err := vol.Root(ctx)
	require.NoError(t, err)

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)

	sub, err := vol.CreateDirectory(ctx, tx, root.Node().BlockIndex(), 0755)
	require.NoError(t, err)
	require.NoError(t, vol.PublishVnode(ctx, tx, root, "sub", sub.Node()))

	file, err := vol.CreateFile(ctx, tx, root.Node().BlockIndex(), 0644)
	require.NoError(t, err)
	require.NoError(t, vol.PublishVnode(ctx, tx, root, "file.txt", file.Node()))

	link, err := vol.CreateSymlink(ctx, tx, root.Node().BlockIndex(), "file.txt")
	require.NoError(t, err)
	require.NoError(t, vol.PublishVnode(ctx, tx, root, "link", link.Node()))

	require.NoError(t, tx.Commit(ctx, csfs.EntryCreated{Directory: root.Node().BlockIndex(), Name: "sub", Child: sub.Node().BlockIndex()}))

	gotSub, err := root.Lookup(ctx, "sub")
	require.NoError(t, err)
	require.Equal(t, sub.Node().BlockIndex(), gotSub)

	gotFile, err := root.Lookup(ctx, "file.txt")
	require.NoError(t, err)
	require.Equal(t, file.Node().BlockIndex(), gotFile)

	target, err := link.Target(ctx)
	require.NoError(t, err)
	require.Equal(t, "file.txt", target)

	// Remove the symlink. Its block returns to the free list only once
	// the creator's vnode reference is also dropped: hardLinks == 0 plus
	// no live vnode is the storage-release condition.
	freeBefore := vol.Allocator().FreeBlocks()
	tx2, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	require.NoError(t, vol.RemoveVnode(ctx, tx2, root, "link", link.Node()))
	require.NoError(t, tx2.Commit(ctx))

	require.Equal(t, freeBefore, vol.Allocator().FreeBlocks())
	require.NoError(t, vol.PutVnode(ctx, link.Node().BlockIndex()))
	require.Equal(t, freeBefore+1, vol.Allocator().FreeBlocks())

	_, err = root.Lookup(ctx, "link")
	require.ErrorIs(t, err, csfs.ErrNotFound)
}

// TestSetNamePersists confirms a rename survives a fresh mount of the
// same device and cache.
func TestSetNamePersists(t *testing.T) {
	ctx := context.Background()
	dev := memdevice.New(64, csfs.BlockSize)
	cache := memdevice.NewCache(dev)

	vol, err := csfs.Format(ctx, dev, cache, 64, "before", nil)
	require.NoError(t, err)
	require.NoError(t, vol.SetName(ctx, "after"))
	require.Equal(t, "after", vol.SuperBlock().Name)

	mounted, err := csfs.Mount(ctx, dev, cache, nil)
	require.NoError(t, err)
	require.Equal(t, "after", mounted.SuperBlock().Name)

	tooLong := make([]byte, csfs.MaxNameLength+1)
	for i := range tooLong {
		tooLong[i] = 'n'
	}
	require.ErrorIs(t, vol.SetName(ctx, string(tooLong)), csfs.ErrNameTooLong)
}

// TestSymlinkTargetTooLong: a symlink target
// longer than B - sizeof(Node) fails with NameTooLong rather than
// spilling into extra blocks.
func TestSymlinkTargetTooLong(t *testing.T) {
	ctx := context.Background()
	vol, _ := newVolume(t, 64)
	root, err := vol.Root(ctx)
	require.NoError(t, err)

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)

	huge := make([]byte, csfs.BlockSize)
	for i := range huge {
		huge[i] = 'x'
	}

	_, err = vol.CreateSymlink(ctx, tx, root.Node().BlockIndex(), string(huge))
	require.ErrorIs(t, err, csfs.ErrNameTooLong)
	require.NoError(t, tx.Abort(ctx))
}
