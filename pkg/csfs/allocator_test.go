package csfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vorteil/checksumfs/pkg/csfs"
)

// TestAllocatorWrapsAroundHint: when [hint, N) has no free
// blocks left, allocate falls back to searching [0, hint) instead of
// failing outright.
func TestAllocatorWrapsAroundHint(t *testing.T) {
	ctx := context.Background()
	vol, _ := newVolume(t, 64)
	alloc := vol.Allocator()

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	require.NoError(t, alloc.AllocateExactly(ctx, 60, 4, tx))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	base, n, err := alloc.Allocate(ctx, 60, 1, tx2)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Less(t, base, uint64(60))
	require.NoError(t, tx2.Commit(ctx))
}

// TestAllocateExactlyRejectsBlockZero: block 0 is always
// reserved, so allocate_exactly(0, n) must always fail regardless of n.
func TestAllocateExactlyRejectsBlockZero(t *testing.T) {
	ctx := context.Background()
	vol, _ := newVolume(t, 256)
	alloc := vol.Allocator()

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	defer tx.Abort(ctx)

	err = alloc.AllocateExactly(ctx, 0, 1, tx)
	require.ErrorIs(t, err, csfs.ErrBusy)
}

// TestAllocateExactlyRejectsAlreadyUsed: allocating an
// already-occupied exact range fails rather than double-allocating it.
func TestAllocateExactlyRejectsAlreadyUsed(t *testing.T) {
	ctx := context.Background()
	vol, _ := newVolume(t, 256)
	alloc := vol.Allocator()

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	base, n, err := alloc.Allocate(ctx, 1, 2, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.EqualValues(t, 2, n)

	tx2, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	defer tx2.Abort(ctx)
	err = alloc.AllocateExactly(ctx, base, 1, tx2)
	require.ErrorIs(t, err, csfs.ErrBusy)
}

// TestAllocateFreeRoundTrip confirms FreeBlocks returns to its starting
// value once every block allocated in a committed transaction is freed in
// another.
func TestAllocateFreeRoundTrip(t *testing.T) {
	ctx := context.Background()
	vol, _ := newVolume(t, 256)
	alloc := vol.Allocator()

	before := alloc.FreeBlocks()

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	base, n, err := alloc.Allocate(ctx, 1, 8, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, before-uint64(n), alloc.FreeBlocks())

	tx2, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	require.NoError(t, alloc.Free(ctx, base, n, tx2))
	require.NoError(t, tx2.Commit(ctx))

	require.Equal(t, before, alloc.FreeBlocks())
}

// TestFreeAbortRestoresCount: an aborted transaction must leave
// FreeBlocks unchanged.
func TestFreeAbortRestoresCount(t *testing.T) {
	ctx := context.Background()
	vol, _ := newVolume(t, 256)
	alloc := vol.Allocator()

	before := alloc.FreeBlocks()

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	_, _, err = alloc.Allocate(ctx, 1, 16, tx)
	require.NoError(t, err)
	require.NoError(t, tx.Abort(ctx))

	require.Equal(t, before, alloc.FreeBlocks())
}
