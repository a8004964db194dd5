package csfs_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thanhpk/randstr"
	"github.com/vorteil/checksumfs/pkg/csfs"
)

// TestDirectorySmallInsertLookup drives insert, lookup and ordered
// iteration over a handful of entries.
func TestDirectorySmallInsertLookup(t *testing.T) {
	ctx := context.Background()
	vol, _ := newVolume(t, 64)
	root, err := vol.Root(ctx)
	require.NoError(t, err)

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	require.NoError(t, tx.AddNode(root.Node(), 0))
	require.NoError(t, root.Insert(ctx, tx, "a", 100))
	require.NoError(t, root.Insert(ctx, tx, "c", 101))
	require.NoError(t, root.Insert(ctx, tx, "b", 102))
	require.NoError(t, tx.Commit(ctx))

	b, err := root.Lookup(ctx, "a")
	require.NoError(t, err)
	require.EqualValues(t, 100, b)

	b, err = root.Lookup(ctx, "b")
	require.NoError(t, err)
	require.EqualValues(t, 102, b)

	b, err = root.Lookup(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, 101, b)

	_, err = root.Lookup(ctx, "d")
	require.ErrorIs(t, err, csfs.ErrNotFound)

	name, child, err := root.LookupNext(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "a", name)
	require.EqualValues(t, 100, child)

	name, child, err = root.LookupNext(ctx, name)
	require.NoError(t, err)
	require.Equal(t, "b", name)
	require.EqualValues(t, 102, child)

	name, child, err = root.LookupNext(ctx, name)
	require.NoError(t, err)
	require.Equal(t, "c", name)
	require.EqualValues(t, 101, child)

	_, _, err = root.LookupNext(ctx, name)
	require.ErrorIs(t, err, csfs.ErrNotFound)
}

// TestDirectorySplit: inserting enough entries
// in random order to overflow the root entry block forces the tree to grow
// a level, and the resulting tree still satisfies sort-order and
// parent-key invariants. A "kNNN" entry costs 14 bytes, so 400 of them
// cannot fit in the root page.
func TestDirectorySplit(t *testing.T) {
	ctx := context.Background()
	vol, _ := newVolume(t, 512)
	root, err := vol.Root(ctx)
	require.NoError(t, err)

	const count = 400
	names := make([]string, count)
	order := make([]int, count)
	for i := range names {
		names[i] = fmt.Sprintf("k%03d", i)
		order[i] = i
	}
	rand.New(rand.NewSource(1)).Shuffle(count, func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	for _, i := range order {
		tx, err := csfs.StartTransaction(ctx, vol)
		require.NoError(t, err)
		require.NoError(t, tx.AddNode(root.Node(), 0))
		require.NoError(t, root.Insert(ctx, tx, names[i], uint64(1000+i)))
		require.NoError(t, tx.Commit(ctx))
	}

	require.Greater(t, root.Depth(), uint16(0))

	for i := 0; i < count; i++ {
		got, err := root.Lookup(ctx, names[i])
		require.NoError(t, err)
		require.EqualValues(t, 1000+i, got)
	}

	require.NoError(t, root.Check(ctx))
}

// TestDirectoryRandomNameStress inserts a batch of random-length,
// random-content names and checks every
// invariant Directory.Check enforces still holds, plus that every
// inserted name round-trips through Lookup.
func TestDirectoryRandomNameStress(t *testing.T) {
	ctx := context.Background()
	vol, _ := newVolume(t, 1024)
	root, err := vol.Root(ctx)
	require.NoError(t, err)

	seen := make(map[string]uint64)
	rng := rand.New(rand.NewSource(7))
	for len(seen) < 200 {
		name := randstr.String(1 + rng.Intn(40))
		if _, exists := seen[name]; exists {
			continue
		}
		child := uint64(3000 + len(seen))

		tx, err := csfs.StartTransaction(ctx, vol)
		require.NoError(t, err)
		require.NoError(t, tx.AddNode(root.Node(), 0))
		require.NoError(t, root.Insert(ctx, tx, name, child))
		require.NoError(t, tx.Commit(ctx))

		seen[name] = child
	}

	require.NoError(t, root.Check(ctx))
	for name, child := range seen {
		got, err := root.Lookup(ctx, name)
		require.NoError(t, err)
		require.Equal(t, child, got)
	}
}

// TestDirectoryAbortRollsBack: an aborted batch of inserts leaves the
// directory, the free count and the stored checksums untouched.
func TestDirectoryAbortRollsBack(t *testing.T) {
	ctx := context.Background()
	vol, dev := newVolume(t, 512)
	root, err := vol.Root(ctx)
	require.NoError(t, err)

	rootBefore, err := dev.ReadVerified(root.Node().BlockIndex())
	require.NoError(t, err)
	freeBefore := vol.Allocator().FreeBlocks()

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	require.NoError(t, tx.AddNode(root.Node(), 0))
	for i := 0; i < 50; i++ {
		require.NoError(t, root.Insert(ctx, tx, fmt.Sprintf("e%02d", i), uint64(2000+i)))
	}
	require.NoError(t, tx.Abort(ctx))

	rootAfter, err := dev.ReadVerified(root.Node().BlockIndex())
	require.NoError(t, err)
	require.Equal(t, rootBefore, rootAfter)
	require.Equal(t, freeBefore, vol.Allocator().FreeBlocks())

	_, err = root.Lookup(ctx, "e00")
	require.ErrorIs(t, err, csfs.ErrNotFound)
}
