package csfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vorteil/checksumfs/pkg/csfs"
	"github.com/vorteil/checksumfs/pkg/csfs/memdevice"
)

type recordingNotifier struct {
	got []csfs.PostCommitNotification
}

func (r *recordingNotifier) Notify(n csfs.PostCommitNotification) {
	r.got = append(r.got, n)
}

// TestTransactionCommitFiresNotifications confirms notifications passed to
// Commit reach the volume's Notifier only after a successful commit.
func TestTransactionCommitFiresNotifications(t *testing.T) {
	ctx := context.Background()
	dev := memdevice.New(256, csfs.BlockSize)
	cache := memdevice.NewCache(dev)
	notifier := &recordingNotifier{}

	vol, err := csfs.Format(ctx, dev, cache, 256, "notif", &csfs.VolumeOptions{Notifier: notifier})
	require.NoError(t, err)
	root, err := vol.Root(ctx)
	require.NoError(t, err)

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	require.NoError(t, tx.AddNode(root.Node(), 0))
	require.NoError(t, root.Insert(ctx, tx, "x", 42))
	require.NoError(t, tx.Commit(ctx, csfs.EntryCreated{Directory: root.Node().BlockIndex(), Name: "x", Child: 42}))

	require.Len(t, notifier.got, 1)
	ec, ok := notifier.got[0].(csfs.EntryCreated)
	require.True(t, ok)
	require.Equal(t, "x", ec.Name)
	require.EqualValues(t, 42, ec.Child)
}

// TestTransactionAbortSkipsNotifications confirms an aborted transaction
// never reaches the Notifier, even if the caller had notifications queued
// for a Commit that never happens.
func TestTransactionAbortSkipsNotifications(t *testing.T) {
	ctx := context.Background()
	dev := memdevice.New(256, csfs.BlockSize)
	cache := memdevice.NewCache(dev)
	notifier := &recordingNotifier{}

	vol, err := csfs.Format(ctx, dev, cache, 256, "notif2", &csfs.VolumeOptions{Notifier: notifier})
	require.NoError(t, err)
	root, err := vol.Root(ctx)
	require.NoError(t, err)

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	require.NoError(t, tx.AddNode(root.Node(), 0))
	require.NoError(t, root.Insert(ctx, tx, "y", 7))
	require.NoError(t, tx.Abort(ctx))

	require.Empty(t, notifier.got)
}

// TestTransactionAddNodeMergesFlags confirms adding the same node twice is
// a no-op that only merges flags, rather than double-locking it: a second
// AddNode that tried to lock again would hang this test forever.
func TestTransactionAddNodeMergesFlags(t *testing.T) {
	ctx := context.Background()
	vol, _ := newVolume(t, 64)
	root, err := vol.Root(ctx)
	require.NoError(t, err)

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	require.NoError(t, tx.AddNode(root.Node(), 0))
	require.NoError(t, tx.AddNode(root.Node(), csfs.FlagDeleteOnAbort))
	require.NoError(t, tx.Commit(ctx))

	got, err := root.Lookup(ctx, "dummy")
	require.ErrorIs(t, err, csfs.ErrNotFound)
	require.Zero(t, got)
}

// TestTransactionJournalRecordsCommitsAndAborts confirms the volume's
// bounded journal records both outcomes.
func TestTransactionJournalRecordsCommitsAndAborts(t *testing.T) {
	ctx := context.Background()
	vol, _ := newVolume(t, 64)
	root, err := vol.Root(ctx)
	require.NoError(t, err)

	tx, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	require.NoError(t, tx.AddNode(root.Node(), 0))
	require.NoError(t, root.Insert(ctx, tx, "a", 1))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := csfs.StartTransaction(ctx, vol)
	require.NoError(t, err)
	require.NoError(t, tx2.AddNode(root.Node(), 0))
	require.NoError(t, root.Insert(ctx, tx2, "b", 2))
	require.NoError(t, tx2.Abort(ctx))

	journal := string(vol.Journal())
	require.Contains(t, journal, "commit")
	require.Contains(t, journal, "abort")
}
