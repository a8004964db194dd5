package csfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vorteil/checksumfs/pkg/csfs"
	"github.com/vorteil/checksumfs/pkg/csfs/memdevice"
)

// newVolume formats and mounts a fresh totalBlocks-block volume backed by
// an in-memory device and cache, returning everything a test needs to
// drive it further.
func newVolume(t *testing.T, totalBlocks int) (*csfs.Volume, *memdevice.Device) {
	t.Helper()
	ctx := context.Background()

	dev := memdevice.New(totalBlocks, csfs.BlockSize)
	cache := memdevice.NewCache(dev)

	vol, err := csfs.Format(ctx, dev, cache, uint64(totalBlocks), "testvol", nil)
	require.NoError(t, err)
	return vol, dev
}
