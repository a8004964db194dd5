package main

import (
	"context"
	"fmt"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"
	"github.com/vorteil/checksumfs/pkg/csfs"
)

var infoCmd = &cobra.Command{
	Use:   "info IMAGE",
	Short: "Print a CSFS volume's super block",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	dev, cache, closeFn, err := openVolumeCollaborators(args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	vol, err := csfs.Mount(ctx, dev, cache, &csfs.VolumeOptions{Logger: log, ReadOnly: true})
	if err != nil {
		return err
	}

	super := vol.SuperBlock()
	fmt.Printf("name:          %s\n", super.Name)
	fmt.Printf("version:       %d\n", super.Version)
	fmt.Printf("total blocks:  %d (%s)\n", super.TotalBlocks, bytefmt.ByteSize(super.TotalBlocks*csfs.BlockSize))
	fmt.Printf("free blocks:   %d (%s)\n", super.FreeBlocks, bytefmt.ByteSize(super.FreeBlocks*csfs.BlockSize))
	fmt.Printf("root dir:      block %d\n", super.RootDir)
	fmt.Printf("block bitmap:  block %d\n", super.BlockBitmap)
	return nil
}

// openVolumeCollaborators opens the image file and its checksum table and
// builds the csfs.Device/Cache pair every subcommand mounts against.
func openVolumeCollaborators(imgPath string) (*fileDevice, *fileCache, func(), error) {
	dev, err := openFileDevice(imgPath)
	if err != nil {
		return nil, nil, nil, err
	}
	cache := newFileCache(dev)
	return dev, cache, func() { _ = dev.Close() }, nil
}
