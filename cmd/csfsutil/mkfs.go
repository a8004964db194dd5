package main

import (
	"context"
	"io"
	"os"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"
	"github.com/vorteil/checksumfs/pkg/csfs"
	"github.com/vorteil/checksumfs/pkg/csfs/csfslog"
	"github.com/vorteil/checksumfs/pkg/vio"
)

var (
	flagMkfsName   string
	flagMkfsSize   string
	flagMkfsConfig string
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs IMAGE",
	Short: "Create a new CSFS volume in a disk-image file",
	Args:  cobra.ExactArgs(1),
	RunE:  runMkfs,
}

func init() {
	f := mkfsCmd.Flags()
	f.StringVar(&flagMkfsName, "name", "", "volume name")
	f.StringVar(&flagMkfsSize, "size", "", "volume size, e.g. 64M, 2G")
	f.StringVar(&flagMkfsConfig, "config", "", "path to a YAML volume descriptor file")
}

func runMkfs(cmd *cobra.Command, args []string) error {
	imgPath := args[0]

	flags := volumeDescriptor{Name: flagMkfsName}
	if flagMkfsSize != "" {
		size, err := bytefmt.ToBytes(flagMkfsSize)
		if err != nil {
			return err
		}
		flags.TotalBlocks = size / csfs.BlockSize
	}

	desc := &volumeDescriptor{TotalBlocks: csfs.MinVolumeBlocks, Name: "csfs"}
	if flagMkfsConfig != "" {
		fileDesc, err := loadVolumeDescriptor(flagMkfsConfig)
		if err != nil {
			return err
		}
		desc = fileDesc
	}
	if err := mergeFlagOverrides(&flags, desc); err != nil {
		return err
	}
	desc = &flags

	if err := createImageFile(imgPath, desc.TotalBlocks); err != nil {
		return err
	}

	dev, err := openFileDevice(imgPath)
	if err != nil {
		return err
	}
	defer dev.Close()
	cache := newFileCache(dev)

	ctx := context.Background()
	vol, err := csfs.Format(ctx, dev, cache, desc.TotalBlocks, desc.Name, &csfs.VolumeOptions{Logger: log})
	if err != nil {
		return err
	}

	log.Infof("created volume %q: %s (%d blocks)", desc.Name, bytefmt.ByteSize(desc.TotalBlocks*csfs.BlockSize), desc.TotalBlocks)
	log.Infof("%s free", bytefmt.ByteSize(vol.SuperBlock().FreeBlocks*csfs.BlockSize))
	return nil
}

// progressWriter adapts a csfslog.ProgressBar to io.Writer so it can ride
// along an io.MultiWriter beside the real destination file.
type progressWriter struct {
	bar *csfslog.ProgressBar
}

func (w progressWriter) Write(p []byte) (int, error) {
	w.bar.Increment(int64(len(p)))
	return len(p), nil
}

// createImageFile allocates imgPath (and its sibling checksum table) at
// exactly totalBlocks*BlockSize bytes, zero-filled, streamed from the
// vio zero-reader.
func createImageFile(imgPath string, totalBlocks uint64) error {
	img, err := os.OpenFile(imgPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer img.Close()

	total := int64(totalBlocks * csfs.BlockSize)
	bar := log.NewProgress("zeroing image", total)
	if _, err := io.CopyN(io.MultiWriter(img, progressWriter{bar}), vio.Zeroes, total); err != nil {
		return err
	}
	bar.Wait()

	sums, err := os.OpenFile(sumsPath(imgPath), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer sums.Close()
	_, err = io.CopyN(sums, vio.Zeroes, int64(totalBlocks*32))
	return err
}
