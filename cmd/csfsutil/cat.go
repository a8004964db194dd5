package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vorteil/checksumfs/pkg/csfs"
)

var catCmd = &cobra.Command{
	Use:   "cat IMAGE PATH",
	Short: "Print a file's contents to stdout, or a symlink's target",
	Args:  cobra.ExactArgs(2),
	RunE:  runCat,
}

func runCat(cmd *cobra.Command, args []string) error {
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

	node, chain, err := resolve(ctx, vol, args[1])
	if err != nil {
		return err
	}
	defer releaseChain(vol, append(chain, node))

	switch node.Type() {
	case csfs.ModeTypeFile:
		file, err := csfs.NewFile(node)
		if err != nil {
			return err
		}
		size := node.Size()
		const chunk = 1 << 20
		for offset := uint64(0); offset < size; offset += chunk {
			n := uint64(chunk)
			if remain := size - offset; n > remain {
				n = remain
			}
			data, err := file.Read(ctx, dev, offset, n)
			if err != nil {
				return err
			}
			if _, err := os.Stdout.Write(data); err != nil {
				return err
			}
		}
		return nil
	case csfs.ModeTypeSymlink:
		sl, err := csfs.NewSymlink(node)
		if err != nil {
			return err
		}
		target, err := sl.Target(ctx)
		if err != nil {
			return err
		}
		_, err = os.Stdout.WriteString(target + "\n")
		return err
	default:
		return errors.Wrap(csfs.ErrInvalidArgument, "cat: not a file or symlink")
	}
}
