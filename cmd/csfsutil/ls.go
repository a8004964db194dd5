package main

import (
	"context"
	"fmt"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vorteil/checksumfs/pkg/csfs"
)

var lsCmd = &cobra.Command{
	Use:   "ls IMAGE [PATH]",
	Short: "List a directory's entries",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runLs,
}

func runLs(cmd *cobra.Command, args []string) error {
	path := "/"
	if len(args) == 2 {
		path = args[1]
	}

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

	node, chain, err := resolve(ctx, vol, path)
	if err != nil {
		return err
	}
	defer releaseChain(vol, append(chain, node))

	if node.Type() != csfs.ModeTypeDir {
		return printEntryLine("", node)
	}

	dir, err := csfs.NewDirectory(node)
	if err != nil {
		return err
	}

	name := ""
	for {
		entryName, childIdx, err := dir.LookupNext(ctx, name)
		if err != nil {
			if errors.Is(err, csfs.ErrNotFound) {
				return nil
			}
			return err
		}
		child, err := vol.GetVnode(ctx, childIdx)
		if err != nil {
			return err
		}
		lineErr := printEntryLine(entryName, child)
		_ = vol.PutVnode(ctx, childIdx)
		if lineErr != nil {
			return lineErr
		}
		name = entryName
	}
}

func printEntryLine(name string, node *csfs.Node) error {
	kind := typeLetter(node.Type())
	size := bytefmt.ByteSize(node.Size())
	if name == "" {
		fmt.Printf("%c %10s\n", kind, size)
		return nil
	}
	fmt.Printf("%c %10s  %s\n", kind, size, name)
	return nil
}

func typeLetter(modeType uint32) byte {
	switch modeType {
	case csfs.ModeTypeDir:
		return 'd'
	case csfs.ModeTypeSymlink:
		return 'l'
	default:
		return '-'
	}
}
