package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"github.com/vorteil/checksumfs/pkg/csfs"
	"golang.org/x/sync/errgroup"
)

// reachSet tracks which blocks the directory walk has proven reachable.
// Sibling subtrees are walked concurrently, so marking is mutex-guarded.
type reachSet struct {
	mu      sync.Mutex
	visited []bool
}

func (r *reachSet) mark(idx uint64) {
	r.mu.Lock()
	if idx < uint64(len(r.visited)) {
		r.visited[idx] = true
	}
	r.mu.Unlock()
}

func (r *reachSet) has(idx uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return idx < uint64(len(r.visited)) && r.visited[idx]
}

var fsckCmd = &cobra.Command{
	Use:   "fsck IMAGE",
	Short: "Check a CSFS volume's structural invariants",
	Args:  cobra.ExactArgs(1),
	RunE:  runFsck,
}

func runFsck(cmd *cobra.Command, args []string) error {
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
	reach := &reachSet{visited: make([]bool, super.TotalBlocks)}
	markSystemBlocks(&super, reach)

	root, err := vol.Root(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = vol.PutVnode(ctx, root.Node().BlockIndex()) }()

	if err := root.Check(ctx); err != nil {
		return fmt.Errorf("fsck: root directory tree invariant violated: %w", err)
	}

	if err := markDirectoryReachable(ctx, vol, root, reach); err != nil {
		return err
	}

	mismatches := 0
	for idx := uint64(0); idx < super.TotalBlocks; idx++ {
		set, err := vol.Allocator().IsSet(ctx, idx)
		if err != nil {
			return err
		}
		if set != reach.has(idx) {
			mismatches++
			if set {
				fmt.Printf("block %d: allocated but unreachable\n", idx)
			} else {
				fmt.Printf("block %d: reachable but not allocated\n", idx)
			}
		}
	}

	if mismatches > 0 {
		return fmt.Errorf("fsck: %d block(s) disagree between the allocator bitmap and the reachable set", mismatches)
	}

	fmt.Printf("fsck: %s: ok (%d blocks, %d free)\n", args[0], super.TotalBlocks, super.FreeBlocks)
	return nil
}

// markSystemBlocks marks block 0, the super block, and the allocator's own
// group and bitmap blocks as reachable, mirroring the system-block set
// Allocator.Initialize pre-marks used.
func markSystemBlocks(super *csfs.SuperBlock, reach *reachSet) {
	reach.mark(0)
	reach.mark(csfs.SuperBlockIndex)

	bitsPerBitmapBlock := int64(8 * csfs.BlockSize)
	entriesPerGroupBlock := int64(csfs.BlockSize / 2)
	bitmapBlocks := divCeil(int64(super.TotalBlocks), bitsPerBitmapBlock)
	groupBlocks := divCeil(bitmapBlocks, entriesPerGroupBlock)

	for i := int64(0); i < groupBlocks+bitmapBlocks; i++ {
		reach.mark(super.BlockBitmap + uint64(i))
	}
}

func divCeil(a, b int64) int64 { return (a + b - 1) / b }

// markDirectoryReachable marks dir's own node block, every entry block in
// its tree, and recursively every child it reaches. Sibling entries are
// visited concurrently, the
// same fan-out pattern Directory.Check uses for its own traversal.
func markDirectoryReachable(ctx context.Context, vol *csfs.Volume, dir *csfs.Directory, reach *reachSet) error {
	reach.mark(dir.Node().BlockIndex())

	entryBlocks, err := dir.EntryBlocks(ctx)
	if err != nil {
		return err
	}
	for _, b := range entryBlocks {
		reach.mark(b)
	}

	var children []uint64
	var names []string
	if err := dir.ForEach(ctx, func(name string, child uint64) error {
		children = append(children, child)
		names = append(names, name)
		return nil
	}); err != nil {
		return err
	}

	var eg errgroup.Group
	for i := range children {
		child := children[i]
		name := names[i]
		eg.Go(func() error {
			node, err := vol.GetVnode(ctx, child)
			if err != nil {
				return fmt.Errorf("entry %q: %w", name, err)
			}
			defer func() { _ = vol.PutVnode(ctx, child) }()
			reach.mark(child)

			switch node.Type() {
			case csfs.ModeTypeDir:
				sub, err := csfs.NewDirectory(node)
				if err != nil {
					return err
				}
				if err := sub.Check(ctx); err != nil {
					return fmt.Errorf("directory %q: %w", name, err)
				}
				return markDirectoryReachable(ctx, vol, sub, reach)
			case csfs.ModeTypeFile:
				file, err := csfs.NewFile(node)
				if err != nil {
					return err
				}
				blocks, err := file.Blocks(ctx)
				if err != nil {
					return err
				}
				for _, b := range blocks {
					reach.mark(b)
				}
				return nil
			default:
				return nil
			}
		})
	}
	return eg.Wait()
}
