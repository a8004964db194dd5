package main

import (
	"context"
	"strings"

	"github.com/vorteil/checksumfs/pkg/csfs"
)

// resolve walks a slash-separated path from the volume's root directory,
// returning the final node and the chain of parent directories it passed
// through (each held with one GetVnode reference that the caller must
// release with releaseChain).
func resolve(ctx context.Context, vol *csfs.Volume, path string) (*csfs.Node, []*csfs.Node, error) {
	root, err := vol.Root(ctx)
	if err != nil {
		return nil, nil, err
	}

	path = strings.Trim(path, "/")
	if path == "" {
		return root.Node(), nil, nil
	}

	parts := strings.Split(path, "/")
	chain := []*csfs.Node{root.Node()}
	dir := root

	for i, part := range parts {
		child, err := dir.Lookup(ctx, part)
		if err != nil {
			releaseChain(vol, chain)
			return nil, nil, err
		}
		node, err := vol.GetVnode(ctx, child)
		if err != nil {
			releaseChain(vol, chain)
			return nil, nil, err
		}

		last := i == len(parts)-1
		if !last {
			if node.Type() != csfs.ModeTypeDir {
				releaseChain(vol, append(chain, node))
				return nil, nil, csfs.ErrNotFound
			}
			nd, err := csfs.NewDirectory(node)
			if err != nil {
				releaseChain(vol, append(chain, node))
				return nil, nil, err
			}
			dir = nd
		}
		chain = append(chain, node)
	}

	return chain[len(chain)-1], chain[:len(chain)-1], nil
}

func releaseChain(vol *csfs.Volume, chain []*csfs.Node) {
	for _, n := range chain {
		_ = vol.PutVnode(context.Background(), n.BlockIndex())
	}
}
