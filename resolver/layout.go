// Package resolver maps cell names to reachable endpoints: a local
// listening socket, a router-advertised named pipe, or a LAN peer — and,
// failing all three, asks the Hypervisor to spawn the cell.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package resolver

import (
	"os"
	"path/filepath"

	"github.com/cellhost/substrate/cellsys/cid"
)

// Dir layout, rooted at the configured socket directory:
//
//	run/
//	  <name>.sock             local listening socket for cell <name>
//	  mitosis.sock            Hypervisor control socket
//	  routers/<hex16>.router  router descriptor for remote cell_id
//	  pipes/<pipe_name>       named pipe to that router
//	  neighbors/<name>/tx     symlink to a neighbor's inbound pipe

func RunDir(root string) string { return filepath.Join(root, "run") }

func SocketPath(root, name string) string {
	return filepath.Join(RunDir(root), name+".sock")
}

func MitosisSocketPath(root string) string {
	return filepath.Join(RunDir(root), "mitosis.sock")
}

func RoutersDir(root string) string { return filepath.Join(RunDir(root), "routers") }

func RouterDescPath(root string, cellID uint64) string {
	return filepath.Join(RoutersDir(root), cid.HexID(cellID)+".router")
}

func PipesDir(root string) string { return filepath.Join(RunDir(root), "pipes") }

func PipePath(root, pipeName string) string {
	return filepath.Join(PipesDir(root), pipeName)
}

func NeighborsDir(root string) string { return filepath.Join(RunDir(root), "neighbors") }

func NeighborTxPath(root, name string) string {
	return filepath.Join(NeighborsDir(root), name, "tx")
}

// EnsureDirs creates the resolver namespace's directory skeleton.
func EnsureDirs(root string) error {
	for _, d := range []string{RunDir(root), RoutersDir(root), PipesDir(root), NeighborsDir(root)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
