// Command mitosis runs the Hypervisor: the per-node lifecycle service that
// spawns, supervises and tears down cells on demand.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cellhost/substrate/cellsys/clog"
	"github.com/cellhost/substrate/cellsys/config"
	"github.com/cellhost/substrate/cellsys/housekeep"
	"github.com/cellhost/substrate/hypervisor"
)

var (
	configPath string
	binDir     string
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to the substrate TOML config")
	flag.StringVar(&binDir, "bindir", "", "directory searched for cell binaries named after cell_name")
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mitosis: loading config: %v\n", err)
		os.Exit(1)
	}
	clog.SetTitle("mitosis")

	go housekeep.DefaultHK.Run()

	runtime := hypervisor.Direct{Binaries: discoverBinaries(binDir)}
	hv := hypervisor.New(cfg.SocketDir, runtime)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clog.Infof("mitosis: serving at %s", cfg.SocketDir)
	if err := hv.Serve(ctx, cfg.Transport.MaxFrameBytes); err != nil {
		clog.Errorf("mitosis: serve exited: %v", err)
		clog.Flush(true)
		os.Exit(1)
	}
	clog.Flush(true)
}

// discoverBinaries maps every non-directory entry directly under dir to its
// path, keyed by filename, so an operator can drop a binary named after its
// cell_name into bindir with no further configuration. The executable bit
// is not checked.
func discoverBinaries(dir string) map[string]string {
	binaries := make(map[string]string)
	if dir == "" {
		return binaries
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		clog.Warningf("mitosis: reading bindir %s: %v", dir, err)
		return binaries
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		binaries[e.Name()] = filepath.Join(dir, e.Name())
	}
	return binaries
}
