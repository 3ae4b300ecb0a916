// Command cellping is a minimal example cell: spawned on demand by the
// Hypervisor, it answers every app-channel frame with the same payload
// and heartbeats back to the Hypervisor so Status stays accurate.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cellhost/substrate/cellsys/clog"
	"github.com/cellhost/substrate/cellsys/config"
	"github.com/cellhost/substrate/cellsys/dispatch"
	"github.com/cellhost/substrate/hypervisor"
	"github.com/cellhost/substrate/transport"
	"github.com/cellhost/substrate/vesicle"
)

func main() {
	cellName := os.Getenv("CELL_NAME")
	if cellName == "" {
		clog.Errorf("cellping: CELL_NAME not set, refusing to start")
		os.Exit(1)
	}
	clog.SetTitle("cellping-" + cellName)

	cfg := config.Get()

	// FD 3 is the listener the Hypervisor already bound and handed off;
	// cellping never binds its own socket.
	lf := os.NewFile(3, "inherited-listener")
	nl, err := net.FileListener(lf)
	if err != nil {
		clog.Errorf("cellping: wrapping inherited listener: %v", err)
		os.Exit(1)
	}

	table := dispatch.NewTable()
	table.Register(vesicle.ChanApp, func(payload []byte, _ time.Time) ([]byte, error) {
		return payload, nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := hypervisor.NewClient(cfg.SocketDir, 1, 1, cfg.Transport.IdleTeardown)
	defer client.Close()
	go heartbeatLoop(ctx, client, cellName)

	l := transport.NewLocalListener(nl, table, cfg.Transport.MaxFrameBytes)
	clog.Infof("cellping: %s serving", cellName)
	if err := l.Serve(ctx); err != nil {
		clog.Errorf("cellping: serve exited: %v", err)
		clog.Flush(true)
		os.Exit(1)
	}
	clog.Flush(true)
}

func heartbeatLoop(ctx context.Context, client *hypervisor.Client, cellName string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(ctx, cellName); err != nil {
				clog.Warningf("cellping: heartbeat: %v", err)
			}
		}
	}
}
