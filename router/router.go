// Package router bridges a local named pipe to a remote cell over a
// handshaked network stream, so a foreign cell_id resolves locally as
// if it were just another socket.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package router

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/cellsys/cid"
	"github.com/cellhost/substrate/cellsys/clog"
	"github.com/cellhost/substrate/handshake"
	"github.com/cellhost/substrate/resolver"
	"github.com/cellhost/substrate/vesicle"
)

// Router forwards frames between pipes/<PipeName> and a secure stream to
// RemoteAddr on behalf of the foreign cell identified by CellID.
type Router struct {
	Root       string
	CellID     uint64
	PipeName   string
	RemoteAddr string
	Identity   handshake.Identity
	Verify     handshake.Verifier
	MaxFrame   uint32

	mu     sync.Mutex
	pipe   *os.File
	nc     net.Conn
	sess   *handshake.Session
}

// Run publishes the router descriptor, opens the pipe and the outbound
// connection, and forwards frames until ctx is done or the connection is
// lost. On either exit, the descriptor is removed so resolvers stop
// routing new callers here.
func (r *Router) Run(ctx context.Context) error {
	if err := resolver.EnsureDirs(r.Root); err != nil {
		return err
	}
	pipePath := resolver.PipePath(r.Root, r.PipeName)
	os.Remove(pipePath)
	if err := unix.Mkfifo(pipePath, 0o600); err != nil {
		return cerr.Wrap(cerr.IoError, err, "router: mkfifo %s", pipePath)
	}
	defer os.Remove(pipePath)

	desc := resolver.Descriptor{PipeName: r.PipeName, TransportType: resolver.TransportTCP}
	if err := resolver.WriteDescriptor(r.Root, r.CellID, desc); err != nil {
		return err
	}
	defer resolver.RemoveDescriptor(r.Root, r.CellID)

	// O_RDWR on a FIFO never blocks at open on Linux, unlike O_RDONLY or
	// O_WRONLY alone, which each wait for the other end; the router holds
	// the one handle for both directions so callers just need to open
	// their end for reading and writing in turn.
	pipe, err := os.OpenFile(pipePath, os.O_RDWR, 0o600)
	if err != nil {
		return cerr.Wrap(cerr.IoError, err, "router: opening pipe %s", pipePath)
	}
	defer pipe.Close()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", r.RemoteAddr)
	if err != nil {
		return cerr.Wrap(cerr.ConnectionRefused, err, "router: dialing %s", r.RemoteAddr)
	}
	defer nc.Close()

	sess, err := handshake.ClientHandshake(nc, r.Identity, r.Verify, nil)
	if err != nil {
		return cerr.Wrap(cerr.AccessDenied, err, "router: handshake with %s", r.RemoteAddr)
	}

	r.mu.Lock()
	r.pipe, r.nc, r.sess = pipe, nc, sess
	r.mu.Unlock()

	clog.Infof("router: bridging %s -> %s for cell_id %s", pipePath, r.RemoteAddr, cid.HexID(r.CellID))

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		pipe.Close()
		nc.Close()
		close(done)
	}()

	err = r.forward(pipe, sess)
	select {
	case <-done:
	default:
		nc.Close()
		pipe.Close()
	}
	return err
}

// forward runs the request/reply loop: one frame in from pipe, relayed
// over sess, one reply frame back, written to pipe.
func (r *Router) forward(pipe *os.File, sess *handshake.Session) error {
	for {
		req, err := vesicle.ReadFrame(pipe, r.MaxFrame)
		if err != nil {
			return cerr.Wrap(cerr.ConnectionReset, err, "router: reading pipe request")
		}

		if err := sess.WriteEncrypted(r.nc, encodeForSession(req)); err != nil {
			return cerr.Wrap(cerr.ConnectionReset, err, "router: forwarding to remote")
		}
		reply, err := sess.ReadEncryptedFrame(r.nc, r.MaxFrame)
		if err != nil {
			return cerr.Wrap(cerr.ConnectionReset, err, "router: reading remote reply")
		}
		if err := vesicle.WriteFrame(pipe, reply); err != nil {
			return cerr.Wrap(cerr.ConnectionReset, err, "router: writing pipe reply")
		}
	}
}

// encodeForSession renders v in the length-prefixed wire form
// Session.ReadEncryptedFrame expects on the decrypt side, since it parses the
// plaintext with vesicle.ReadFrame.
func encodeForSession(v vesicle.Vesicle) []byte {
	payload := v.Bytes()
	length := vesicle.HeaderSize + 1 + len(payload)
	buf := make([]byte, 4+length)
	buf[0], buf[1], buf[2], buf[3] = byte(length), byte(length>>8), byte(length>>16), byte(length>>24)
	v.Header.Encode(buf[4 : 4+vesicle.HeaderSize])
	buf[4+vesicle.HeaderSize] = v.Channel
	copy(buf[4+vesicle.HeaderSize+1:], payload)
	return buf
}

// DefaultIdleGrace is how long Run's caller should wait for an in-flight
// forward to drain before forcing pipe/connection closure on shutdown.
const DefaultIdleGrace = 5 * time.Second
