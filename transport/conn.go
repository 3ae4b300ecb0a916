// Package transport implements the cell substrate's local and networked
// message plane: length-delimited, channel-multiplexed frames over pooled
// connections, with an optional zero-copy shared-memory upgrade and
// idle-teardown reaping; there are no per-target send queues.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/cellsys/clog"
	"github.com/cellhost/substrate/cellsys/cmono"
	"github.com/cellhost/substrate/handshake"
	"github.com/cellhost/substrate/vesicle"
)

// Dialer opens the raw byte-stream underlying a Connection. Local-socket
// and pipe endpoints dial directly; network endpoints additionally run the
// handshake before the Connection is usable.
type Dialer func(ctx context.Context) (net.Conn, *handshake.Session, error)

// Connection is one established, framed connection to a target. Frames on
// a connection are strictly ordered: fire observes its own reply before
// returning, so a connection serializes concurrent fire calls rather than
// multiplexing them.
type Connection struct {
	id       uint64 // HRW tie-break key among a target's pooled connections, see takePooled
	target   string
	nc       net.Conn
	session  *handshake.Session // non-nil for network (handshaked) connections
	maxFrame uint32

	mu     sync.Mutex // serializes fire
	closed atomic.Bool

	lastUsed atomic.Int64 // cmono.NanoTime of last fire, for idle-teardown

	ring *shmRing // non-nil once a zero-copy upgrade has completed
}

var connIDSeq atomic.Uint64

func newConnection(target string, nc net.Conn, session *handshake.Session, maxFrame uint32) *Connection {
	c := &Connection{id: connIDSeq.Add(1), target: target, nc: nc, session: session, maxFrame: maxFrame}
	c.touch()
	// A handshaked (network) connection never gets a ring: shared memory
	// only makes sense between processes on the same host. Offering the
	// upgrade here, before any application frame is sent, keeps the
	// negotiation out of the hot Fire path.
	if session == nil {
		if uc, ok := nc.(*net.UnixConn); ok {
			if ring := tryUpgradeLocal(uc, maxFrame); ring != nil {
				c.ring = ring
			}
		}
	}
	return c
}

func (c *Connection) touch() { c.lastUsed.Store(cmono.NanoTime()) }

func (c *Connection) IdleFor() time.Duration {
	return time.Duration(cmono.NanoTime() - c.lastUsed.Load())
}

func (c *Connection) IsClosed() bool { return c.closed.Load() }

func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.ring != nil {
		c.ring.Close()
	}
	return c.nc.Close()
}

// rawWriter/rawReader return functions that move bytes over the wire, transparently encrypting or
// decrypting through the handshake session when one is present (network
// connections only; local-socket and pipe connections pass bytes through).
func (c *Connection) rawWriter() (w writerFn) {
	if c.session != nil {
		return func(b []byte) error { return c.session.WriteEncrypted(c.nc, b) }
	}
	return func(b []byte) error { _, err := writeFull(c.nc, b); return err }
}

func (c *Connection) rawReader() readFrameFn {
	if c.session != nil {
		return func() (vesicle.Vesicle, error) { return c.session.ReadEncryptedFrame(c.nc, c.maxFrame) }
	}
	return func() (vesicle.Vesicle, error) { return vesicle.ReadFrame(c.nc, c.maxFrame) }
}

type writerFn func([]byte) error
type readFrameFn func() (vesicle.Vesicle, error)

func writeFull(w net.Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := w.Write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Fire writes a complete frame and awaits exactly one reply frame.
// If the ring upgrade is active, the payload is written through the ring
// instead of the socket. A deadline in ctx bounds the whole round trip; on
// expiry the connection is considered unusable (reply demarcation is
// unknown) and the caller must drop it rather than reuse it.
func (c *Connection) Fire(ctx context.Context, channel uint8, targetID, sourceID uint64, payload []byte) (vesicle.Vesicle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return vesicle.Vesicle{}, cerr.New(cerr.ConnectionReset, "connection to %s already closed", c.target)
	}
	c.touch()

	hdr := vesicle.Header{TargetID: targetID, SourceID: sourceID, TTL: 32}
	v := vesicle.Owned(hdr, channel, payload)

	if c.ring != nil && c.ring.usable() {
		if reply, ok := c.fireViaRing(ctx, v); ok {
			return reply, nil
		}
		// ring send/recv failed: upgrade failure is never fatal; fall
		// through to the socket path for this and subsequent calls.
		c.ring = nil
	}

	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetDeadline(dl)
		defer c.nc.SetDeadline(time.Time{})
	}

	type result struct {
		v   vesicle.Vesicle
		err error
	}
	done := make(chan result, 1)
	writer := c.rawWriter()
	reader := c.rawReader()
	go func() {
		if err := vesicleWrite(writer, v); err != nil {
			done <- result{err: classifyIOErr(err)}
			return
		}
		reply, err := reader()
		if err != nil {
			done <- result{err: classifyIOErr(err)}
			return
		}
		done <- result{v: reply}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.Close()
			return vesicle.Vesicle{}, r.err
		}
		return r.v, nil
	case <-ctx.Done():
		c.Close() // reply demarcation unknown on timeout; never reuse
		return vesicle.Vesicle{}, cerr.New(cerr.Timeout, "fire to %s exceeded deadline", c.target)
	}
}

func vesicleWrite(w writerFn, v vesicle.Vesicle) error {
	payload := v.Bytes()
	length := vesicle.HeaderSize + 1 + len(payload)
	buf := make([]byte, 4+length)
	putLen(buf, uint32(length))
	v.Header.Encode(buf[4 : 4+vesicle.HeaderSize])
	buf[4+vesicle.HeaderSize] = v.Channel
	copy(buf[4+vesicle.HeaderSize+1:], payload)
	return w(buf)
}

func putLen(buf []byte, n uint32) {
	buf[0] = byte(n)
	buf[1] = byte(n >> 8)
	buf[2] = byte(n >> 16)
	buf[3] = byte(n >> 24)
}

func classifyIOErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return cerr.Wrap(cerr.Timeout, err, "deadline exceeded")
	}
	if fe, ok := err.(*vesicle.FrameError); ok {
		return cerr.Wrap(cerr.Corruption, fe, "malformed frame")
	}
	return cerr.Wrap(cerr.ConnectionReset, err, "connection error")
}

func (c *Connection) fireViaRing(ctx context.Context, v vesicle.Vesicle) (vesicle.Vesicle, bool) {
	if err := c.ring.send(encodeRingPayload(v)); err != nil {
		clog.Warningf("transport: ring send to %s failed, falling back to socket: %v", c.target, err)
		return vesicle.Vesicle{}, false
	}
	payload, release, err := c.ring.recv(ctx)
	if err != nil {
		clog.Warningf("transport: ring recv from %s failed, falling back to socket: %v", c.target, err)
		return vesicle.Vesicle{}, false
	}
	reply, err := decodeRingPayload(payload)
	if err != nil {
		if release != nil {
			release()
		}
		clog.Warningf("transport: malformed ring reply from %s, falling back to socket: %v", c.target, err)
		return vesicle.Vesicle{}, false
	}
	return reply, true
}
