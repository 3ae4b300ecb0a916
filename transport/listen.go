package transport

import (
	"context"
	"net"
	"time"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/cellsys/clog"
	"github.com/cellhost/substrate/cellsys/dispatch"
	"github.com/cellhost/substrate/handshake"
	"github.com/cellhost/substrate/vesicle"
)

// Listener accepts connections on a single local endpoint (a cell's own
// socket or the Hypervisor's control socket) and runs each through the
// registered dispatch.Table. Network listeners additionally run the
// server side of the handshake before frames are trusted.
type Listener struct {
	nl       net.Listener
	table    *dispatch.Table
	identity *handshake.Identity
	verify   handshake.Verifier
	maxFrame uint32
}

// NewLocalListener wraps a Unix-domain or named-pipe listener: no
// handshake, since only local, already-trusted processes can reach it.
func NewLocalListener(nl net.Listener, table *dispatch.Table, maxFrame uint32) *Listener {
	return &Listener{nl: nl, table: table, maxFrame: maxFrame}
}

// NewNetworkListener wraps a TCP listener that requires every incoming
// connection to complete the handshake before any frame is dispatched.
func NewNetworkListener(nl net.Listener, table *dispatch.Table, id handshake.Identity, verify handshake.Verifier, maxFrame uint32) *Listener {
	return &Listener{nl: nl, table: table, identity: &id, verify: verify, maxFrame: maxFrame}
}

// Serve accepts connections until ctx is done or the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.nl.Close()
	}()
	for {
		nc, err := l.nl.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return cerr.Wrap(cerr.IoError, err, "listener: accept failed")
			}
		}
		go l.serveConn(ctx, nc)
	}
}

func (l *Listener) serveConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	var session *handshake.Session
	if l.identity != nil {
		s, _, err := handshake.ServerHandshake(nc, *l.identity, l.verify)
		if err != nil {
			clog.Warningf("listener: handshake with %s failed: %v", nc.RemoteAddr(), err)
			return
		}
		session = s
	}

	for {
		var v vesicle.Vesicle
		var err error
		if session != nil {
			v, err = session.ReadEncryptedFrame(nc, l.maxFrame)
		} else {
			v, err = vesicle.ReadFrame(nc, l.maxFrame)
		}
		if err != nil {
			return
		}

		// A handshaked connection never offers a ring upgrade: shared
		// memory only makes sense between processes on the same host.
		// session==nil is the Unix-domain/local-pipe case.
		if session == nil && v.Channel == vesicle.ChanOps && string(v.Bytes()) == MagicUpgradeReq {
			if ring := l.acceptUpgradeOffer(nc, v); ring != nil {
				defer ring.Close()
				l.serveRing(ctx, ring)
				return
			}
			continue
		}

		deadline := time.Now().Add(30 * time.Second)
		reply, herr := l.table.Dispatch(v, deadline)
		replyHdr := vesicle.Header{TargetID: v.Header.SourceID, SourceID: v.Header.TargetID, TTL: v.Header.TTL}
		if herr != nil {
			ce, _ := cerr.As(herr)
			reply = encodeErrorReply(ce)
			rv := vesicle.Owned(replyHdr, vesicle.ChanOps, reply)
			if writeErr := l.writeReply(nc, session, rv); writeErr != nil {
				return
			}
			continue
		}
		rv := vesicle.Owned(replyHdr, v.Channel, reply)
		if writeErr := l.writeReply(nc, session, rv); writeErr != nil {
			return
		}
	}
}

// acceptUpgradeOffer acknowledges a ring-upgrade request and completes the
// descriptor exchange. It returns nil, leaving the caller on the socket
// path, if nc isn't a Unix-domain connection or the exchange fails.
func (l *Listener) acceptUpgradeOffer(nc net.Conn, req vesicle.Vesicle) *shmRing {
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		return nil
	}
	ackHdr := vesicle.Header{TargetID: req.Header.SourceID, SourceID: req.Header.TargetID, TTL: req.Header.TTL}
	ack := vesicle.Owned(ackHdr, vesicle.ChanOps, []byte(MagicUpgradeAck))
	if err := vesicle.WriteFrame(uc, ack); err != nil {
		return nil
	}
	ring, err := acceptRingUpgrade(uc)
	if err != nil {
		clog.Warningf("listener: ring upgrade with %s failed: %v", nc.RemoteAddr(), err)
		return nil
	}
	return ring
}

// serveRing takes over dispatch for a connection that has completed a ring
// upgrade: the socket is no longer read or written, everything moves
// through the shared-memory rings until one side closes or ctx is done.
func (l *Listener) serveRing(ctx context.Context, ring *shmRing) {
	for {
		payload, release, err := ring.recv(ctx)
		if err != nil {
			return
		}
		v, err := decodeRingPayload(payload)
		if err != nil {
			if release != nil {
				release()
			}
			return
		}

		deadline := time.Now().Add(30 * time.Second)
		reply, herr := l.table.Dispatch(v, deadline)
		if release != nil {
			release()
		}
		replyHdr := vesicle.Header{TargetID: v.Header.SourceID, SourceID: v.Header.TargetID, TTL: v.Header.TTL}
		var rv vesicle.Vesicle
		if herr != nil {
			ce, _ := cerr.As(herr)
			rv = vesicle.Owned(replyHdr, vesicle.ChanOps, encodeErrorReply(ce))
		} else {
			rv = vesicle.Owned(replyHdr, v.Channel, reply)
		}
		if err := ring.send(encodeRingPayload(rv)); err != nil {
			return
		}
	}
}

func (l *Listener) writeReply(nc net.Conn, session *handshake.Session, v vesicle.Vesicle) error {
	if session != nil {
		return session.WriteEncrypted(nc, encodeFramed(v))
	}
	return vesicle.WriteFrame(nc, v)
}

// encodeFramed renders v in the same length-prefixed wire form
// vesicle.WriteFrame would put on a socket, since Session.ReadEncryptedFrame
// parses the decrypted plaintext with vesicle.ReadFrame.
func encodeFramed(v vesicle.Vesicle) []byte {
	payload := v.Bytes()
	length := vesicle.HeaderSize + 1 + len(payload)
	buf := make([]byte, 4+length)
	buf[0], buf[1], buf[2], buf[3] = byte(length), byte(length>>8), byte(length>>16), byte(length>>24)
	v.Header.Encode(buf[4 : 4+vesicle.HeaderSize])
	buf[4+vesicle.HeaderSize] = v.Channel
	copy(buf[4+vesicle.HeaderSize+1:], payload)
	return buf
}

// encodeErrorReply renders a CellError as the OPS-channel wire code plus
// message, per the closed taxonomy.
func encodeErrorReply(ce *cerr.CellError) []byte {
	if ce == nil {
		return []byte("0:unknown error")
	}
	return []byte(ce.Error())
}
