/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package raft

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	jsoniter "github.com/json-iterator/go"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/cellsys/dispatch"
	"github.com/cellhost/substrate/handshake"
	"github.com/cellhost/substrate/transport"
	"github.com/cellhost/substrate/vesicle"
)

// rpcKind discriminates the three consensus RPCs sharing one dispatch
// slot, the same opcode-prefix trick the coordination channel uses.
type rpcKind uint8

const (
	rpcRequestVote rpcKind = iota + 1
	rpcAppendEntries
	rpcInstallSnapshot
)

func encodeRPC(kind rpcKind, body any) ([]byte, error) {
	b, err := jsoniter.Marshal(body)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(kind)}, b...), nil
}

func decodeRPC(payload []byte) (rpcKind, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, errors.New("raft: empty consensus payload")
	}
	return rpcKind(payload[0]), payload[1:], nil
}

// Table builds the dispatch.Table a network listener serves on the
// consensus channel, routing each RPC to the matching Node handler.
func (n *Node) Table() *dispatch.Table {
	t := dispatch.NewTable()
	t.Register(vesicle.ChanConsensus, n.dispatchConsensus)
	return t
}

func (n *Node) dispatchConsensus(payload []byte, _ time.Time) ([]byte, error) {
	kind, body, err := decodeRPC(payload)
	if err != nil {
		return nil, cerr.Wrap(cerr.SerializationFailure, err, "consensus payload")
	}
	switch kind {
	case rpcRequestVote:
		var args RequestVoteArgs
		if err := jsoniter.Unmarshal(body, &args); err != nil {
			return nil, cerr.Wrap(cerr.SerializationFailure, err, "decoding RequestVoteArgs")
		}
		return jsoniter.Marshal(n.HandleRequestVote(args))
	case rpcAppendEntries:
		var args AppendEntriesArgs
		if err := jsoniter.Unmarshal(body, &args); err != nil {
			return nil, cerr.Wrap(cerr.SerializationFailure, err, "decoding AppendEntriesArgs")
		}
		return jsoniter.Marshal(n.HandleAppendEntries(args))
	case rpcInstallSnapshot:
		var args InstallSnapshotArgs
		if err := jsoniter.Unmarshal(body, &args); err != nil {
			return nil, cerr.Wrap(cerr.SerializationFailure, err, "decoding InstallSnapshotArgs")
		}
		return jsoniter.Marshal(n.HandleInstallSnapshot(args))
	default:
		return nil, cerr.New(cerr.CapabilityMissing, "unknown consensus opcode %d", kind)
	}
}

// NetTransport implements Transport over the handshaked network listener,
// keeping one pooled Dialer per peer address so a slow or dead peer never
// starves RPCs to the rest of the cluster.
type NetTransport struct {
	id     handshake.Identity
	verify handshake.Verifier
	policy transport.RetryPolicy

	mu    sync.Mutex
	pools map[string]*transport.Pool
}

func NewNetTransport(id handshake.Identity, verify handshake.Verifier) *NetTransport {
	return &NetTransport{
		id:     id,
		verify: verify,
		policy: transport.RetryPolicy{Base: 20 * time.Millisecond, Cap: 500 * time.Millisecond, MaxTries: 2},
		pools:  make(map[string]*transport.Pool),
	}
}

func (nt *NetTransport) poolFor(addr string) *transport.Pool {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if p, ok := nt.pools[addr]; ok {
		return p
	}
	dial := func(ctx context.Context) (net.Conn, *handshake.Session, error) {
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, nil, err
		}
		session, err := handshake.ClientHandshake(nc, nt.id, nt.verify, nil)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return nc, session, nil
	}
	p := transport.NewPool(dial, 2, 4, 30*time.Second)
	nt.pools[addr] = p
	return p
}

// send crosses the process/RPC edge to addr; failures here are wrapped with
// errors.Wrapf so an operator chasing a stuck election has a stack trace
// pointing at the call site, not just the pool/dial error string.
func (nt *NetTransport) send(addr string, kind rpcKind, body any, out any) error {
	payload, err := encodeRPC(kind, body)
	if err != nil {
		return errors.Wrap(err, "raft: encoding RPC")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := transport.Send(ctx, nt.poolFor(addr), nt.policy, addr, vesicle.ChanConsensus, 0, 0, payload)
	if err != nil {
		return errors.Wrapf(err, "raft: RPC to %s", addr)
	}
	if err := jsoniter.Unmarshal(reply, out); err != nil {
		return errors.Wrap(err, "raft: decoding RPC reply")
	}
	return nil
}

func (nt *NetTransport) RequestVote(peerAddr string, args RequestVoteArgs) (RequestVoteReply, error) {
	var reply RequestVoteReply
	err := nt.send(peerAddr, rpcRequestVote, args, &reply)
	return reply, err
}

func (nt *NetTransport) AppendEntries(peerAddr string, args AppendEntriesArgs) (AppendEntriesReply, error) {
	var reply AppendEntriesReply
	err := nt.send(peerAddr, rpcAppendEntries, args, &reply)
	return reply, err
}

func (nt *NetTransport) InstallSnapshot(peerAddr string, args InstallSnapshotArgs) (InstallSnapshotReply, error) {
	var reply InstallSnapshotReply
	err := nt.send(peerAddr, rpcInstallSnapshot, args, &reply)
	return reply, err
}

func (nt *NetTransport) Close() {
	for _, p := range nt.pools {
		p.Close()
	}
}
