// Package hypervisor implements Mitosis, the lifecycle service that spawns
// cells on demand and supervises them: the Hypervisor listens on
// run/mitosis.sock and answers Spawn, Kill, Status and Heartbeat requests,
// all multiplexed as opcode-tagged payloads on the coordination channel.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hypervisor

import (
	"errors"

	jsoniter "github.com/json-iterator/go"
)

// Op tags which Mitosis operation a coordination-channel payload carries;
// all four operations share the single dispatch-table slot registered for
// vesicle.ChanCoordination.
type Op uint8

const (
	OpSpawn Op = iota + 1
	OpKill
	OpStatus
	OpHeartbeat
)

// SpawnRequest asks the Hypervisor to bring cellName into existence,
// passing an opaque, cell-specific configuration blob through unexamined.
type SpawnRequest struct {
	CellName string `json:"cell_name"`
	Config   []byte `json:"config,omitempty"`
}

// SpawnReply is Ok with the new listener's socket path, or Denied with a
// human-readable reason drawn from the denial taxonomy.
type SpawnReply struct {
	Ok         bool   `json:"ok"`
	SocketPath string `json:"socket_path,omitempty"`
	Denied     string `json:"denied,omitempty"`
}

type KillRequest struct {
	CellName string `json:"cell_name"`
}

type KillReply struct {
	Ok bool `json:"ok"`
}

// RunState is the coarse liveness Status reports.
type RunState uint8

const (
	StateUnknown RunState = iota
	StateRunning
	StateStopped
)

func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type StatusRequest struct {
	CellName string `json:"cell_name"`
}

type StatusReply struct {
	State RunState `json:"state"`
}

type HeartbeatRequest struct {
	CellName string `json:"cell_name"`
}

type HeartbeatReply struct {
	Ok bool `json:"ok"`
}

// encodeRequest prepends op as a single opcode byte to body's JSON encoding.
func encodeRequest(op Op, body any) ([]byte, error) {
	b, err := jsoniter.Marshal(body)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(b))
	out[0] = byte(op)
	copy(out[1:], b)
	return out, nil
}

var errShortPayload = errors.New("hypervisor: empty coordination payload")

func decodeOp(payload []byte) (Op, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, errShortPayload
	}
	return Op(payload[0]), payload[1:], nil
}
