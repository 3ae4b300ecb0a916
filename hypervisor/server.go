package hypervisor

import (
	"context"
	"net"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/cellsys/cops"
	"github.com/cellhost/substrate/cellsys/dispatch"
	"github.com/cellhost/substrate/resolver"
	"github.com/cellhost/substrate/transport"
	"github.com/cellhost/substrate/vesicle"
)

// Table builds the dispatch.Table a mitosis.sock listener serves: every
// Spawn/Kill/Status/Heartbeat request rides the coordination channel,
// discriminated by the opcode byte each payload is prefixed with. The OPS
// channel carries a single request type, a metrics snapshot, with no
// opcode prefix of its own.
func (h *Hypervisor) Table() *dispatch.Table {
	t := dispatch.NewTable()
	t.Register(vesicle.ChanCoordination, h.dispatchCoordination)
	t.Register(vesicle.ChanOps, dispatchOpsSnapshot)
	return t
}

// dispatchOpsSnapshot answers any OPS-channel request with the current
// metrics snapshot; there is no request body to interpret. This is the
// closest thing to a /metrics scrape this process exposes, reachable only
// by a process already holding the mitosis socket.
func dispatchOpsSnapshot(_ []byte, _ time.Time) ([]byte, error) {
	b, err := jsoniter.Marshal(cops.Snapshot())
	if err != nil {
		return nil, cerr.Wrap(cerr.SerializationFailure, err, "encoding metrics snapshot")
	}
	return b, nil
}

func (h *Hypervisor) dispatchCoordination(payload []byte, _ time.Time) ([]byte, error) {
	op, body, err := decodeOp(payload)
	if err != nil {
		return nil, cerr.Wrap(cerr.SerializationFailure, err, "coordination payload")
	}
	switch op {
	case OpSpawn:
		var req SpawnRequest
		if err := jsoniter.Unmarshal(body, &req); err != nil {
			return nil, cerr.Wrap(cerr.SerializationFailure, err, "decoding SpawnRequest")
		}
		reply := h.handleSpawn(req)
		return jsoniter.Marshal(reply)
	case OpKill:
		var req KillRequest
		if err := jsoniter.Unmarshal(body, &req); err != nil {
			return nil, cerr.Wrap(cerr.SerializationFailure, err, "decoding KillRequest")
		}
		return jsoniter.Marshal(h.handleKill(req))
	case OpStatus:
		var req StatusRequest
		if err := jsoniter.Unmarshal(body, &req); err != nil {
			return nil, cerr.Wrap(cerr.SerializationFailure, err, "decoding StatusRequest")
		}
		return jsoniter.Marshal(h.handleStatus(req))
	case OpHeartbeat:
		var req HeartbeatRequest
		if err := jsoniter.Unmarshal(body, &req); err != nil {
			return nil, cerr.Wrap(cerr.SerializationFailure, err, "decoding HeartbeatRequest")
		}
		return jsoniter.Marshal(h.handleHeartbeat(req))
	default:
		return nil, cerr.New(cerr.CapabilityMissing, "unknown mitosis opcode %d", op)
	}
}

// Serve binds run/mitosis.sock and runs the accept loop until ctx is done.
func (h *Hypervisor) Serve(ctx context.Context, maxFrame uint32) error {
	if err := resolver.EnsureDirs(h.root); err != nil {
		return err
	}
	sockPath := resolver.MitosisSocketPath(h.root)
	os.Remove(sockPath) // stale socket from a prior, crashed Hypervisor
	nl, err := net.Listen("unix", sockPath)
	if err != nil {
		return cerr.Wrap(cerr.IoError, err, "binding mitosis socket at %s", sockPath)
	}
	l := transport.NewLocalListener(nl, h.Table(), maxFrame)
	return l.Serve(ctx)
}
