package hypervisor

import (
	"context"
	"net"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/handshake"
	"github.com/cellhost/substrate/resolver"
	"github.com/cellhost/substrate/transport"
	"github.com/cellhost/substrate/vesicle"
)

// Client talks to a Hypervisor over its mitosis.sock, for callers outside
// the Hypervisor's own process (a CLI, a chaos collaborator, a remote
// node's router cell).
type Client struct {
	pool *transport.Pool
}

// NewClient builds a Client pooled against a single Hypervisor's socket.
// The mitosis socket is local-only, so connections never run the network
// handshake.
func NewClient(root string, maxPerCell, maxTotal int, idleTeardown time.Duration) *Client {
	sockPath := resolver.MitosisSocketPath(root)
	dial := func(ctx context.Context) (net.Conn, *handshake.Session, error) {
		var d net.Dialer
		nc, err := d.DialContext(ctx, "unix", sockPath)
		return nc, nil, err
	}
	pool := transport.NewPool(dial, maxPerCell, maxTotal, idleTeardown)
	return &Client{pool: pool}
}

// call crosses the process/RPC edge to the Hypervisor's mitosis socket;
// failures are wrapped with errors.Wrap so a caller chasing a failed spawn
// gets a stack trace pointing at this call site, not just the bare pool or
// decode error.
func (c *Client) call(ctx context.Context, op Op, body any, out any) error {
	payload, err := encodeRequest(op, body)
	if err != nil {
		return errors.Wrap(err, "hypervisor: encoding request")
	}
	reply, err := transport.Send(ctx, c.pool, transport.DefaultRetryPolicy(), "mitosis", vesicle.ChanCoordination, 0, 0, payload)
	if err != nil {
		return errors.Wrapf(err, "hypervisor: request %v", op)
	}
	if out != nil {
		if err := jsoniter.Unmarshal(reply, out); err != nil {
			return errors.Wrap(err, "hypervisor: decoding reply")
		}
	}
	return nil
}

func (c *Client) Spawn(ctx context.Context, cellName string, config []byte) (SpawnReply, error) {
	var reply SpawnReply
	err := c.call(ctx, OpSpawn, SpawnRequest{CellName: cellName, Config: config}, &reply)
	return reply, err
}

func (c *Client) Kill(ctx context.Context, cellName string) (KillReply, error) {
	var reply KillReply
	err := c.call(ctx, OpKill, KillRequest{CellName: cellName}, &reply)
	return reply, err
}

func (c *Client) Status(ctx context.Context, cellName string) (StatusReply, error) {
	var reply StatusReply
	err := c.call(ctx, OpStatus, StatusRequest{CellName: cellName}, &reply)
	return reply, err
}

func (c *Client) Heartbeat(ctx context.Context, cellName string) error {
	var reply HeartbeatReply
	err := c.call(ctx, OpHeartbeat, HeartbeatRequest{CellName: cellName}, &reply)
	if err == nil && !reply.Ok {
		return cerr.New(cerr.IoError, "heartbeat for %q rejected", cellName)
	}
	return err
}

// OpsSnapshot fetches the Hypervisor process's current metrics snapshot
// over the OPS channel: pool saturation, Raft commit latency and discovery
// peer counts, whichever of those this particular process has populated.
func (c *Client) OpsSnapshot(ctx context.Context) (map[string]float64, error) {
	reply, err := transport.Send(ctx, c.pool, transport.DefaultRetryPolicy(), "mitosis", vesicle.ChanOps, 0, 0, nil)
	if err != nil {
		return nil, errors.Wrap(err, "hypervisor: fetching ops snapshot")
	}
	var snap map[string]float64
	if err := jsoniter.Unmarshal(reply, &snap); err != nil {
		return nil, errors.Wrap(err, "hypervisor: decoding ops snapshot")
	}
	return snap, nil
}

func (c *Client) Close() { c.pool.Close() }
