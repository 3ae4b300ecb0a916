// Black-box scenario tests exercising the literal end-to-end examples this
// substrate is expected to satisfy: Raft replication across a real
// follower, connection-pool reuse bounds, multicast peer discovery, and a
// rejected handshake closing without ever dispatching a frame.
package substrate_test

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellhost/substrate/cellsys/dispatch"
	"github.com/cellhost/substrate/discovery"
	"github.com/cellhost/substrate/handshake"
	"github.com/cellhost/substrate/raft"
	"github.com/cellhost/substrate/transport"
	"github.com/cellhost/substrate/vesicle"
)

// --- Raft replication of 100 commands ---

type scenarioFSM struct {
	mu      sync.Mutex
	applied []raft.Entry
}

func (f *scenarioFSM) Apply(e raft.Entry) error {
	f.mu.Lock()
	f.applied = append(f.applied, e)
	f.mu.Unlock()
	return nil
}
func (f *scenarioFSM) Snapshot(uint64) ([]byte, error) { return nil, nil }
func (f *scenarioFSM) Restore(uint64, uint64, []byte) error {
	return nil
}
func (f *scenarioFSM) snapshot() []raft.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]raft.Entry(nil), f.applied...)
}

type directRaftTransport struct {
	mu    sync.Mutex
	nodes map[string]*raft.Node
}

func (d *directRaftTransport) register(addr string, n *raft.Node) {
	d.mu.Lock()
	d.nodes[addr] = n
	d.mu.Unlock()
}
func (d *directRaftTransport) at(addr string) *raft.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nodes[addr]
}
func (d *directRaftTransport) RequestVote(addr string, args raft.RequestVoteArgs) (raft.RequestVoteReply, error) {
	return d.at(addr).HandleRequestVote(args), nil
}
func (d *directRaftTransport) AppendEntries(addr string, args raft.AppendEntriesArgs) (raft.AppendEntriesReply, error) {
	return d.at(addr).HandleAppendEntries(args), nil
}
func (d *directRaftTransport) InstallSnapshot(addr string, args raft.InstallSnapshotArgs) (raft.InstallSnapshotReply, error) {
	return d.at(addr).HandleInstallSnapshot(args), nil
}

func TestScenarioRaftReplicatesOneHundredCommands(t *testing.T) {
	trans := &directRaftTransport{nodes: make(map[string]*raft.Node)}
	timing := raft.Timing{ElectionTimeoutMin: 30 * time.Millisecond, ElectionTimeoutMax: 60 * time.Millisecond, HeartbeatInterval: 10 * time.Millisecond}

	fsmA, fsmB := &scenarioFSM{}, &scenarioFSM{}
	walA := filepath.Join(t.TempDir(), "a.wal")
	walB := filepath.Join(t.TempDir(), "b.wal")

	nodeA, err := raft.NewNode("a", map[string]string{"b": "b"}, fsmA, trans, walA, timing)
	require.NoError(t, err)
	nodeB, err := raft.NewNode("b", map[string]string{"a": "a"}, fsmB, trans, walB, timing)
	require.NoError(t, err)
	trans.register("a", nodeA)
	trans.register("b", nodeB)

	nodeA.Run()
	defer nodeA.Stop()
	nodeB.Run()
	defer nodeB.Stop()

	nodes := []*raft.Node{nodeA, nodeB}
	fsms := []*scenarioFSM{fsmA, fsmB}

	var leader *raft.Node
	var leaderIdx int
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && leader == nil {
		for i, n := range nodes {
			if _, _, isLeader := n.Start([]byte{0}); isLeader {
				leader, leaderIdx = n, i
				break
			}
		}
		if leader == nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
	require.NotNil(t, leader, "no leader emerged within timeout")
	followerFSM := fsms[1-leaderIdx]

	const total = 100
	for i := 1; i < total; i++ {
		_, _, isLeader := leader.Start([]byte{byte(i)})
		require.True(t, isLeader)
	}

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(followerFSM.snapshot()) >= total {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	applied := followerFSM.snapshot()
	require.Len(t, applied, total)
	for i, e := range applied {
		assert.Equal(t, byte(i), e.Command[0])
	}
	assert.Equal(t, byte(total-1), applied[total-1].Command[0])
}

// --- Pool reuse bound ---

func TestScenarioPoolReuseBoundsOpenConnections(t *testing.T) {
	nl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer nl.Close()

	table := dispatch.NewTable()
	table.Register(vesicle.ChanApp, func(payload []byte, _ time.Time) ([]byte, error) { return payload, nil })
	listener := transport.NewLocalListener(nl, table, 4096)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx)

	var dialCount atomic.Int32
	target := nl.Addr().String()
	dial := func(ctx context.Context) (net.Conn, *handshake.Session, error) {
		dialCount.Add(1)
		nc, err := net.Dial("tcp", target)
		return nc, nil, err
	}
	pool := transport.NewPool(dial, 2, 4, 30*time.Second)
	defer pool.Close()

	for i := 0; i < 10; i++ {
		c, err := pool.Acquire(context.Background(), target)
		require.NoError(t, err)
		_, err = c.Fire(context.Background(), vesicle.ChanApp, 1, 2, []byte("ping"))
		require.NoError(t, err)
		pool.Release(c)
	}
	assert.LessOrEqual(t, dialCount.Load(), int32(2))
}

// --- Discovery: observer sees donor and leech with exact is_donor values ---

func TestScenarioDiscoveryObserverSeesDonorAndLeech(t *testing.T) {
	cfg := discovery.Config{Group: "239.1.2.3", Port: 29500, Interval: 100 * time.Millisecond, Jitter: 10 * time.Millisecond, TTLMultiple: 5}

	observer, err := discovery.New(cfg, discovery.Identity{CellName: "observer", ListenPort: 9000})
	require.NoError(t, err)
	defer observer.Close()
	donor, err := discovery.New(cfg, discovery.Identity{CellName: "donor", ListenPort: 9001, IsDonor: true})
	require.NoError(t, err)
	defer donor.Close()
	leech, err := discovery.New(cfg, discovery.Identity{CellName: "leech", ListenPort: 9002, IsDonor: false})
	require.NoError(t, err)
	defer leech.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observer.Start(ctx)
	donor.Start(ctx)
	leech.Start(ctx)

	var peers []discovery.Peer
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		peers = observer.All()
		if len(peers) >= 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.Len(t, peers, 2)

	byName := make(map[string]discovery.Peer, len(peers))
	for _, p := range peers {
		byName[p.CellName] = p
	}
	d, ok := byName["donor"]
	require.True(t, ok)
	assert.True(t, d.IsDonor)
	l, ok := byName["leech"]
	require.True(t, ok)
	assert.False(t, l.IsDonor)
}

// --- Handshake rejection closes cleanly, no partial frame ---

func TestScenarioHandshakeRejectionClosesWithoutPartialFrame(t *testing.T) {
	serverID, err := handshake.NewIdentity()
	require.NoError(t, err)
	clientID, err := handshake.NewIdentity()
	require.NoError(t, err)

	nl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer nl.Close()

	rejectAll := func(peer [32]byte) bool { return false }
	table := dispatch.NewTable()
	listener := transport.NewNetworkListener(nl, table, serverID, rejectAll, 4096)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx)

	nc, err := net.Dial("tcp", nl.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	// the client completes its own half of the exchange before the server's
	// rejection is observable; the rejection surfaces as the server closing
	// the raw connection immediately afterward, never dispatching a frame.
	_, err = handshake.ClientHandshake(nc, clientID, nil, nil)
	require.NoError(t, err)

	buf := make([]byte, 16)
	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := nc.Read(buf)
	assert.Equal(t, 0, n)
	assert.Error(t, err)
}
