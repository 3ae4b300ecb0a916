package raft

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingFSM is a StateMachine test double that just remembers every
// entry it was asked to apply, in order. Snapshot returns a deterministic
// blob derived from appliedIndex so tests can confirm the bytes compact()
// obtains actually make it into a later InstallSnapshot, rather than
// asserting only on side effects like baseIndex.
type recordingFSM struct {
	mu       sync.Mutex
	applied  []Entry
	restored []string
}

func (f *recordingFSM) Apply(e Entry) error {
	f.mu.Lock()
	f.applied = append(f.applied, e)
	f.mu.Unlock()
	return nil
}
func (f *recordingFSM) Snapshot(appliedIndex uint64) ([]byte, error) {
	return []byte(fmt.Sprintf("snap-%d", appliedIndex)), nil
}
func (f *recordingFSM) Restore(lastIncludedIndex, lastIncludedTerm uint64, data []byte) error {
	f.mu.Lock()
	f.restored = append(f.restored, string(data))
	f.mu.Unlock()
	return nil
}

func (f *recordingFSM) appliedLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func (f *recordingFSM) restoredPayloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restored...)
}

// routedTransport dispatches RPCs directly to in-process Nodes keyed by
// address, standing in for a real network transport in tests.
type routedTransport struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

func newRoutedTransport() *routedTransport {
	return &routedTransport{nodes: make(map[string]*Node)}
}

func (rt *routedTransport) register(addr string, n *Node) {
	rt.mu.Lock()
	rt.nodes[addr] = n
	rt.mu.Unlock()
}

func (rt *routedTransport) nodeAt(addr string) *Node {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.nodes[addr]
}

func (rt *routedTransport) RequestVote(addr string, args RequestVoteArgs) (RequestVoteReply, error) {
	n := rt.nodeAt(addr)
	if n == nil {
		return RequestVoteReply{}, errors.New("routedTransport: no node at " + addr)
	}
	return n.HandleRequestVote(args), nil
}

func (rt *routedTransport) AppendEntries(addr string, args AppendEntriesArgs) (AppendEntriesReply, error) {
	n := rt.nodeAt(addr)
	if n == nil {
		return AppendEntriesReply{}, errors.New("routedTransport: no node at " + addr)
	}
	return n.HandleAppendEntries(args), nil
}

func (rt *routedTransport) InstallSnapshot(addr string, args InstallSnapshotArgs) (InstallSnapshotReply, error) {
	n := rt.nodeAt(addr)
	if n == nil {
		return InstallSnapshotReply{}, errors.New("routedTransport: no node at " + addr)
	}
	return n.HandleInstallSnapshot(args), nil
}

func fastTestTiming() Timing {
	return Timing{
		ElectionTimeoutMin: 30 * time.Millisecond,
		ElectionTimeoutMax: 60 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
	}
}

func (n *Node) testRole() role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func buildCluster(t *testing.T, ids []string) ([]*Node, []*recordingFSM, *routedTransport) {
	t.Helper()
	trans := newRoutedTransport()
	nodes := make([]*Node, len(ids))
	fsms := make([]*recordingFSM, len(ids))

	for i, id := range ids {
		peers := make(map[string]string)
		for _, other := range ids {
			if other != id {
				peers[other] = other
			}
		}
		fsm := &recordingFSM{}
		walPath := filepath.Join(t.TempDir(), id+".wal")
		n, err := NewNode(id, peers, fsm, trans, walPath, fastTestTiming())
		require.NoError(t, err)
		nodes[i] = n
		fsms[i] = fsm
		trans.register(id, n)
	}
	return nodes, fsms, trans
}

func waitForLeader(t *testing.T, nodes []*Node, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.testRole() == roleLeader {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func TestClusterElectsExactlyOneLeaderAndReplicates(t *testing.T) {
	ids := []string{"n1", "n2", "n3"}
	nodes, fsms, _ := buildCluster(t, ids)
	for _, n := range nodes {
		n.Run()
		defer n.Stop()
	}

	leader := waitForLeader(t, nodes, 2*time.Second)

	leaderCount := 0
	for _, n := range nodes {
		if n.testRole() == roleLeader {
			leaderCount++
		}
	}
	assert.Equal(t, 1, leaderCount, "exactly one node must hold leadership at a time")

	const numCommands = 20
	for i := 0; i < numCommands; i++ {
		_, _, isLeader := leader.Start([]byte{byte(i)})
		require.True(t, isLeader)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		allCaughtUp := true
		for _, f := range fsms {
			if f.appliedLen() < numCommands {
				allCaughtUp = false
				break
			}
		}
		if allCaughtUp {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for idx, f := range fsms {
		f.mu.Lock()
		applied := append([]Entry(nil), f.applied...)
		f.mu.Unlock()
		require.GreaterOrEqualf(t, len(applied), numCommands, "node %s applied too few entries", ids[idx])
		for i, e := range applied[:numCommands] {
			assert.Equal(t, byte(i), e.Command[0])
			assert.Equal(t, KindCommand, e.Kind)
		}
	}
}

func TestProposeConfigRejectsSecondChangeWhileInFlight(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "n1.wal")
	blocked := make(chan struct{})
	trans := &blockingAppendTransport{release: blocked}
	n, err := NewNode("n1", map[string]string{"n2": "n2"}, &recordingFSM{}, trans, walPath, fastTestTiming())
	require.NoError(t, err)

	n.mu.Lock()
	n.role = roleLeader
	n.currentTerm = 1
	n.nextIndex["n2"] = 1
	n.matchIndex["n2"] = 0
	n.mu.Unlock()

	corrID, err := n.ProposeConfig(ConfigDelta{Op: ConfigAdd, PeerID: "n3", Addr: "n3"})
	require.NoError(t, err)
	assert.NotEmpty(t, corrID)
	_, err = n.ProposeConfig(ConfigDelta{Op: ConfigAdd, PeerID: "n4", Addr: "n4"})
	assert.ErrorIs(t, err, ErrMembershipInFlight)

	close(blocked)
}

// blockingAppendTransport never returns from AppendEntries until release is
// closed, holding a membership change perpetually uncommitted so its
// in-flight guard can be observed deterministically.
type blockingAppendTransport struct {
	release chan struct{}
}

func (b *blockingAppendTransport) RequestVote(addr string, args RequestVoteArgs) (RequestVoteReply, error) {
	return RequestVoteReply{}, errors.New("not implemented")
}

func (b *blockingAppendTransport) AppendEntries(addr string, args AppendEntriesArgs) (AppendEntriesReply, error) {
	<-b.release
	return AppendEntriesReply{}, errors.New("blockingAppendTransport: released without replying")
}

func (b *blockingAppendTransport) InstallSnapshot(addr string, args InstallSnapshotArgs) (InstallSnapshotReply, error) {
	return InstallSnapshotReply{}, errors.New("not implemented")
}

func TestHandleAppendEntriesConflictBacktracking(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "n1.wal")
	n, err := NewNode("n1", map[string]string{}, &recordingFSM{}, nil, walPath, fastTestTiming())
	require.NoError(t, err)
	n.electionTimer = time.NewTimer(time.Hour)

	n.mu.Lock()
	n.log = append(n.log,
		Entry{Term: 1, Index: 1, Kind: KindCommand, Command: []byte{1}},
		Entry{Term: 1, Index: 2, Kind: KindCommand, Command: []byte{2}},
		Entry{Term: 2, Index: 3, Kind: KindCommand, Command: []byte{3}},
	)
	n.currentTerm = 2
	n.mu.Unlock()

	// leader believes prevLogIndex=3 at term 3, which this follower's log
	// disagrees with (its index 3 is term 2): expect a conflict reply
	// naming the whole disagreeing term so the leader can skip it in one
	// round trip.
	reply := n.HandleAppendEntries(AppendEntriesArgs{
		Term:         3,
		LeaderID:     "leader",
		PrevLogIndex: 3,
		PrevLogTerm:  3,
		Entries:      nil,
		LeaderCommit: 0,
	})
	assert.False(t, reply.Success)
	assert.Equal(t, uint64(2), reply.ConflictTerm)
	assert.Equal(t, uint64(3), reply.ConflictIndex)

	// a corrected retry at the conflict index succeeds.
	reply2 := n.HandleAppendEntries(AppendEntriesArgs{
		Term:         3,
		LeaderID:     "leader",
		PrevLogIndex: 2,
		PrevLogTerm:  1,
		Entries:      []Entry{{Term: 3, Index: 3, Kind: KindCommand, Command: []byte{9}}},
		LeaderCommit: 0,
	})
	assert.True(t, reply2.Success)
}

// TestCompactAdvancesBaseIndexAndRetainsSnapshotBlob drives compact()
// directly, without waiting for snapshotThreshold entries to accumulate,
// and checks that the snapshot bytes the state machine produced survive
// in lastSnapshot instead of being discarded, and that the WAL on disk
// agrees with the in-memory baseIndex after a reopen.
func TestCompactAdvancesBaseIndexAndRetainsSnapshotBlob(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "n1.wal")
	fsm := &recordingFSM{}
	n, err := NewNode("n1", map[string]string{}, fsm, nil, walPath, fastTestTiming())
	require.NoError(t, err)

	n.mu.Lock()
	for i := uint64(1); i <= 5; i++ {
		n.log = append(n.log, Entry{Term: 1, Index: i, Kind: KindCommand, Command: []byte{byte(i)}})
	}
	n.currentTerm = 1
	n.lastApplied = 5
	n.commitIndex = 5
	n.mu.Unlock()

	n.compact()

	n.mu.Lock()
	baseIndex := n.baseIndex
	logLen := len(n.log)
	snapshot := n.lastSnapshot
	n.mu.Unlock()

	assert.Equal(t, uint64(5), baseIndex)
	assert.Equal(t, 1, logLen, "only the sentinel should remain once every entry is folded into the snapshot")
	assert.Equal(t, []byte("snap-5"), snapshot)

	reopened, entries, err := Open(walPath)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(5), reopened.BaseIndex())
	assert.Equal(t, uint64(1), reopened.LastIncludedTerm())
	assert.Empty(t, entries)
}

// TestReplicateToFallsBackToInstallSnapshotBelowBaseIndex puts a leader in
// the state compact() would leave it in (log trimmed to a sentinel past
// index 5, a retained snapshot blob) with a follower whose next_index has
// fallen to the very start of the log, and confirms replicateTo reaches
// for InstallSnapshot instead of building an AppendEntries that could
// never succeed.
func TestReplicateToFallsBackToInstallSnapshotBelowBaseIndex(t *testing.T) {
	trans := newRoutedTransport()

	leaderFSM := &recordingFSM{}
	leader, err := NewNode("n1", map[string]string{"n2": "n2"}, leaderFSM, trans,
		filepath.Join(t.TempDir(), "n1.wal"), fastTestTiming())
	require.NoError(t, err)
	trans.register("n1", leader)

	followerFSM := &recordingFSM{}
	follower, err := NewNode("n2", map[string]string{"n1": "n1"}, followerFSM, trans,
		filepath.Join(t.TempDir(), "n2.wal"), fastTestTiming())
	require.NoError(t, err)
	follower.electionTimer = time.NewTimer(time.Hour)
	trans.register("n2", follower)

	leader.mu.Lock()
	leader.role = roleLeader
	leader.currentTerm = 1
	leader.baseIndex = 5
	leader.log = []Entry{{Index: 5, Term: 1}}
	leader.lastSnapshot = []byte("snap-5")
	leader.commitIndex = 5
	leader.nextIndex["n2"] = 1
	leader.matchIndex["n2"] = 0
	leader.mu.Unlock()

	leader.replicateTo("n2", "n2", 1)

	assert.Equal(t, []string{"snap-5"}, followerFSM.restoredPayloads())

	follower.mu.Lock()
	assert.Equal(t, uint64(5), follower.baseIndex)
	follower.mu.Unlock()

	leader.mu.Lock()
	assert.Equal(t, uint64(5), leader.matchIndex["n2"])
	assert.Equal(t, uint64(6), leader.nextIndex["n2"])
	leader.mu.Unlock()
}
