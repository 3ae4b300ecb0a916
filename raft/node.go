/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package raft

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cellhost/substrate/cellsys/clog"
)

// snapshotThreshold triggers compaction once the in-memory log reaches
// this many entries; the retained suffix keeps the most recent half.
const snapshotThreshold = 10000

var (
	// ErrNotLeader is returned by Start/ProposeConfig when this node is
	// not currently the leader.
	ErrNotLeader = errors.New("raft: not leader")
	// ErrMembershipInFlight is returned by ProposeConfig while a previous
	// membership change has not yet committed.
	ErrMembershipInFlight = errors.New("raft: membership change already in flight")
)

// Peer is one other member of the cluster this node replicates to.
type Peer struct {
	ID   string
	Addr string
}

// Node is one participant in the replicated log: it owns a WAL, a
// StateMachine and the Follower/Candidate/Leader role transitions,
// driving RPCs through an injected Transport.
type Node struct {
	mu sync.Mutex

	id      string
	peers   map[string]string // id -> addr, mutates under mu on ConfigDelta
	fsm     StateMachine
	wal     *WAL
	trans   Transport
	timing  Timing

	role        role
	currentTerm uint64
	votedFor    string

	// log is an in-memory mirror of the WAL's entries. Slice position and
	// real Raft index coincide only while baseIndex is 0: position i holds
	// the entry at real index baseIndex+i, and position 0 is a sentinel
	// carrying the index/term of the last entry folded into a snapshot
	// (zero-valued until the first compaction). Use posOf to translate.
	log       []Entry
	baseIndex uint64

	// lastSnapshot is the most recent blob compact() obtained from the
	// state machine, kept around so a leader whose followers fall behind
	// baseIndex has something to hand InstallSnapshot.
	lastSnapshot []byte

	commitIndex uint64
	lastApplied uint64
	nextIndex   map[string]uint64
	matchIndex  map[string]uint64

	// proposedAt records when this node locally appended a command entry,
	// keyed by log index, so advanceCommitIndex can observe how long it
	// took to commit. Entries are removed once observed; config entries
	// are never added, since commit latency is only interesting for the
	// client-facing command path.
	proposedAt map[uint64]time.Time

	membershipInFlight bool

	electionTimer  *time.Timer
	heartbeatTimer *time.Timer

	applyCond *sync.Cond
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewNode opens walPath, replays it into fsm's predecessor state (callers
// restore a snapshot first if one exists) and returns a Node parked in
// Follower role; call Run to start its timers and goroutines.
func NewNode(id string, peers map[string]string, fsm StateMachine, trans Transport, walPath string, timing Timing) (*Node, error) {
	wal, entries, err := Open(walPath)
	if err != nil {
		return nil, err
	}
	n := &Node{
		id:         id,
		peers:      peers,
		fsm:        fsm,
		wal:        wal,
		trans:      trans,
		timing:     timing,
		role:       roleFollower,
		votedFor:   "",
		log:        append([]Entry{{Index: wal.BaseIndex(), Term: wal.LastIncludedTerm()}}, entries...),
		baseIndex:  wal.BaseIndex(),
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		proposedAt: make(map[uint64]time.Time),
		stopCh:     make(chan struct{}),
	}
	n.applyCond = sync.NewCond(&n.mu)
	return n, nil
}

func (n *Node) Run() {
	n.mu.Lock()
	n.electionTimer = time.NewTimer(n.randomizedElectionTimeout())
	n.heartbeatTimer = time.NewTimer(n.timing.HeartbeatInterval)
	n.mu.Unlock()
	go n.ticker()
	go n.applier()
}

func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.mu.Lock()
		n.applyCond.Broadcast()
		n.mu.Unlock()
	})
}

func (n *Node) randomizedElectionTimeout() time.Duration {
	span := n.timing.ElectionTimeoutMax - n.timing.ElectionTimeoutMin
	if span <= 0 {
		return n.timing.ElectionTimeoutMin
	}
	return n.timing.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

func (n *Node) lastLogIndex() uint64 { return n.baseIndex + uint64(len(n.log)-1) }

func (n *Node) lastLogTerm() uint64 {
	if len(n.log) == 0 {
		return 0
	}
	return n.log[len(n.log)-1].Term
}

// posOf translates a real Raft index into its position in n.log, the
// inverse of baseIndex+position. It reports false for any index already
// folded into a snapshot (index < baseIndex) or not yet replicated
// locally (index beyond the end of n.log).
func (n *Node) posOf(index uint64) (int, bool) {
	if index < n.baseIndex {
		return 0, false
	}
	pos := index - n.baseIndex
	if pos >= uint64(len(n.log)) {
		return 0, false
	}
	return int(pos), true
}

func (n *Node) ticker() {
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.electionTimer.C:
			n.mu.Lock()
			n.electionTimer.Reset(n.randomizedElectionTimeout())
			if n.role != roleLeader {
				n.startElection()
			}
			n.mu.Unlock()
		case <-n.heartbeatTimer.C:
			n.mu.Lock()
			n.heartbeatTimer.Reset(n.timing.HeartbeatInterval)
			if n.role == roleLeader {
				go n.broadcastAppend()
			}
			n.mu.Unlock()
		}
	}
}

// startElection transitions to Candidate, votes for itself, and solicits
// votes from every peer in parallel. Caller holds n.mu.
func (n *Node) startElection() {
	n.role = roleCandidate
	n.currentTerm++
	n.votedFor = n.id
	term := n.currentTerm
	args := RequestVoteArgs{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: n.lastLogIndex(),
		LastLogTerm:  n.lastLogTerm(),
	}
	clog.Infof("raft: %s starting election for term %d", n.id, term)

	votes := 1
	need := (len(n.peers)+1)/2 + 1
	var once sync.Once
	for peerID, addr := range n.peers {
		go func(peerID, addr string) {
			reply, err := n.trans.RequestVote(addr, args)
			if err != nil {
				return
			}
			n.mu.Lock()
			defer n.mu.Unlock()
			if reply.Term > n.currentTerm {
				n.becomeFollower(reply.Term)
				return
			}
			if n.role != roleCandidate || n.currentTerm != term || !reply.VoteGranted {
				return
			}
			votes++
			if votes >= need {
				once.Do(func() { n.becomeLeader() })
			}
		}(peerID, addr)
	}
}

// becomeFollower steps down on observing a higher term. Caller holds n.mu.
func (n *Node) becomeFollower(term uint64) {
	n.role = roleFollower
	n.currentTerm = term
	n.votedFor = ""
}

// becomeLeader transitions Candidate -> Leader, initializing per-peer
// replication progress to optimistic values. Caller holds n.mu.
func (n *Node) becomeLeader() {
	if n.role != roleCandidate {
		return
	}
	n.role = roleLeader
	clog.Infof("raft: %s became leader for term %d", n.id, n.currentTerm)
	for peerID := range n.peers {
		n.nextIndex[peerID] = n.lastLogIndex() + 1
		n.matchIndex[peerID] = 0
	}
	go n.broadcastAppend()
}

// Start appends command to the log if this node is currently leader,
// returning the index it was assigned.
func (n *Node) Start(command []byte) (index uint64, term uint64, isLeader bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != roleLeader {
		return 0, 0, false
	}
	e := Entry{Term: n.currentTerm, Index: n.lastLogIndex() + 1, Kind: KindCommand, Command: command}
	n.appendLocal(e)
	n.proposedAt[e.Index] = time.Now()
	go n.broadcastAppend()
	return e.Index, e.Term, true
}

// ProposeConfig appends a single membership-change entry; it is rejected
// while a previous membership change has not yet committed, since only one
// may be in flight at a time. It returns the
// change's correlation ID so the caller can recognize its own entry once
// the state machine applies it, since ProposeConfig itself returns before
// the change commits.
func (n *Node) ProposeConfig(delta ConfigDelta) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != roleLeader {
		return "", ErrNotLeader
	}
	if n.membershipInFlight {
		return "", ErrMembershipInFlight
	}
	if delta.CorrelationID == "" {
		delta.CorrelationID = uuid.NewString()
	}
	e := Entry{Term: n.currentTerm, Index: n.lastLogIndex() + 1, Kind: KindConfig, Config: delta}
	n.appendLocal(e)
	n.applyConfigLocally(delta)
	n.membershipInFlight = true
	go n.broadcastAppend()
	return delta.CorrelationID, nil
}

// applyConfigLocally takes effect immediately at append time, on leader
// and follower alike, not gated on commit.
func (n *Node) applyConfigLocally(delta ConfigDelta) {
	switch delta.Op {
	case ConfigAdd:
		n.peers[delta.PeerID] = delta.Addr
		if _, ok := n.nextIndex[delta.PeerID]; !ok {
			n.nextIndex[delta.PeerID] = n.lastLogIndex() + 1
		}
	case ConfigRemove:
		delete(n.peers, delta.PeerID)
		delete(n.nextIndex, delta.PeerID)
		delete(n.matchIndex, delta.PeerID)
	}
}

// appendLocal appends e to the in-memory log and the WAL. Caller holds n.mu.
func (n *Node) appendLocal(e Entry) {
	n.log = append(n.log, e)
	if err := n.wal.Append(e); err != nil {
		clog.Warningf("raft: %s: WAL append failed: %v", n.id, err)
	}
	if len(n.log) >= snapshotThreshold {
		go n.compact()
	}
}

func (n *Node) broadcastAppend() {
	n.mu.Lock()
	if n.role != roleLeader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	peers := make(map[string]string, len(n.peers))
	for id, addr := range n.peers {
		peers[id] = addr
	}
	n.mu.Unlock()

	for peerID, addr := range peers {
		go n.replicateTo(peerID, addr, term)
	}
}

func (n *Node) replicateTo(peerID, addr string, term uint64) {
	n.mu.Lock()
	if n.role != roleLeader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peerID]
	if next <= n.baseIndex {
		// the entries this follower needs have already been folded into
		// our own snapshot; AppendEntries can no longer reach it.
		n.mu.Unlock()
		n.sendInstallSnapshot(peerID, addr, term)
		return
	}
	prevIndex := next - 1
	var prevTerm uint64
	if pos, ok := n.posOf(prevIndex); ok {
		prevTerm = n.log[pos].Term
	}
	var entries []Entry
	if pos, ok := n.posOf(next); ok {
		entries = append(entries, n.log[pos:]...)
	}
	args := AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	reply, err := n.trans.AppendEntries(addr, args)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.currentTerm {
		n.becomeFollower(reply.Term)
		return
	}
	if n.role != roleLeader || n.currentTerm != term {
		return
	}
	if reply.Success {
		n.matchIndex[peerID] = prevIndex + uint64(len(entries))
		n.nextIndex[peerID] = n.matchIndex[peerID] + 1
		n.advanceCommitIndex()
		return
	}
	// backtrack using the follower's conflict hint to skip the whole
	// conflicting term in one round trip instead of one entry at a time
	if reply.ConflictTerm == 0 {
		n.nextIndex[peerID] = reply.ConflictIndex
	} else {
		idx := n.lastIndexOfTerm(reply.ConflictTerm)
		if idx > 0 {
			n.nextIndex[peerID] = idx + 1
		} else {
			n.nextIndex[peerID] = reply.ConflictIndex
		}
	}
}

func (n *Node) lastIndexOfTerm(term uint64) uint64 {
	for i := len(n.log) - 1; i > 0; i-- {
		if n.log[i].Term == term {
			return n.baseIndex + uint64(i)
		}
	}
	return 0
}

// sendInstallSnapshot is the leader-side counterpart to HandleInstallSnapshot,
// used in place of AppendEntries once a follower's next_index has fallen at
// or below our own retained log start. Caller must not hold n.mu.
func (n *Node) sendInstallSnapshot(peerID, addr string, term uint64) {
	n.mu.Lock()
	if n.role != roleLeader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	args := InstallSnapshotArgs{
		Term:              term,
		LeaderID:          n.id,
		LastIncludedIndex: n.baseIndex,
		LastIncludedTerm:  n.log[0].Term,
		Data:              n.lastSnapshot,
	}
	n.mu.Unlock()

	reply, err := n.trans.InstallSnapshot(addr, args)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.currentTerm {
		n.becomeFollower(reply.Term)
		return
	}
	if n.role != roleLeader || n.currentTerm != term {
		return
	}
	if args.LastIncludedIndex > n.matchIndex[peerID] {
		n.matchIndex[peerID] = args.LastIncludedIndex
	}
	n.nextIndex[peerID] = args.LastIncludedIndex + 1
	n.advanceCommitIndex()
}

// advanceCommitIndex applies the leader commit rule: advance to the
// highest N with a majority match_index[] >= N and log[N].term ==
// current_term. Caller holds n.mu.
func (n *Node) advanceCommitIndex() {
	for nIdx := n.lastLogIndex(); nIdx > n.commitIndex; nIdx-- {
		pos, ok := n.posOf(nIdx)
		if !ok || n.log[pos].Term != n.currentTerm {
			continue
		}
		count := 1 // self
		for peerID := range n.peers {
			if n.matchIndex[peerID] >= nIdx {
				count++
			}
		}
		if count >= (len(n.peers)+1)/2+1 {
			n.observeCommitLatency(n.commitIndex+1, nIdx)
			for i := n.commitIndex + 1; n.membershipInFlight && i <= nIdx; i++ {
				if p, ok := n.posOf(i); ok && n.log[p].Kind == KindConfig {
					n.membershipInFlight = false
				}
			}
			n.commitIndex = nIdx
			n.applyCond.Broadcast()
			return
		}
	}
}

// observeCommitLatency reports elapsed time since local append for every
// index in [lo, hi] this node itself proposed, then forgets them. Caller
// holds n.mu.
func (n *Node) observeCommitLatency(lo, hi uint64) {
	now := time.Now()
	for i := lo; i <= hi; i++ {
		t, ok := n.proposedAt[i]
		if !ok {
			continue
		}
		commitLatency.Observe(now.Sub(t).Seconds())
		delete(n.proposedAt, i)
	}
}

// HandleRequestVote implements the candidate-solicits-votes RPC.
func (n *Node) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.becomeFollower(args.Term)
	}
	if args.Term < n.currentTerm {
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
	}
	upToDate := args.LastLogTerm > n.lastLogTerm() ||
		(args.LastLogTerm == n.lastLogTerm() && args.LastLogIndex >= n.lastLogIndex())
	if (n.votedFor == "" || n.votedFor == args.CandidateID) && upToDate {
		n.votedFor = args.CandidateID
		n.electionTimer.Reset(n.randomizedElectionTimeout())
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: true}
	}
	return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
}

// HandleAppendEntries implements both the heartbeat and log-replication
// RPC, with conflict_index/conflict_term populated on failure so the
// leader can back off a whole term in one step.
func (n *Node) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return AppendEntriesReply{Term: n.currentTerm, Success: false}
	}
	if args.Term > n.currentTerm || n.role == roleCandidate {
		n.becomeFollower(args.Term)
	}
	n.electionTimer.Reset(n.randomizedElectionTimeout())

	if args.PrevLogIndex < n.baseIndex {
		// the leader's reference point predates what we've already folded
		// into our own snapshot; only the portion of entries past our
		// baseIndex still matters.
		skip := n.baseIndex - args.PrevLogIndex
		if skip > uint64(len(args.Entries)) {
			skip = uint64(len(args.Entries))
		}
		args.Entries = args.Entries[skip:]
		args.PrevLogIndex = n.baseIndex
		args.PrevLogTerm = n.log[0].Term
	}

	prevPos, ok := n.posOf(args.PrevLogIndex)
	if !ok {
		return AppendEntriesReply{
			Term:          n.currentTerm,
			Success:       false,
			ConflictIndex: n.lastLogIndex() + 1,
			ConflictTerm:  0,
		}
	}
	if args.PrevLogIndex > n.baseIndex && n.log[prevPos].Term != args.PrevLogTerm {
		conflictTerm := n.log[prevPos].Term
		idx := prevPos
		for idx > 0 && n.log[idx].Term == conflictTerm {
			idx--
		}
		return AppendEntriesReply{
			Term:          n.currentTerm,
			Success:       false,
			ConflictIndex: n.baseIndex + uint64(idx) + 1,
			ConflictTerm:  conflictTerm,
		}
	}

	for i, e := range args.Entries {
		index := args.PrevLogIndex + 1 + uint64(i)
		if pos, ok := n.posOf(index); ok {
			if n.log[pos].Term == e.Term {
				continue
			}
			n.log = n.log[:pos]
		}
		n.log = append(n.log, e)
		if err := n.wal.Append(e); err != nil {
			clog.Warningf("raft: %s: WAL append failed: %v", n.id, err)
		}
		if e.Kind == KindConfig {
			n.applyConfigLocally(e.Config)
		}
	}

	if args.LeaderCommit > n.commitIndex {
		lastNew := args.PrevLogIndex + uint64(len(args.Entries))
		if args.LeaderCommit < lastNew {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = lastNew
		}
		n.applyCond.Broadcast()
	}

	return AppendEntriesReply{Term: n.currentTerm, Success: true}
}

// HandleInstallSnapshot replaces this node's state wholesale when its
// next_index has fallen behind the leader's retained log start.
func (n *Node) HandleInstallSnapshot(args InstallSnapshotArgs) InstallSnapshotReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return InstallSnapshotReply{Term: n.currentTerm}
	}
	if args.Term > n.currentTerm {
		n.becomeFollower(args.Term)
	}
	n.electionTimer.Reset(n.randomizedElectionTimeout())

	if args.LastIncludedIndex <= n.baseIndex {
		// stale: we've already folded at least this far into our own
		// snapshot, so there's nothing for this InstallSnapshot to do.
		return InstallSnapshotReply{Term: n.currentTerm}
	}

	if err := n.fsm.Restore(args.LastIncludedIndex, args.LastIncludedTerm, args.Data); err != nil {
		clog.Warningf("raft: %s: restoring snapshot: %v", n.id, err)
		return InstallSnapshotReply{Term: n.currentTerm}
	}

	var tail []Entry
	if pos, ok := n.posOf(args.LastIncludedIndex); ok && n.log[pos].Term == args.LastIncludedTerm {
		tail = append([]Entry(nil), n.log[pos+1:]...)
	}
	n.log = append([]Entry{{Index: args.LastIncludedIndex, Term: args.LastIncludedTerm}}, tail...)
	if err := n.wal.Compact(tail, args.LastIncludedIndex, args.LastIncludedTerm); err != nil {
		clog.Warningf("raft: %s: WAL compaction after InstallSnapshot: %v", n.id, err)
	}
	n.baseIndex = args.LastIncludedIndex
	n.lastSnapshot = args.Data
	n.commitIndex = args.LastIncludedIndex
	n.lastApplied = args.LastIncludedIndex

	return InstallSnapshotReply{Term: n.currentTerm}
}

// applier pushes committed entries into the state machine exactly once
// each, running independently of request handling so a slow Apply never
// blocks RPC processing.
func (n *Node) applier() {
	for {
		n.mu.Lock()
		for n.lastApplied >= n.commitIndex {
			n.applyCond.Wait()
			select {
			case <-n.stopCh:
				n.mu.Unlock()
				return
			default:
			}
		}
		lo, hi := n.lastApplied+1, n.commitIndex
		loPos, loOK := n.posOf(lo)
		hiPos, hiOK := n.posOf(hi)
		if !loOK || !hiOK {
			// the range [lo, hi] has already been folded into a snapshot
			// we installed wholesale; there is nothing left in n.log to
			// replay for it.
			n.lastApplied = hi
			n.mu.Unlock()
			continue
		}
		entries := append([]Entry(nil), n.log[loPos:hiPos+1]...)
		n.mu.Unlock()

		for _, e := range entries {
			if err := n.fsm.Apply(e); err != nil {
				clog.Warningf("raft: %s: applying index %d: %v", n.id, e.Index, err)
			}
		}

		n.mu.Lock()
		if hi > n.lastApplied {
			n.lastApplied = hi
		}
		n.mu.Unlock()
	}
}

// compact asks the state machine for a snapshot up to the current
// applied index and trims the log/WAL to the retained suffix, keeping
// the most recent half of snapshotThreshold entries.
func (n *Node) compact() {
	n.mu.Lock()
	appliedIdx := n.lastApplied
	if appliedIdx == 0 || appliedIdx <= n.baseIndex {
		n.mu.Unlock()
		return
	}
	if _, ok := n.posOf(appliedIdx); !ok {
		n.mu.Unlock()
		return
	}
	keepFrom := appliedIdx
	if retained := uint64(snapshotThreshold / 2); n.baseIndex+retained < appliedIdx {
		if candidate := n.lastLogIndex() - retained; candidate < keepFrom {
			keepFrom = candidate
		}
	}
	n.mu.Unlock()

	data, err := n.fsm.Snapshot(appliedIdx)
	if err != nil {
		clog.Warningf("raft: %s: snapshotting at %d: %v", n.id, appliedIdx, err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	keepFromPos, ok := n.posOf(keepFrom)
	if !ok {
		return
	}
	keepFromTerm := n.log[keepFromPos].Term
	tail := append([]Entry(nil), n.log[keepFromPos+1:]...)
	n.log = append([]Entry{{Index: keepFrom, Term: keepFromTerm}}, tail...)
	if err := n.wal.Compact(tail, keepFrom, keepFromTerm); err != nil {
		clog.Warningf("raft: %s: WAL compaction: %v", n.id, err)
		return
	}
	n.baseIndex = keepFrom
	n.lastSnapshot = data
}
