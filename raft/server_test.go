package raft

import (
	"path/filepath"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRPCRoundTrip(t *testing.T) {
	args := RequestVoteArgs{Term: 5, CandidateID: "n2", LastLogIndex: 3, LastLogTerm: 4}
	payload, err := encodeRPC(rpcRequestVote, args)
	require.NoError(t, err)

	kind, body, err := decodeRPC(payload)
	require.NoError(t, err)
	assert.Equal(t, rpcRequestVote, kind)

	var got RequestVoteArgs
	require.NoError(t, jsoniter.Unmarshal(body, &got))
	assert.Equal(t, args, got)
}

func TestDecodeRPCRejectsEmptyPayload(t *testing.T) {
	_, _, err := decodeRPC(nil)
	assert.Error(t, err)
}

func TestDispatchConsensusRoutesRequestVote(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "n1.wal")
	n, err := NewNode("n1", map[string]string{}, &recordingFSM{}, nil, walPath, fastTestTiming())
	require.NoError(t, err)
	n.electionTimer = time.NewTimer(time.Hour)

	args := RequestVoteArgs{Term: 1, CandidateID: "n2", LastLogIndex: 0, LastLogTerm: 0}
	payload, err := encodeRPC(rpcRequestVote, args)
	require.NoError(t, err)

	replyPayload, err := n.dispatchConsensus(payload, time.Now())
	require.NoError(t, err)

	var reply RequestVoteReply
	require.NoError(t, jsoniter.Unmarshal(replyPayload, &reply))
	assert.True(t, reply.VoteGranted)
	assert.Equal(t, uint64(1), reply.Term)
}

func TestDispatchConsensusRejectsUnknownOpcode(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "n1.wal")
	n, err := NewNode("n1", map[string]string{}, &recordingFSM{}, nil, walPath, fastTestTiming())
	require.NoError(t, err)
	n.electionTimer = time.NewTimer(time.Hour)

	_, err = n.dispatchConsensus([]byte{0xEE}, time.Now())
	assert.Error(t, err)
}
