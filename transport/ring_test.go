//go:build linux

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRingBuf(capacity int) *ringBuf {
	return newRingBuf(make([]byte, ringHeaderSize+capacity))
}

func TestRingBufPushPopRoundTrip(t *testing.T) {
	r := newTestRingBuf(256)
	require.NoError(t, r.push([]byte("hello")))
	require.NoError(t, r.push([]byte("world")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := r.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = r.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)
}

func TestRingBufPushWrapsAroundCapacity(t *testing.T) {
	r := newTestRingBuf(32)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		payload := []byte{byte(i)}
		require.NoError(t, r.push(payload))
		got, err := r.pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestRingBufPushRejectsOversizedMessage(t *testing.T) {
	r := newTestRingBuf(8)
	err := r.push(make([]byte, 64))
	assert.Error(t, err)
}

func TestRingBufPushRejectsWhenFull(t *testing.T) {
	r := newTestRingBuf(16)
	require.NoError(t, r.push([]byte{1, 2, 3, 4, 5, 6, 7, 8})) // need=12, fits exactly within 16
	err := r.push([]byte{9, 10})                               // need=6, 12+6 > 16: genuinely full, not oversized
	assert.Error(t, err)
}

func TestRingBufPopReturnsErrorAfterClose(t *testing.T) {
	r := newTestRingBuf(32)
	r.close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := r.pop(ctx)
	assert.Error(t, err)
}

func TestRingBufPopHonorsContextCancellation(t *testing.T) {
	r := newTestRingBuf(32)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShmRingSendRecvAcrossPairedBuffers(t *testing.T) {
	aToB := newTestRingBuf(256)
	bToA := newTestRingBuf(256)
	sideA := &shmRing{tx: aToB, rx: bToA}
	sideB := &shmRing{tx: bToA, rx: aToB}

	require.NoError(t, sideA.send([]byte("ping")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, _, err := sideB.recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, sideB.send([]byte("pong")))
	got, _, err = sideA.recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)
}

func TestShmRingUnusableAfterClosedFlagSet(t *testing.T) {
	s := &shmRing{tx: newTestRingBuf(32), rx: newTestRingBuf(32)}
	assert.True(t, s.usable())
	s.closed.Store(true)
	assert.False(t, s.usable())
	assert.Error(t, s.send([]byte("x")))
}
