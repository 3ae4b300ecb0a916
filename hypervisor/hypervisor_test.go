package hypervisor

import (
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// blockingRuntime is a RuntimePolicy test double whose Command call blocks
// on release, so a test can hold a spawn in flight long enough to observe
// handleSpawn's dedup behavior against a second, concurrent caller.
type blockingRuntime struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingRuntime) Command(cellName string, config []byte, listener *os.File) (*exec.Cmd, error) {
	b.calls.Add(1)
	<-b.release
	cmd := exec.Command("true")
	cmd.ExtraFiles = []*os.File{listener}
	return cmd, nil
}

func TestHandleSpawnDedupesInFlightRequests(t *testing.T) {
	root := t.TempDir()
	rt := &blockingRuntime{release: make(chan struct{})}
	h := New(root, rt)

	var wg sync.WaitGroup
	replies := make([]SpawnReply, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		replies[0] = h.handleSpawn(SpawnRequest{CellName: "worker", Config: []byte("cfg")})
	}()
	time.Sleep(50 * time.Millisecond) // let the first call register itself as in-flight
	go func() {
		defer wg.Done()
		replies[1] = h.handleSpawn(SpawnRequest{CellName: "worker", Config: []byte("cfg")})
	}()
	time.Sleep(50 * time.Millisecond)
	close(rt.release)
	wg.Wait()

	assert.True(t, replies[0].Ok)
	assert.Equal(t, replies[0], replies[1])
	assert.Equal(t, int32(1), rt.calls.Load())
}

func TestHandleSpawnRejectsConflictingInFlightConfig(t *testing.T) {
	root := t.TempDir()
	rt := &blockingRuntime{release: make(chan struct{})}
	h := New(root, rt)

	done := make(chan SpawnReply, 1)
	go func() { done <- h.handleSpawn(SpawnRequest{CellName: "worker", Config: []byte("cfg-a")}) }()
	time.Sleep(50 * time.Millisecond)

	reply := h.handleSpawn(SpawnRequest{CellName: "worker", Config: []byte("cfg-b")})
	assert.False(t, reply.Ok)
	assert.NotEmpty(t, reply.Denied)

	close(rt.release)
	<-done
}

func TestHandleStatusUnknownForUntrackedCell(t *testing.T) {
	h := New(t.TempDir(), &blockingRuntime{release: make(chan struct{})})
	reply := h.handleStatus(StatusRequest{CellName: "ghost"})
	assert.Equal(t, StateUnknown, reply.State)
}

func TestHandleKillUnknownForUntrackedCell(t *testing.T) {
	h := New(t.TempDir(), &blockingRuntime{release: make(chan struct{})})
	reply := h.handleKill(KillRequest{CellName: "ghost"})
	assert.False(t, reply.Ok)
}

func TestHandleHeartbeatAlwaysOk(t *testing.T) {
	h := New(t.TempDir(), &blockingRuntime{release: make(chan struct{})})
	reply := h.handleHeartbeat(HeartbeatRequest{CellName: "worker"})
	assert.True(t, reply.Ok)
}
