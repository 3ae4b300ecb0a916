package hypervisor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/cellsys/clog"
	"github.com/cellhost/substrate/resolver"
)

// procEntry tracks one spawned cell's process and socket path, so the
// supervisor can remove the socket on exit. Router descriptors are not
// tracked here; supervise finds them by a scan of the routers directory.
type procEntry struct {
	cellName   string
	cmd        *os.Process
	socketPath string
	exited     chan struct{} // closed by supervise once cmd.Wait returns
}

// spawnWaiter lets concurrent Spawn callers for the same cell_name wait on
// a single in-flight spawn instead of racing to create the socket twice:
// the first caller runs the spawn and closes done with its own result
// recorded; every other caller blocks on done and reuses that result.
type spawnWaiter struct {
	configHash string
	done       chan struct{}
	reply      SpawnReply
}

// Hypervisor is the Mitosis lifecycle service: one instance per node,
// listening on resolver.MitosisSocketPath and implementing
// resolver.Spawner for in-process callers that want spawn-on-demand
// without going through the socket.
type Hypervisor struct {
	root    string
	runtime RuntimePolicy

	mu       sync.Mutex
	procs    map[string]*procEntry
	spawning map[string]*spawnWaiter

	hbMu sync.Mutex
	hb   map[string]time.Time

	killGrace time.Duration
}

func New(root string, runtime RuntimePolicy) *Hypervisor {
	return &Hypervisor{
		root:      root,
		runtime:   runtime,
		procs:     make(map[string]*procEntry),
		spawning:  make(map[string]*spawnWaiter),
		hb:        make(map[string]time.Time),
		killGrace: 5 * time.Second,
	}
}

// Spawn implements resolver.Spawner: on-demand creation of cellName,
// returning its freshly bound socket path.
func (h *Hypervisor) Spawn(cellName string, config []byte) (string, error) {
	reply := h.handleSpawn(SpawnRequest{CellName: cellName, Config: config})
	if !reply.Ok {
		return "", cerr.New(cerr.ConnectionRefused, "spawn %q denied: %s", cellName, reply.Denied)
	}
	return reply.SocketPath, nil
}

func (h *Hypervisor) handleSpawn(req SpawnRequest) SpawnReply {
	sockPath := resolver.SocketPath(h.root, req.CellName)

	if pid, alive := h.existingListener(req.CellName, sockPath); alive {
		clog.Infof("hypervisor: %q already running (pid %d)", req.CellName, pid)
		return SpawnReply{Ok: true, SocketPath: sockPath}
	}

	hash := configHash(req.Config)

	h.mu.Lock()
	if w, ok := h.spawning[req.CellName]; ok {
		if w.configHash != hash {
			h.mu.Unlock()
			return SpawnReply{Denied: "duplicate spawn in progress for an incompatible config"}
		}
		h.mu.Unlock()
		<-w.done
		return w.reply
	}
	w := &spawnWaiter{configHash: hash, done: make(chan struct{})}
	h.spawning[req.CellName] = w
	h.mu.Unlock()

	reply := h.doSpawn(req, sockPath)
	w.reply = reply

	h.mu.Lock()
	delete(h.spawning, req.CellName)
	h.mu.Unlock()
	close(w.done)

	return reply
}

// existingListener reports whether cellName's socket file exists and its
// owning process is still tracked and alive.
func (h *Hypervisor) existingListener(cellName, sockPath string) (int, bool) {
	if _, err := os.Stat(sockPath); err != nil {
		return 0, false
	}
	h.mu.Lock()
	entry, ok := h.procs[cellName]
	h.mu.Unlock()
	if !ok || entry.cmd == nil {
		return 0, false
	}
	if err := entry.cmd.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return entry.cmd.Pid, true
}

// doSpawn binds the listener, hands it to the child via an inherited file
// descriptor, and registers a supervisor goroutine to clean up on exit.
func (h *Hypervisor) doSpawn(req SpawnRequest, sockPath string) SpawnReply {
	if err := resolver.EnsureDirs(h.root); err != nil {
		return SpawnReply{Denied: fmt.Sprintf("resolver directory: %v", err)}
	}
	os.Remove(sockPath) // stale socket file from a crashed prior instance

	nl, err := net.Listen("unix", sockPath)
	if err != nil {
		return SpawnReply{Denied: fmt.Sprintf("bind conflict: %v", err)}
	}
	ul := nl.(*net.UnixListener)
	lf, err := ul.File()
	if err != nil {
		nl.Close()
		os.Remove(sockPath)
		return SpawnReply{Denied: fmt.Sprintf("listener fd: %v", err)}
	}
	// the dup'd fd in lf survives nl.Close(); the child inherits it as FD 3.
	// Closing must not unlink the socket file the child goes on serving.
	ul.SetUnlinkOnClose(false)
	nl.Close()

	cmd, err := h.runtime.Command(req.CellName, req.Config, lf)
	if err != nil {
		lf.Close()
		os.Remove(sockPath)
		reason := err.Error()
		if err == ErrUnknownBinary {
			reason = "unknown binary"
		}
		return SpawnReply{Denied: reason}
	}
	if err := cmd.Start(); err != nil {
		lf.Close()
		os.Remove(sockPath)
		return SpawnReply{Denied: fmt.Sprintf("spawn failed: %v", err)}
	}
	lf.Close() // the child now owns its own copy

	entry := &procEntry{cellName: req.CellName, cmd: cmd.Process, socketPath: sockPath, exited: make(chan struct{})}
	h.mu.Lock()
	h.procs[req.CellName] = entry
	h.mu.Unlock()

	go h.supervise(entry, cmd)

	clog.Infof("hypervisor: spawned %q (pid %d) at %s", req.CellName, cmd.Process.Pid, sockPath)
	return SpawnReply{Ok: true, SocketPath: sockPath}
}

// supervise waits for a spawned cell to exit and removes its socket file
// and any router descriptors that pointed at it.
func (h *Hypervisor) supervise(entry *procEntry, cmd *exec.Cmd) {
	state, err := cmd.Process.Wait()
	close(entry.exited)
	h.mu.Lock()
	delete(h.procs, entry.cellName)
	h.mu.Unlock()

	h.hbMu.Lock()
	delete(h.hb, entry.cellName)
	h.hbMu.Unlock()

	if err != nil {
		clog.Warningf("hypervisor: waiting on %q: %v", entry.cellName, err)
	} else {
		clog.Infof("hypervisor: %q exited: %s", entry.cellName, state)
	}
	os.Remove(entry.socketPath)
	if err := resolver.RemoveDescriptorsForSocket(h.root, entry.cellName); err != nil {
		clog.Warningf("hypervisor: cleaning router descriptors for %q: %v", entry.cellName, err)
	}
}

func (h *Hypervisor) handleKill(req KillRequest) KillReply {
	h.mu.Lock()
	entry, ok := h.procs[req.CellName]
	h.mu.Unlock()
	if !ok {
		return KillReply{Ok: false}
	}
	entry.cmd.Signal(syscall.SIGTERM)
	select {
	case <-entry.exited:
	case <-time.After(h.killGrace):
		entry.cmd.Signal(syscall.SIGKILL)
		<-entry.exited
	}
	return KillReply{Ok: true}
}

func (h *Hypervisor) handleStatus(req StatusRequest) StatusReply {
	h.mu.Lock()
	entry, ok := h.procs[req.CellName]
	h.mu.Unlock()
	if !ok {
		return StatusReply{State: StateUnknown}
	}
	if err := entry.cmd.Signal(syscall.Signal(0)); err != nil {
		return StatusReply{State: StateStopped}
	}
	h.hbMu.Lock()
	last, hasHB := h.hb[req.CellName]
	h.hbMu.Unlock()
	// PID liveness alone can be stale under heavy scheduling delay; a
	// recent heartbeat is the stronger signal when both are available.
	if hasHB && time.Since(last) > 15*time.Second {
		return StatusReply{State: StateUnknown}
	}
	return StatusReply{State: StateRunning}
}

func (h *Hypervisor) handleHeartbeat(req HeartbeatRequest) HeartbeatReply {
	h.hbMu.Lock()
	h.hb[req.CellName] = time.Now()
	h.hbMu.Unlock()
	return HeartbeatReply{Ok: true}
}

// configHash distinguishes spawn requests for the same cell_name with
// different configs, so an in-flight spawn for one config never silently
// satisfies a caller asking for another.
func configHash(config []byte) string {
	return fmt.Sprintf("%x", config)
}
