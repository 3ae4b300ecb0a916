package resolver

import (
	"fmt"
	"os"
	"time"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/cellsys/cid"
	"github.com/cellhost/substrate/cellsys/clog"
)

// Kind tags how an Endpoint is reachable.
type Kind int

const (
	KindLocalSocket Kind = iota
	KindPipe
	KindNetwork
)

// Endpoint is the result of a successful Resolve: enough information for
// the transport layer to dial the target.
type Endpoint struct {
	Kind Kind

	// KindLocalSocket, KindPipe
	Path string

	// KindNetwork
	Addr      string
	PublicKey []byte
}

// Peer is the minimal view of a discovery peer record the resolver
// needs to resolve a name across the LAN; the discovery package's full
// Peer type satisfies this via an adapter at the wiring layer.
type Peer struct {
	CellName  string
	Addr      string
	PublicKey []byte
}

// DiscoveryFinder looks up the first known peer advertising name, mirroring
// discovery.find(name).
type DiscoveryFinder interface {
	Find(name string) (Peer, bool)
}

// Spawner asks the Hypervisor to bring a cell into existence on demand.
// Implemented by the hypervisor package and injected here to avoid an
// import cycle (hypervisor itself depends on resolver for the directory
// layout).
type Spawner interface {
	Spawn(cellName string, config []byte) (socketPath string, err error)
}

type Resolver struct {
	Root      string
	Discovery DiscoveryFinder // optional; nil disables LAN fallback
	Hv        Spawner         // optional; nil disables spawn-on-demand
}

func New(root string) *Resolver { return &Resolver{Root: root} }

// Resolve walks the fallback chain in order: local socket, then router
// descriptor, then LAN peer, then Hypervisor spawn-on-demand.
func (r *Resolver) Resolve(name string) (Endpoint, error) {
	if ep, ok := r.resolveLocalSocket(name); ok {
		return ep, nil
	}
	if ep, ok := r.resolveRouter(name); ok {
		return ep, nil
	}
	if ep, ok := r.resolveLAN(name); ok {
		return ep, nil
	}
	if r.Hv != nil {
		sockPath, err := r.Hv.Spawn(name, nil)
		if err != nil {
			return Endpoint{}, cerr.Wrap(cerr.ConnectionRefused, err, "spawn %q denied", name)
		}
		return Endpoint{Kind: KindLocalSocket, Path: sockPath}, nil
	}
	return Endpoint{}, cerr.New(cerr.ConnectionRefused, "no listener for %q and no spawner configured", name)
}

func (r *Resolver) resolveLocalSocket(name string) (Endpoint, bool) {
	path := SocketPath(r.Root, name)
	if _, err := os.Stat(path); err == nil {
		return Endpoint{Kind: KindLocalSocket, Path: path}, true
	}
	return Endpoint{}, false
}

func (r *Resolver) resolveRouter(name string) (Endpoint, bool) {
	cellID := cid.CellID(name)
	desc, ok, err := ReadDescriptor(r.Root, cellID)
	if err != nil {
		clog.Warningf("resolver: reading router descriptor for %q: %v", name, err)
		return Endpoint{}, false
	}
	if !ok {
		return Endpoint{}, false
	}
	pipePath := PipePath(r.Root, desc.PipeName)
	if _, err := os.Stat(pipePath); err != nil {
		return Endpoint{}, false
	}
	return Endpoint{Kind: KindPipe, Path: pipePath}, true
}

func (r *Resolver) resolveLAN(name string) (Endpoint, bool) {
	if r.Discovery == nil {
		return Endpoint{}, false
	}
	peer, ok := r.Discovery.Find(name)
	if !ok {
		return Endpoint{}, false
	}
	return Endpoint{Kind: KindNetwork, Addr: peer.Addr, PublicKey: peer.PublicKey}, true
}

// WaitSpawn polls resolveLocalSocket until the socket created by a
// concurrent Spawn becomes visible or the deadline elapses; used by callers
// that want to block on "first listener" without going through Resolve's
// own spawn path (e.g. a second caller racing the first Spawn).
func (r *Resolver) WaitSpawn(name string, deadline time.Time) (Endpoint, error) {
	for {
		if ep, ok := r.resolveLocalSocket(name); ok {
			return ep, nil
		}
		if time.Now().After(deadline) {
			return Endpoint{}, cerr.New(cerr.Timeout, "spawn of %q did not become visible in time", name)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (e Endpoint) String() string {
	switch e.Kind {
	case KindLocalSocket:
		return fmt.Sprintf("local-socket:%s", e.Path)
	case KindPipe:
		return fmt.Sprintf("pipe:%s", e.Path)
	case KindNetwork:
		return fmt.Sprintf("network:%s", e.Addr)
	default:
		return "unknown"
	}
}
