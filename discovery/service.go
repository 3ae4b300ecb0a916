package discovery

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/cellhost/substrate/cellsys/clog"
	"github.com/cellhost/substrate/resolver"
)

// Peer is the process-wide view of one advertised cell: enough to resolve
// and dial it across the LAN.
type Peer struct {
	CellName  string
	Class     string
	Addr      string // "ip:port"
	PublicKey []byte
	IsDonor   bool
	Caps      Caps
}

// Identity is this node's own advertised state, refreshed onto the wire at
// every tick of the advertise interval.
type Identity struct {
	CellName   string
	Class      string
	ListenPort uint16
	PublicKey  []byte
	IsDonor    bool
	Caps       Caps
}

// Config tunes the advertise interval, jitter and TTL multiple; see
// cellsys/config's Discovery block for the process-wide defaults this is
// normally constructed from.
type Config struct {
	Group       string
	Port        int
	Interval    time.Duration
	Jitter      time.Duration
	TTLMultiple int
}

// Service emits this node's pheromone on a jittered interval and maintains
// the peer registry built from pheromones it receives, satisfying
// resolver.DiscoveryFinder for LAN fallback resolution.
type Service struct {
	cfg Config
	id  Identity

	conn *net.UDPConn
	addr *net.UDPAddr

	reg *registry

	watchMu sync.Mutex
	watchers []chan Peer

	stop chan struct{}
	wg   sync.WaitGroup
}

// New opens the multicast socket and prepares a Service; call Start to
// begin advertising and listening.
func New(cfg Config, id Identity) (*Service, error) {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", cfg.Group, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("discovery: resolving multicast group: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: joining multicast group %s: %w", addr, err)
	}
	conn.SetReadBuffer(1 << 20)
	if cfg.TTLMultiple <= 0 {
		cfg.TTLMultiple = 3
	}
	return &Service{
		cfg:  cfg,
		id:   id,
		conn: conn,
		addr: addr,
		reg:  newRegistry(),
		stop: make(chan struct{}),
	}, nil
}

// Start launches the advertise and receive loops; both stop when ctx is
// done or Close is called.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.advertiseLoop(ctx)
	go s.receiveLoop(ctx)
}

func (s *Service) ttl() time.Duration {
	return time.Duration(s.cfg.TTLMultiple) * s.cfg.Interval
}

func (s *Service) advertiseLoop(ctx context.Context) {
	defer s.wg.Done()
	ph := Pheromone{
		ListenPort: s.id.ListenPort,
		PublicKey:  s.id.PublicKey,
		CellName:   s.id.CellName,
		Class:      s.id.Class,
		Caps:       s.id.Caps,
	}
	if s.id.IsDonor {
		ph.Flags |= FlagDonor
	}
	packet := ph.encode()
	for {
		if _, err := s.conn.WriteToUDP(packet, s.addr); err != nil {
			clog.Warningf("discovery: sending pheromone: %v", err)
		}
		delay := s.cfg.Interval + jitter(s.cfg.Jitter)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	signed := rand.Int63n(int64(2*max)) - int64(max)
	return time.Duration(signed)
}

func (s *Service) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, src, err := s.conn.ReadFromUDP(buf)
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			clog.Warningf("discovery: reading pheromone: %v", err)
			continue
		}
		ph, err := decodePheromone(buf[:n])
		if err != nil {
			clog.Warningf("discovery: dropping malformed packet from %s: %v", src, err)
			continue
		}
		// multicast loopback hands this node its own pheromone back; a node
		// is never its own peer.
		if ph.CellName == s.id.CellName && bytes.Equal(ph.PublicKey, s.id.PublicKey) {
			continue
		}
		peer := Peer{
			CellName:  ph.CellName,
			Class:     ph.Class,
			Addr:      fmt.Sprintf("%s:%d", src.IP.String(), ph.ListenPort),
			PublicKey: ph.PublicKey,
			IsDonor:   ph.IsDonor(),
			Caps:      ph.Caps,
		}
		_, changed := s.reg.merge(peer, time.Now())
		peerCount.Set(float64(s.reg.size()))
		if changed {
			s.notify(peer)
		}
	}
}

func (s *Service) notify(p Peer) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- p:
		default:
			// watchers that fall behind miss intermediate peers; documented
			// as lossy backpressure, consistent with the other inbound
			// queues in this layer.
		}
	}
}

// All returns a snapshot of every peer advertised within the TTL window.
func (s *Service) All() []Peer {
	return s.reg.snapshot(time.Now(), s.ttl())
}

// FindPeer returns the first live peer advertising cellName.
func (s *Service) FindPeer(cellName string) (Peer, bool) {
	return s.reg.find(cellName, time.Now(), s.ttl())
}

// Find implements resolver.DiscoveryFinder.
func (s *Service) Find(name string) (resolver.Peer, bool) {
	p, ok := s.FindPeer(name)
	if !ok {
		return resolver.Peer{}, false
	}
	return resolver.Peer{CellName: p.CellName, Addr: p.Addr, PublicKey: p.PublicKey}, true
}

// Watch returns a channel of peers that are newly observed or whose
// advertised class, donor flag or capabilities changed; it is lazy (nothing
// is sent until such a pheromone is actually received) and non-restartable (closing and
// re-watching loses nothing already delivered, but does not replay past
// peers — callers that need the current membership should call All first).
func (s *Service) Watch() <-chan Peer {
	ch := make(chan Peer, 32)
	s.watchMu.Lock()
	s.watchers = append(s.watchers, ch)
	s.watchMu.Unlock()
	return ch
}

// Close stops the advertise/receive loops and closes the multicast socket.
func (s *Service) Close() error {
	close(s.stop)
	s.wg.Wait()
	s.watchMu.Lock()
	for _, ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
	s.watchMu.Unlock()
	return s.conn.Close()
}
