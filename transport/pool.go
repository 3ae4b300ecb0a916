package transport

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"golang.org/x/sync/semaphore"

	"github.com/cellhost/substrate/cellsys/cerr"
	"github.com/cellhost/substrate/cellsys/clog"
	"github.com/cellhost/substrate/cellsys/housekeep"
)

// hrwSeed salts the tie-break digest so it doesn't collide with any other
// xxhash use in the process.
const hrwSeed = 0x63656c6c

// hrwPick selects among target's pooled connections by rendezvous hashing
// (highest random weight) rather than strict LIFO order: each connection's
// id is hashed against target, and the candidate with the highest weight
// wins. This spreads reuse across a target's idle connections instead of
// always handing back whichever was released most recently, which would
// otherwise let one connection in a multi-connection pool absorb most of
// the traffic while its siblings sit idle toward teardown.
func hrwPick(target string, conns []*Connection) int {
	targetDigest := xxhash.Checksum64S([]byte(target), hrwSeed)
	best := 0
	var bestWeight uint64
	for i, c := range conns {
		var idBuf [8]byte
		binary.LittleEndian.PutUint64(idBuf[:], c.id)
		weight := xxhash.Checksum64S(idBuf[:], hrwSeed) ^ targetDigest
		if i == 0 || weight > bestWeight {
			bestWeight = weight
			best = i
		}
	}
	return best
}

// Pool holds a bounded set of Connections per target, enforcing both a
// per-target ceiling (max_per_cell) and a process-wide ceiling (max_total)
// via a shared weighted semaphore, and retiring connections that have been
// idle past idle_teardown.
type Pool struct {
	dial         Dialer
	maxPerTarget int
	idleTeardown time.Duration

	global *semaphore.Weighted

	mu      sync.Mutex
	byTarget map[string][]*Connection
}

func NewPool(dial Dialer, maxPerTarget, maxTotal int, idleTeardown time.Duration) *Pool {
	p := &Pool{
		dial:         dial,
		maxPerTarget: maxPerTarget,
		idleTeardown: idleTeardown,
		global:       semaphore.NewWeighted(int64(maxTotal)),
		byTarget:     make(map[string][]*Connection),
	}
	housekeep.Reg("transport-pool"+housekeep.NameSuffix, p.reap, idleTeardown)
	return p
}

// Acquire returns a ready Connection to target, reusing a pooled one if
// available, otherwise dialing a new one under the global semaphore.
func (p *Pool) Acquire(ctx context.Context, target string) (*Connection, error) {
	if c, ok := p.takePooled(target); ok {
		poolInUse.WithLabelValues(target).Inc()
		return c, nil
	}
	if err := p.global.Acquire(ctx, 1); err != nil {
		return nil, cerr.Wrap(cerr.Timeout, err, "pool: acquiring global connection slot")
	}
	nc, session, err := p.dial(ctx)
	if err != nil {
		p.global.Release(1)
		poolDialsTotal.WithLabelValues(target, "failure").Inc()
		return nil, err
	}
	poolDialsTotal.WithLabelValues(target, "success").Inc()
	poolInUse.WithLabelValues(target).Inc()
	return newConnection(target, nc, session, 0), nil
}

// Release returns c to the pool for reuse, or closes it outright if the
// target's per-cell ceiling is already occupied or c is no longer usable.
func (p *Pool) Release(c *Connection) {
	poolInUse.WithLabelValues(c.target).Dec()
	if c.IsClosed() {
		p.global.Release(1)
		return
	}
	p.mu.Lock()
	conns := p.byTarget[c.target]
	if len(conns) >= p.maxPerTarget {
		p.mu.Unlock()
		c.Close()
		p.global.Release(1)
		return
	}
	p.byTarget[c.target] = append(conns, c)
	p.mu.Unlock()
}

func (p *Pool) takePooled(target string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.byTarget[target]
	for len(conns) > 0 {
		idx := hrwPick(target, conns)
		c := conns[idx]
		conns[idx] = conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		p.byTarget[target] = conns
		if !c.IsClosed() {
			return c, true
		}
		p.global.Release(1)
	}
	return nil, false
}

// reap closes pooled connections past idle_teardown and runs again on the
// same interval.
func (p *Pool) reap() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	for target, conns := range p.byTarget {
		kept := conns[:0]
		for _, c := range conns {
			if c.IdleFor() > p.idleTeardown {
				clog.Infof("transport: closing idle connection to %s (idle %s)", target, c.IdleFor())
				c.Close()
				p.global.Release(1)
				continue
			}
			kept = append(kept, c)
		}
		p.byTarget[target] = kept
	}
	return 0
}

// Close tears down every pooled connection. In-flight borrowed connections
// are unaffected; they close themselves on their next failed Fire.
func (p *Pool) Close() {
	housekeep.Unreg("transport-pool" + housekeep.NameSuffix)
	p.mu.Lock()
	defer p.mu.Unlock()
	for target, conns := range p.byTarget {
		for _, c := range conns {
			c.Close()
		}
		delete(p.byTarget, target)
	}
}
