package discovery

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
)

// capsDigestSeed salts the capability digest so a collision with any other
// xxhash use in the process is vanishingly unlikely.
const capsDigestSeed = 0x70686572

// capsDigest hashes the part of a Peer that can change between
// advertisements without the peer itself being new: class, donor flag and
// capability block. Used as a cheap cache key to decide whether a repeated
// advertisement is actually worth notifying watchers about, rather than
// deep-comparing every field on every pheromone.
func capsDigest(p Peer) uint64 {
	b := make([]byte, len(p.Class)+1+4+8+1+4+2)
	off := copy(b, p.Class)
	if p.IsDonor {
		b[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(b[off:], p.Caps.Cores)
	off += 4
	binary.LittleEndian.PutUint64(b[off:], p.Caps.MemMB)
	off += 8
	b[off] = p.Caps.ISABits
	off++
	binary.LittleEndian.PutUint32(b[off:], math.Float32bits(p.Caps.LoadAvg))
	off += 4
	binary.LittleEndian.PutUint16(b[off:], uint16(p.Caps.TempC_x10))
	return xxhash.Checksum64S(b, capsDigestSeed)
}

// recordKey identifies one advertiser independent of which interface or
// address it was observed on: the pair (cell_name, node_id), with node_id
// taken as the advertised public key since the wire packet carries no
// separate node identifier.
type recordKey struct {
	cellName string
	nodeID   string
}

// record is one peer's latest known state plus the time it was last
// refreshed, used both for display and for TTL expiry. digest caches
// capsDigest(Peer) so repeated merges of an unchanged advertisement don't
// need to recompute it to answer "did anything but the timestamp change".
type record struct {
	Peer
	observedAt time.Time
	digest     uint64
}

// registry is a grow-only-set CRDT over recordKey: keys are never removed,
// only ever added or replaced by a newer observation of the same key, so
// merging two registries (e.g. after a restart replays stale pheromones)
// is commutative, associative and idempotent. TTL expiry is applied only
// at read time (snapshot/find), never by deleting an entry, preserving
// the grow-only invariant while still letting callers see a peer as "gone"
// once its advertisements stop.
type registry struct {
	mu      sync.RWMutex
	entries map[recordKey]record
}

func newRegistry() *registry {
	return &registry{entries: make(map[recordKey]record)}
}

// merge folds one observation into the registry. Last-writer-wins per key
// by observedAt, so a delayed or replayed packet never regresses a fresher
// observation; returns (isNew, changed): isNew is true the first time this
// key is seen, changed is true whenever the peer's class/donor/capability
// digest differs from what was last recorded — used by watch() to emit not
// only brand-new peers but also ones whose advertised state moved, without
// waking watchers for every identical repeat advertisement.
func (r *registry) merge(p Peer, observedAt time.Time) (isNew, changed bool) {
	key := recordKey{cellName: p.CellName, nodeID: string(p.PublicKey)}
	digest := capsDigest(p)
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.entries[key]
	if ok && !observedAt.After(existing.observedAt) {
		return false, false
	}
	r.entries[key] = record{Peer: p, observedAt: observedAt, digest: digest}
	if !ok {
		return true, true
	}
	return false, digest != existing.digest
}

// snapshot returns every entry whose last observation is within ttl of now.
func (r *registry) snapshot(now time.Time, ttl time.Duration) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.entries))
	for _, rec := range r.entries {
		if now.Sub(rec.observedAt) <= ttl {
			out = append(out, rec.Peer)
		}
	}
	return out
}

// size reports the total number of keys the registry holds, expired or
// not, for the discovery peer-count gauge.
func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// find returns the first live entry advertising cellName, if any.
func (r *registry) find(cellName string, now time.Time, ttl time.Duration) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.entries {
		if rec.CellName == cellName && now.Sub(rec.observedAt) <= ttl {
			return rec.Peer, true
		}
	}
	return Peer{}, false
}
