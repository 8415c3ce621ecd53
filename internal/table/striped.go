// Package table implements the per-PS sharded table store: DenseTable,
// SparseTable and the lock-striped concurrent map backing sparse tables.
package table

import "sync"

// DefaultStripes is the default stripe count for a SparseTable's key map:
// enough buckets that pushes/pulls on disjoint keys rarely contend, kept a
// power of two so stripe selection can use a mask instead of a division.
const DefaultStripes = 128

// StripedMap is a fixed-size set of independently locked buckets over
// uint64 keys. Unlike a sync.Map, it supports an atomic get-or-create under
// a single critical section (UpsertWithInit) and a whole-map snapshot
// iterator used only by save and shard transfer.
type StripedMap[V any] struct {
	stripes []*stripe[V]
	mask    uint64
}

type stripe[V any] struct {
	mu sync.Mutex
	m  map[uint64]V
}

// NewStripedMap builds a StripedMap with the given stripe count, rounded up
// to the next power of two if it isn't one already.
func NewStripedMap[V any](numStripes int) *StripedMap[V] {
	n := nextPowerOfTwo(numStripes)
	s := &StripedMap[V]{stripes: make([]*stripe[V], n), mask: uint64(n - 1)}
	for i := range s.stripes {
		s.stripes[i] = &stripe[V]{m: make(map[uint64]V)}
	}
	return s
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *StripedMap[V]) stripeFor(key uint64) *stripe[V] {
	return s.stripes[key&s.mask]
}

// Get returns the value for key and whether it was present.
func (s *StripedMap[V]) Get(key uint64) (V, bool) {
	st := s.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	v, ok := st.m[key]
	return v, ok
}

// Contains reports whether key is present.
func (s *StripedMap[V]) Contains(key uint64) bool {
	st := s.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.m[key]
	return ok
}

// Set unconditionally stores value for key.
func (s *StripedMap[V]) Set(key uint64, value V) {
	st := s.stripeFor(key)
	st.mu.Lock()
	st.m[key] = value
	st.mu.Unlock()
}

// UpsertWithInit returns the existing value for key, or calls init to
// produce one, stores it, and returns it — all under the stripe's single
// critical section, so exactly one of N concurrent callers for the same
// absent key materializes the entry. The bool result reports whether init
// was called.
func (s *StripedMap[V]) UpsertWithInit(key uint64, init func() V) (V, bool) {
	st := s.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	if v, ok := st.m[key]; ok {
		return v, false
	}
	v := init()
	st.m[key] = v
	return v, true
}

// WithLock runs fn while holding key's stripe lock, allowing callers to
// read-modify-write a value in place without losing the stripe's
// serialization guarantee. If the key is absent, init is called first to
// materialize it.
func (s *StripedMap[V]) WithLock(key uint64, init func() V, fn func(v V) V) V {
	st := s.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	v, ok := st.m[key]
	if !ok {
		v = init()
	}
	v = fn(v)
	st.m[key] = v
	return v
}

// Delete removes key.
func (s *StripedMap[V]) Delete(key uint64) {
	st := s.stripeFor(key)
	st.mu.Lock()
	delete(st.m, key)
	st.mu.Unlock()
}

// Len returns the total number of entries across all stripes. It acquires
// every stripe in turn and is intended for diagnostics, not the hot path.
func (s *StripedMap[V]) Len() int {
	n := 0
	for _, st := range s.stripes {
		st.mu.Lock()
		n += len(st.m)
		st.mu.Unlock()
	}
	return n
}

// Snapshot returns a fully materialized copy of every (key, value) pair,
// used only during save and shard transfer; it acquires every stripe.
func (s *StripedMap[V]) Snapshot() map[uint64]V {
	out := make(map[uint64]V)
	for _, st := range s.stripes {
		st.mu.Lock()
		for k, v := range st.m {
			out[k] = v
		}
		st.mu.Unlock()
	}
	return out
}
