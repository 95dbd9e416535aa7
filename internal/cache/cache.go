/*
Package cache implements the bounded, TTL-aware key/value store
spec'd for both the Model Router's response/context caches and the
Fitness Evaluator's memoization cache (spec.md §4.1).

It is grounded on two teacher-corpus designs: the map+doubly-linked-list
LRU bookkeeping of Krishna8167/tempuscache (container/list for O(1)
move-to-front / evict-oldest), generalized here to also drive FIFO
ordering, and the namespaced, TTL-bearing entry shape of the gateway's
own caching.Engine (CacheEntry's inserted_at/expires_at/hit_count
fields).
*/
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/promptlab/promptlab/internal/clock"
)

// Policy selects the eviction strategy used when a Set would exceed
// MaxSize (spec.md §4.1 eviction policy table).
type Policy int

const (
	LRU Policy = iota
	LFU
	FIFO
)

func (p Policy) String() string {
	switch p {
	case LRU:
		return "lru"
	case LFU:
		return "lfu"
	case FIFO:
		return "fifo"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of cache performance counters
// (spec.md §3 "Cache Statistics").
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
	HitRate   float64
}

// Store is the interface both the in-memory and Redis-backed caches
// satisfy, so callers (Router, Fitness Evaluator) are agnostic to the
// backing implementation.
type Store[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V, ttlOverride ...time.Duration)
	Delete(key string) bool
	Clear()
	Stats() Stats
}

type entry[V any] struct {
	key          string
	value        V
	insertedAt   time.Time
	lastAccessAt time.Time
	accessCount  int64
	expiresAt    time.Time // zero value means "never expires"
	elem         *list.Element
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is the default, in-process Store implementation: a
// map for O(1) lookup paired with an intrusive doubly-linked list
// that orders entries for LRU/FIFO eviction. LFU eviction scans the
// (necessarily small, bounded-by-MaxSize) entry set for the minimum
// access count rather than maintaining frequency buckets — Get stays
// O(1) either way, since the scan only happens from Set's eviction
// path.
type MemoryStore[V any] struct {
	mu         sync.Mutex
	policy     Policy
	maxSize    int // <=0 means unbounded
	defaultTTL time.Duration
	clk        clock.Clock

	data  map[string]*entry[V]
	order *list.List // front = most recently used / most recently inserted

	hits      uint64
	misses    uint64
	evictions uint64
}

// Option configures a MemoryStore at construction.
type Option[V any] func(*MemoryStore[V])

// WithPolicy selects the eviction policy (default LRU).
func WithPolicy[V any](p Policy) Option[V] {
	return func(s *MemoryStore[V]) { s.policy = p }
}

// WithMaxSize bounds the number of entries (default unbounded).
func WithMaxSize[V any](n int) Option[V] {
	return func(s *MemoryStore[V]) { s.maxSize = n }
}

// WithDefaultTTL sets the TTL applied to entries that don't specify
// their own override (default: never expires).
func WithDefaultTTL[V any](d time.Duration) Option[V] {
	return func(s *MemoryStore[V]) { s.defaultTTL = d }
}

// WithClock injects a clock.Clock, for deterministic TTL tests.
func WithClock[V any](c clock.Clock) Option[V] {
	return func(s *MemoryStore[V]) { s.clk = c }
}

// NewMemoryStore constructs a MemoryStore with the given options.
func NewMemoryStore[V any](opts ...Option[V]) *MemoryStore[V] {
	s := &MemoryStore[V]{
		policy: LRU,
		clk:    clock.Real{},
		data:   make(map[string]*entry[V]),
		order:  list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the stored value iff present and unexpired (spec.md
// §4.1 get). Expired entries are removed lazily and counted as a
// miss, never a stale hit.
func (s *MemoryStore[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	e, ok := s.data[key]
	if !ok {
		s.misses++
		return zero, false
	}

	now := s.clk.Now()
	if e.expired(now) {
		s.removeLocked(e)
		s.misses++
		return zero, false
	}

	e.lastAccessAt = now
	e.accessCount++
	if s.policy == LRU {
		s.order.MoveToFront(e.elem)
	}
	s.hits++
	return e.value, true
}

// Set inserts or replaces a key. ttlOverride, if given, supersedes
// the store's default TTL for this entry; a zero or negative override
// means the entry never expires (spec.md §4.1 TTL semantics).
func (s *MemoryStore[V]) Set(key string, value V, ttlOverride ...time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	ttl := s.defaultTTL
	if len(ttlOverride) > 0 {
		ttl = ttlOverride[0]
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	if e, ok := s.data[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		e.lastAccessAt = now
		if s.policy == LRU {
			s.order.MoveToFront(e.elem)
		}
		return
	}

	if s.maxSize > 0 && len(s.data) >= s.maxSize {
		s.evictOneLocked()
	}

	e := &entry[V]{
		key:          key,
		value:        value,
		insertedAt:   now,
		lastAccessAt: now,
		expiresAt:    expiresAt,
	}
	e.elem = s.order.PushFront(e)
	s.data[key] = e
}

// Delete removes key if present, reporting whether it existed.
func (s *MemoryStore[V]) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return false
	}
	s.removeLocked(e)
	return true
}

// Clear empties the store and resets statistics (spec.md §4.1 clear).
func (s *MemoryStore[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*entry[V])
	s.order.Init()
	s.hits, s.misses, s.evictions = 0, 0, 0
}

// Stats returns a snapshot of the store's counters.
func (s *MemoryStore[V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.hits + s.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(s.hits) / float64(total)
	}
	return Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Size:      len(s.data),
		HitRate:   hitRate,
	}
}

func (s *MemoryStore[V]) removeLocked(e *entry[V]) {
	s.order.Remove(e.elem)
	delete(s.data, e.key)
}

// evictOneLocked picks and removes exactly one victim per the
// configured policy (spec.md §4.1 eviction policy table). Caller
// holds s.mu.
func (s *MemoryStore[V]) evictOneLocked() {
	var victim *entry[V]

	switch s.policy {
	case LRU, FIFO:
		// order's back is the least-recently-used (LRU) or
		// least-recently-inserted (FIFO, since FIFO never reorders
		// on access) entry.
		if back := s.order.Back(); back != nil {
			victim = back.Value.(*entry[V])
		}
	case LFU:
		for _, e := range s.data {
			if victim == nil ||
				e.accessCount < victim.accessCount ||
				(e.accessCount == victim.accessCount && e.lastAccessAt.Before(victim.lastAccessAt)) {
				victim = e
			}
		}
	}

	if victim != nil {
		s.removeLocked(victim)
		s.evictions++
	}
}
