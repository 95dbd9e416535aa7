// Package randsrc provides an injectable, seedable pseudo-random source
// (spec.md §6 "Random source") so the evolution engine's tournament
// selection, crossover, and mutation draws are reproducible given the
// same seed, and so router jitter can be driven deterministically in
// tests.
package randsrc

import (
	"math/rand"
	"sync"
)

// Source is the minimal random interface the core depends on.
type Source interface {
	Float64() float64
	Intn(n int) int
	// Shuffle permutes n elements in place via swap(i, j).
	Shuffle(n int, swap func(i, j int))
}

// Locked wraps a *rand.Rand with a mutex so a single seeded source can
// be shared safely across the evolution engine's worker pool.
type Locked struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Source seeded deterministically from seed.
func New(seed int64) *Locked {
	return &Locked{rng: rand.New(rand.NewSource(seed))}
}

func (l *Locked) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}

func (l *Locked) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Intn(n)
}

func (l *Locked) Shuffle(n int, swap func(i, j int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rng.Shuffle(n, swap)
}
