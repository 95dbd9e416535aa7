package cache_test

import (
	"testing"
	"time"

	"github.com/promptlab/promptlab/internal/cache"
	"github.com/promptlab/promptlab/internal/clock"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                  { return f.now }
func (f *fakeClock) Since(t time.Time) time.Duration  { return f.now.Sub(t) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now.Add(d)
	return ch
}
func (f *fakeClock) NewTimer(d time.Duration) clock.Timer { panic("unused in tests") }
func (f *fakeClock) advance(d time.Duration)              { f.now = f.now.Add(d) }

func TestMemoryStoreLRUEvictionCycle(t *testing.T) {
	s := cache.NewMemoryStore[int](cache.WithPolicy[int](cache.LRU), cache.WithMaxSize[int](3))

	s.Set("a", 1)
	s.Set("b", 2)
	s.Set("c", 3)
	if _, ok := s.Get("a"); !ok {
		t.Fatal("expected hit on a")
	}
	s.Set("d", 4)

	if _, ok := s.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := s.Get(k); !ok {
			t.Fatalf("expected %s to survive eviction", k)
		}
	}

	stats := s.Stats()
	if stats.Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestMemoryStoreLFUEviction(t *testing.T) {
	s := cache.NewMemoryStore[int](cache.WithPolicy[int](cache.LFU), cache.WithMaxSize[int](3))

	s.Set("a", 1)
	s.Set("b", 2)
	s.Set("c", 3)

	s.Get("a")
	s.Get("a")
	s.Get("b")

	s.Set("d", 4)

	if _, ok := s.Get("c"); ok {
		t.Fatal("expected c (never accessed) to be evicted under LFU")
	}
	for _, k := range []string{"a", "b", "d"} {
		if _, ok := s.Get(k); !ok {
			t.Fatalf("expected %s to survive LFU eviction", k)
		}
	}
}

func TestMemoryStoreFIFOEvictionIgnoresAccess(t *testing.T) {
	s := cache.NewMemoryStore[int](cache.WithPolicy[int](cache.FIFO), cache.WithMaxSize[int](3))

	s.Set("a", 1)
	s.Set("b", 2)
	s.Set("c", 3)

	for i := 0; i < 5; i++ {
		s.Get("a")
	}

	s.Set("d", 4)

	if _, ok := s.Get("a"); ok {
		t.Fatal("expected a (oldest inserted) to be evicted under FIFO despite heavy access")
	}
	for _, k := range []string{"b", "c", "d"} {
		if _, ok := s.Get(k); !ok {
			t.Fatalf("expected %s to survive FIFO eviction", k)
		}
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := cache.NewMemoryStore[string](cache.WithClock[string](clk), cache.WithDefaultTTL[string](time.Minute))

	s.Set("k", "v")
	if _, ok := s.Get("k"); !ok {
		t.Fatal("expected immediate hit")
	}

	clk.advance(2 * time.Minute)
	if _, ok := s.Get("k"); ok {
		t.Fatal("expected key to expire")
	}

	stats := s.Stats()
	if stats.Misses != 1 {
		t.Fatalf("expected 1 miss after expiry, got %d", stats.Misses)
	}
}

func TestMemoryStoreTTLOverrideNeverExpires(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := cache.NewMemoryStore[string](cache.WithClock[string](clk), cache.WithDefaultTTL[string](time.Second))

	s.Set("k", "v", 0)
	clk.advance(time.Hour)

	if _, ok := s.Get("k"); !ok {
		t.Fatal("expected override ttl<=0 to mean never expires")
	}
}

func TestMemoryStoreStatsHitRate(t *testing.T) {
	s := cache.NewMemoryStore[int]()
	s.Set("a", 1)
	s.Get("a")
	s.Get("a")
	s.Get("missing")

	stats := s.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	want := 2.0 / 3.0
	if stats.HitRate < want-1e-9 || stats.HitRate > want+1e-9 {
		t.Fatalf("expected hit rate %.4f, got %.4f", want, stats.HitRate)
	}
}

func TestMemoryStoreClearResetsEverything(t *testing.T) {
	s := cache.NewMemoryStore[int]()
	s.Set("a", 1)
	s.Get("a")
	s.Clear()

	if _, ok := s.Get("a"); ok {
		t.Fatal("expected cleared store to miss")
	}
	stats := s.Stats()
	if stats.Size != 0 || stats.Evictions != 0 {
		t.Fatalf("expected clean stats after Clear, got %+v", stats)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := cache.NewMemoryStore[int]()
	s.Set("a", 1)
	if !s.Delete("a") {
		t.Fatal("expected delete of present key to return true")
	}
	if s.Delete("a") {
		t.Fatal("expected delete of absent key to return false")
	}
}
