package modelrouter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/promptlab/promptlab/internal/cache"
	"github.com/promptlab/promptlab/internal/clock"
	"github.com/promptlab/promptlab/internal/modelrouter"
	"github.com/promptlab/promptlab/internal/randsrc"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                 { return f.now }
func (f *fakeClock) Since(t time.Time) time.Duration { return f.now.Sub(t) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.now = f.now.Add(d)
	ch <- f.now
	return ch
}
func (f *fakeClock) NewTimer(d time.Duration) clock.Timer { panic("unused in tests") }

func newTestRouter(opts ...modelrouter.Option) *modelrouter.Router {
	base := []modelrouter.Option{
		modelrouter.WithRetryPolicy(modelrouter.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Jitter: 0}),
		modelrouter.WithCircuitPolicy(modelrouter.CircuitPolicy{FailThreshold: 2, Cooldown: time.Minute}),
		modelrouter.WithRandom(randsrc.New(1)),
		modelrouter.WithClock(&fakeClock{now: time.Unix(0, 0)}),
	}
	return modelrouter.New(append(base, opts...)...)
}

func TestRouteSucceedsOnHealthyBackend(t *testing.T) {
	backend := modelrouter.NewMockBackendClient("b1", modelrouter.BackendResponse{Content: "hello"})
	r := newTestRouter()
	r.Register(modelrouter.ModelDescriptor{Name: "m", Backends: []modelrouter.BackendClient{backend}})

	resp, err := r.Route(context.Background(), modelrouter.BackendRequest{Model: "m", Prompt: "hi", AllowCache: true, AllowFailover: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRouteUnknownModelFails(t *testing.T) {
	r := newTestRouter()
	_, err := r.Route(context.Background(), modelrouter.BackendRequest{Model: "missing"})
	if !errors.Is(err, modelrouter.ErrNoBackendAvailable) {
		t.Fatalf("expected ErrNoBackendAvailable, got %v", err)
	}
}

func TestRouteFailsOverToSecondBackend(t *testing.T) {
	failing := modelrouter.NewMockBackendClient("b1", modelrouter.BackendResponse{})
	failing.Fail = &modelrouter.ClassifiedError{Err: errors.New("boom"), Class: modelrouter.ErrClassFatal}
	failing.FailCount = 100

	healthy := modelrouter.NewMockBackendClient("b2", modelrouter.BackendResponse{Content: "ok"})

	r := newTestRouter()
	r.Register(modelrouter.ModelDescriptor{Name: "m", Backends: []modelrouter.BackendClient{failing, healthy}})

	resp, err := r.Route(context.Background(), modelrouter.BackendRequest{Model: "m", Prompt: "hi", AllowCache: true, AllowFailover: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("expected failover to healthy backend, got %+v", resp)
	}
	if failing.Calls() != 1 {
		t.Fatalf("expected fatal error to abort retries after 1 call, got %d", failing.Calls())
	}
}

func TestRouteRetriesTransientErrorsBeforeFailover(t *testing.T) {
	backend := modelrouter.NewMockBackendClient("b1", modelrouter.BackendResponse{Content: "ok"})
	backend.Fail = &modelrouter.ClassifiedError{Err: errors.New("timeout"), Class: modelrouter.ErrClassTransient}
	backend.FailCount = 2

	r := newTestRouter()
	r.Register(modelrouter.ModelDescriptor{Name: "m", Backends: []modelrouter.BackendClient{backend}})

	resp, err := r.Route(context.Background(), modelrouter.BackendRequest{Model: "m", Prompt: "hi", AllowCache: true, AllowFailover: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("expected eventual success after retries, got %+v", resp)
	}
	if backend.Calls() != 3 {
		t.Fatalf("expected 3 attempts (2 failures + success), got %d", backend.Calls())
	}
}

func TestCircuitOpensAfterFailThreshold(t *testing.T) {
	failing := modelrouter.NewMockBackendClient("b1", modelrouter.BackendResponse{})
	failing.Fail = &modelrouter.ClassifiedError{Err: errors.New("boom"), Class: modelrouter.ErrClassTransient}
	failing.FailCount = 1000

	r := newTestRouter(modelrouter.WithCircuitPolicy(modelrouter.CircuitPolicy{FailThreshold: 2, Cooldown: time.Hour}))
	r.Register(modelrouter.ModelDescriptor{Name: "m", Backends: []modelrouter.BackendClient{failing}})

	// First request exhausts retries (3 attempts) against the single
	// backend, tripping the 2-failure threshold partway through.
	_, err := r.Route(context.Background(), modelrouter.BackendRequest{Model: "m", Prompt: "hi", AllowCache: true, AllowFailover: true})
	if err == nil {
		t.Fatal("expected failure")
	}

	state, ok := r.BackendState("b1")
	if !ok {
		t.Fatal("expected backend to be registered")
	}
	if state != modelrouter.StateCircuitOpen {
		t.Fatalf("expected circuit_open after threshold failures, got %s", state)
	}

	// With no healthy candidates left, a second request should fail
	// immediately with no backend available.
	_, err = r.Route(context.Background(), modelrouter.BackendRequest{Model: "m", Prompt: "hi", AllowCache: true, AllowFailover: true})
	if !errors.Is(err, modelrouter.ErrNoBackendAvailable) {
		t.Fatalf("expected ErrNoBackendAvailable once circuit is open, got %v", err)
	}
}

func TestRateLimitedBackendStaysInRotationAsLastResort(t *testing.T) {
	rateLimited := modelrouter.NewMockBackendClient("b1", modelrouter.BackendResponse{Content: "slow-but-alive"})
	rateLimited.Fail = &modelrouter.ClassifiedError{Err: errors.New("429"), Class: modelrouter.ErrClassRateLimited, RetryAfter: time.Hour}
	rateLimited.FailCount = 1

	r := newTestRouter()
	r.Register(modelrouter.ModelDescriptor{Name: "m", Backends: []modelrouter.BackendClient{rateLimited}})

	_, err := r.Route(context.Background(), modelrouter.BackendRequest{Model: "m", Prompt: "hi", AllowCache: true, AllowFailover: true})
	if err == nil {
		t.Fatal("expected the first rate-limited call to fail")
	}

	state, _ := r.BackendState("b1")
	if state != modelrouter.StateRateLimited {
		t.Fatalf("expected rate_limited state, got %s", state)
	}

	resp, err := r.Route(context.Background(), modelrouter.BackendRequest{Model: "m", Prompt: "hi", AllowCache: true, AllowFailover: true})
	if err != nil {
		t.Fatalf("expected rate-limited backend to still serve as last resort: %v", err)
	}
	if resp.Content != "slow-but-alive" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRouteServesFromResponseCache(t *testing.T) {
	backend := modelrouter.NewMockBackendClient("b1", modelrouter.BackendResponse{Content: "first"})
	respCache := cache.NewMemoryStore[modelrouter.BackendResponse]()
	r := newTestRouter(modelrouter.WithResponseCache(respCache))
	r.Register(modelrouter.ModelDescriptor{Name: "m", Backends: []modelrouter.BackendClient{backend}})

	req := modelrouter.BackendRequest{Model: "m", Prompt: "hi", AllowCache: true, AllowFailover: true}
	if _, err := r.Route(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	backend.Response = modelrouter.BackendResponse{Content: "second"}
	resp, err := r.Route(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "first" {
		t.Fatalf("expected cached response, got %+v", resp)
	}
	if backend.Calls() != 1 {
		t.Fatalf("expected only 1 real call, got %d", backend.Calls())
	}

	stats := r.Stats()
	if stats.CacheHits != 1 {
		t.Fatalf("expected 1 cache hit in stats, got %d", stats.CacheHits)
	}
}

func TestFingerprintStableAcrossParamOrder(t *testing.T) {
	a := modelrouter.BackendRequest{Model: "m", Prompt: "p", Params: map[string]float64{"temperature": 0.7, "top_p": 0.9}}
	b := modelrouter.BackendRequest{Model: "m", Prompt: "p", Params: map[string]float64{"top_p": 0.9, "temperature": 0.7}}
	if modelrouter.Fingerprint(a) != modelrouter.Fingerprint(b) {
		t.Fatal("expected fingerprint to be independent of map iteration order")
	}
}

func TestRouteTriesPrimaryBeforeFallback(t *testing.T) {
	primary := modelrouter.NewMockBackendClient("primary", modelrouter.BackendResponse{Content: "from-primary"})
	fallback := modelrouter.NewMockBackendClient("fallback", modelrouter.BackendResponse{Content: "from-fallback"})

	r := newTestRouter()
	r.Register(modelrouter.ModelDescriptor{Name: "m", Backends: []modelrouter.BackendClient{primary, fallback}})

	resp, err := r.Route(context.Background(), modelrouter.BackendRequest{Model: "m", Prompt: "hi", AllowCache: true, AllowFailover: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from-primary" {
		t.Fatalf("expected the declared primary to be tried first, got %+v", resp)
	}
	if fallback.Calls() != 0 {
		t.Fatalf("expected fallback to be untouched while primary succeeds, got %d calls", fallback.Calls())
	}
}

func TestRoutePrefersPreferredModelOverPrimary(t *testing.T) {
	primary := modelrouter.NewMockBackendClient("primary", modelrouter.BackendResponse{Content: "from-primary"})
	preferred := modelrouter.NewMockBackendClient("preferred", modelrouter.BackendResponse{Content: "from-preferred"})

	r := newTestRouter()
	r.Register(modelrouter.ModelDescriptor{Name: "m", Backends: []modelrouter.BackendClient{primary, preferred}})

	resp, err := r.Route(context.Background(), modelrouter.BackendRequest{
		Model:          "m",
		Prompt:         "hi",
		PreferredModel: "preferred",
		AllowCache:     true,
		AllowFailover:  true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from-preferred" {
		t.Fatalf("expected preferred backend to be tried first, got %+v", resp)
	}
	if primary.Calls() != 0 {
		t.Fatalf("expected primary to be untouched when preferred succeeds, got %d calls", primary.Calls())
	}
}

func TestRouteWithoutAllowFailoverStopsAtFirstCandidate(t *testing.T) {
	failing := modelrouter.NewMockBackendClient("b1", modelrouter.BackendResponse{})
	failing.Fail = &modelrouter.ClassifiedError{Err: errors.New("boom"), Class: modelrouter.ErrClassFatal}
	failing.FailCount = 100

	healthy := modelrouter.NewMockBackendClient("b2", modelrouter.BackendResponse{Content: "ok"})

	r := newTestRouter()
	r.Register(modelrouter.ModelDescriptor{Name: "m", Backends: []modelrouter.BackendClient{failing, healthy}})

	_, err := r.Route(context.Background(), modelrouter.BackendRequest{Model: "m", Prompt: "hi", AllowCache: true, AllowFailover: false})
	if err == nil {
		t.Fatal("expected failure with failover disabled")
	}
	if healthy.Calls() != 0 {
		t.Fatalf("expected the second candidate to never be tried, got %d calls", healthy.Calls())
	}
}

func TestRouteWithoutAllowCacheBypassesCache(t *testing.T) {
	backend := modelrouter.NewMockBackendClient("b1", modelrouter.BackendResponse{Content: "first"})
	respCache := cache.NewMemoryStore[modelrouter.BackendResponse]()
	r := newTestRouter(modelrouter.WithResponseCache(respCache))
	r.Register(modelrouter.ModelDescriptor{Name: "m", Backends: []modelrouter.BackendClient{backend}})

	req := modelrouter.BackendRequest{Model: "m", Prompt: "hi", AllowFailover: true}
	if _, err := r.Route(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	backend.Response = modelrouter.BackendResponse{Content: "second"}
	resp, err := r.Route(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "second" {
		t.Fatalf("expected a fresh dispatch since allow_cache is false, got %+v", resp)
	}
	if backend.Calls() != 2 {
		t.Fatalf("expected 2 real calls with caching disabled, got %d", backend.Calls())
	}
}
