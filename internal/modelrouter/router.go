/*
Package modelrouter implements the fault-tolerant, multi-backend
model dispatch layer (spec.md §4.3): retry with exponential backoff
and jitter, failover across backend candidates, per-backend circuit
breaking, concurrent batch fan-out (RouteBatch), and response caching.
There is no context (prompt-prefix) cache, and batched requests are not
coalesced into upstream batches.

It is grounded on three teacher-corpus pieces. The circuit state
machine generalizes routing.FailoverState's threshold+cooldown
failure tracker (Sergey-Bar-Alfred/services/gateway/routing/routing.go)
from a boolean healthy/unhealthy split into the spec's four explicit
states. Error classification and the Sender/HealthChecker interface
shapes come from jordanhubbard/tokenhub's router engine
(internal/router/engine.go), including its ClassifiedError/ErrorClass
pair and its backoffRetry jitter formula. The connection-pool and
per-backend client bookkeeping is adapted from the gateway's
provider/pool.go ConnectionPool.
*/
package modelrouter

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/rs/zerolog"

	"github.com/promptlab/promptlab/internal/cache"
	"github.com/promptlab/promptlab/internal/clock"
	"github.com/promptlab/promptlab/internal/randsrc"
)

// rendezvousHash adapts xxhash to the rendezvous.Hasher signature.
func rendezvousHash(s string) uint64 { return xxhash.Sum64String(s) }

// ErrorClass classifies a backend error for retry/circuit decisions,
// mirroring tokenhub's ErrorClass/ClassifiedError pair.
type ErrorClass string

const (
	ErrClassRateLimited ErrorClass = "rate_limited"
	ErrClassTransient   ErrorClass = "transient"
	ErrClassFatal       ErrorClass = "fatal"
)

// ClassifiedError wraps a backend error with a retry classification.
// RetryAfter, when non-zero, is a server-supplied cooldown hint
// (e.g. from a 429's Retry-After header).
type ClassifiedError struct {
	Err        error
	Class      ErrorClass
	RetryAfter time.Duration
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Sentinel errors returned directly by the Router (not wrapped in a
// ClassifiedError, since no single backend produced them).
var (
	ErrNoBackendAvailable = errors.New("modelrouter: no backend available for model")
	ErrAllBackendsFailed  = errors.New("modelrouter: all candidate backends failed")
	ErrRequestTimeout     = errors.New("modelrouter: request exceeded its deadline")
)

// CircuitState is a backend's health state machine position
// (spec.md §4.3 circuit states), generalizing FailoverState's
// binary healthy/unhealthy into four explicit states.
type CircuitState string

const (
	StateHealthy     CircuitState = "healthy"
	StateRateLimited CircuitState = "rate_limited"
	StateCircuitOpen CircuitState = "circuit_open"
	StateDisabled    CircuitState = "disabled"
)

// BackendRequest is the router-agnostic request shape passed to a
// BackendClient (spec.md §4.3 route(request)). Prompt and Params
// together determine the request fingerprint used for caching and
// candidate tie-breaking.
type BackendRequest struct {
	Model  string
	Prompt string
	Params map[string]float64

	// PreferredModel, when non-empty, names a backend ID within the
	// model's candidate chain to try ahead of the declared primary
	// (spec.md §4.3 step 3: "[preferred_model if present, else
	// primary] ++ fallbacks").
	PreferredModel string

	// AllowCache gates both reading and writing the response cache
	// for this request (spec.md §4.3 step 2).
	AllowCache bool

	// AllowFailover gates whether Route advances to the next
	// candidate backend after the current one's retries are
	// exhausted (spec.md §4.3 steps 7-8). When false, Route returns
	// as soon as the first attempted candidate fails.
	AllowFailover bool
}

// BackendResponse is the router-agnostic response shape.
type BackendResponse struct {
	Content    string
	TokensUsed int
}

// BackendClient is the interface every model backend must satisfy.
// Implementations should return a *ClassifiedError from Complete so
// the router can make retry/circuit decisions; an unclassified error
// is treated as ErrClassFatal.
type BackendClient interface {
	ID() string
	Complete(ctx context.Context, req BackendRequest) (BackendResponse, error)
	HealthCheck(ctx context.Context) error
}

// ModelDescriptor binds a logical model name to an ordered list of
// candidate backends that can serve it, mirroring the gateway's
// DetectProvider/Registry.GetForModel resolution but making the
// fallback chain explicit and declarative instead of pattern-matched.
type ModelDescriptor struct {
	Name      string
	Backends  []BackendClient
	MaxTokens int
}

// RetryPolicy controls the Router's retry/backoff behavior.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of delay to randomize, e.g. 0.2 = ±20%
}

// CircuitPolicy controls how a backend's failures move it through the
// circuit state machine.
type CircuitPolicy struct {
	FailThreshold int
	Cooldown      time.Duration
}

// Stats is a point-in-time snapshot of router activity.
type Stats struct {
	Requests       uint64
	Successes      uint64
	Failures       uint64
	Retries        uint64
	CacheHits      uint64
	CircuitsOpen   int
	BackendsHealthy int
}

type backendState struct {
	client          BackendClient
	mu              sync.Mutex
	state           CircuitState
	consecutiveFail int
	lastFailure     time.Time
	rateLimitUntil  time.Time
	probing         bool // true for the single half-open trial request after a cooldown

	inFlight      int64
	totalRequests int64
	totalErrors   int64
	latenciesMs   []float64 // bounded ring buffer, newest overwrites oldest
	latencyHead   int
}

// Router dispatches requests across a model's candidate backends with
// retry, failover, and circuit breaking.
type Router struct {
	mu       sync.RWMutex
	models   map[string]*ModelDescriptor
	backends map[string]*backendState

	retry   RetryPolicy
	circuit CircuitPolicy

	responseCache cache.Store[BackendResponse]
	clk           clock.Clock
	rnd           randsrc.Source
	log           zerolog.Logger

	hasher *rendezvous.Table

	statsMu  sync.Mutex
	stats    Stats

	modelCacheMu    sync.Mutex
	modelCacheHits  map[string]uint64
	modelCacheTotal map[string]uint64
}

// Option configures a Router at construction.
type Option func(*Router)

func WithRetryPolicy(p RetryPolicy) Option { return func(r *Router) { r.retry = p } }
func WithCircuitPolicy(p CircuitPolicy) Option {
	return func(r *Router) { r.circuit = p }
}
func WithResponseCache(c cache.Store[BackendResponse]) Option {
	return func(r *Router) { r.responseCache = c }
}
func WithClock(c clock.Clock) Option { return func(r *Router) { r.clk = c } }
func WithRandom(s randsrc.Source) Option { return func(r *Router) { r.rnd = s } }
func WithLogger(l zerolog.Logger) Option { return func(r *Router) { r.log = l } }

// New constructs a Router with no registered models; call Register
// for each ModelDescriptor before routing requests.
func New(opts ...Option) *Router {
	r := &Router{
		models:          make(map[string]*ModelDescriptor),
		backends:        make(map[string]*backendState),
		retry:           RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2},
		circuit:         CircuitPolicy{FailThreshold: 5, Cooldown: 30 * time.Second},
		clk:             clock.Real{},
		rnd:             randsrc.New(1),
		log:             zerolog.Nop(),
		modelCacheHits:  make(map[string]uint64),
		modelCacheTotal: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a model's candidate backend chain.
func (r *Router) Register(desc ModelDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[desc.Name] = &desc
	for _, b := range desc.Backends {
		if _, ok := r.backends[b.ID()]; !ok {
			r.backends[b.ID()] = &backendState{client: b, state: StateHealthy}
		}
	}
	r.rebuildHasherLocked()
}

func (r *Router) rebuildHasherLocked() {
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.hasher = rendezvous.New(ids, rendezvousHash)
}

// Stats returns a snapshot of router-wide counters.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	snap := r.stats

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, bs := range r.backends {
		bs.mu.Lock()
		st := r.effectiveStateLocked(bs)
		if st == StateCircuitOpen {
			snap.CircuitsOpen++
		}
		if st == StateHealthy {
			snap.BackendsHealthy++
		}
		bs.mu.Unlock()
	}
	return snap
}

func classify(err error) (ErrorClass, time.Duration) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, ce.RetryAfter
	}
	return ErrClassFatal, 0
}

// backoff computes the delay before retry attempt n (0-indexed),
// following tokenhub's backoffRetry: exponential growth capped at
// MaxDelay, randomized within ±Jitter of the computed delay.
func (r *Router) backoff(attempt int) time.Duration {
	base := float64(r.retry.BaseDelay) * math.Pow(2, float64(attempt))
	if max := float64(r.retry.MaxDelay); max > 0 && base > max {
		base = max
	}
	jitterSpan := base * r.retry.Jitter
	delta := (r.rnd.Float64()*2 - 1) * jitterSpan
	d := time.Duration(base + delta)
	if d < 0 {
		d = 0
	}
	return d
}

func (r *Router) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clk.After(d):
		return nil
	}
}
