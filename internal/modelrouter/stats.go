package modelrouter

import (
	"sort"
	"time"
)

const latencyBufferSize = 128

// BackendStats is a point-in-time snapshot of one backend's runtime
// state (spec.md §3 "Model Runtime State" plus §4.3's required
// per-model latency percentiles). Cache hit rate is tracked per model,
// not per backend — a backend can serve more than one model, and the
// response cache is keyed on request fingerprint regardless of which
// backend eventually served it — so it is reported separately by
// ModelStats, not here.
type BackendStats struct {
	ID               string
	State            CircuitState
	RateLimitedUntil time.Time
	InFlight         int64
	TotalRequests    int64
	TotalErrors      int64
	P50Ms            float64
	P90Ms            float64
	P99Ms            float64
}

// recordLatencyLocked appends a completed request's duration (in
// milliseconds) into bs's fixed-size ring buffer. Caller holds bs.mu.
func recordLatencyLocked(bs *backendState, ms float64) {
	if cap(bs.latenciesMs) < latencyBufferSize {
		bs.latenciesMs = make([]float64, 0, latencyBufferSize)
	}
	if len(bs.latenciesMs) < latencyBufferSize {
		bs.latenciesMs = append(bs.latenciesMs, ms)
		return
	}
	bs.latenciesMs[bs.latencyHead] = ms
	bs.latencyHead = (bs.latencyHead + 1) % latencyBufferSize
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// BackendStats returns a snapshot for a single registered backend.
func (r *Router) BackendStats(id string) (BackendStats, bool) {
	r.mu.RLock()
	bs, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return BackendStats{}, false
	}
	return r.snapshotBackend(bs), true
}

// AllBackendStats returns a snapshot for every registered backend.
func (r *Router) AllBackendStats() []BackendStats {
	r.mu.RLock()
	backends := make([]*backendState, 0, len(r.backends))
	for _, bs := range r.backends {
		backends = append(backends, bs)
	}
	r.mu.RUnlock()

	out := make([]BackendStats, 0, len(backends))
	for _, bs := range backends {
		out = append(out, r.snapshotBackend(bs))
	}
	return out
}

func (r *Router) snapshotBackend(bs *backendState) BackendStats {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	sorted := append([]float64(nil), bs.latenciesMs...)
	sort.Float64s(sorted)

	return BackendStats{
		ID:               bs.client.ID(),
		State:            r.effectiveStateLocked(bs),
		RateLimitedUntil: bs.rateLimitUntil,
		InFlight:         bs.inFlight,
		TotalRequests:    bs.totalRequests,
		TotalErrors:      bs.totalErrors,
		P50Ms:            percentile(sorted, 0.50),
		P90Ms:            percentile(sorted, 0.90),
		P99Ms:            percentile(sorted, 0.99),
	}
}

// recordModelCacheLookup tracks per-model response-cache hit rate,
// separate from the router-wide Stats.CacheHits counter.
func (r *Router) recordModelCacheLookup(model string, hit bool) {
	r.modelCacheMu.Lock()
	defer r.modelCacheMu.Unlock()
	r.modelCacheTotal[model]++
	if hit {
		r.modelCacheHits[model]++
	}
}

// ModelCacheHitRate reports the response-cache hit rate observed for
// a specific model.
func (r *Router) ModelCacheHitRate(model string) float64 {
	r.modelCacheMu.Lock()
	defer r.modelCacheMu.Unlock()
	total := r.modelCacheTotal[model]
	if total == 0 {
		return 0
	}
	return float64(r.modelCacheHits[model]) / float64(total)
}

// ModelStats is a point-in-time snapshot of one registered model's
// response-cache effectiveness (spec.md §4.3 stats() "cache_hit_rate"
// per model).
type ModelStats struct {
	Name         string
	CacheHitRate float64
}

// AllModelStats returns a ModelStats snapshot for every registered
// model, sorted by name for stable output.
func (r *Router) AllModelStats() []ModelStats {
	r.mu.RLock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]ModelStats, 0, len(names))
	for _, name := range names {
		out = append(out, ModelStats{Name: name, CacheHitRate: r.ModelCacheHitRate(name)})
	}
	return out
}
