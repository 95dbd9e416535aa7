package modelrouter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// minCacheableResponseLength guards the response cache against
// poisoning by truncated or empty backend replies, adapted from the
// gateway caching engine's validateResponse MinResponseLength check.
const minCacheableResponseLength = 1

func validCacheCandidate(resp BackendResponse) bool {
	return len(strings.TrimSpace(resp.Content)) >= minCacheableResponseLength
}

// Route dispatches req against its model's candidate backends,
// consulting the response cache first when req.AllowCache is set,
// then trying candidates in priority order (preferred/primary before
// fallbacks, restricted to the currently-healthy subset) with retry
// and exponential backoff on each, failing over to the next candidate
// when retries on one backend are exhausted and req.AllowFailover is
// set (spec.md §4.3 steps 1-9).
func (r *Router) Route(ctx context.Context, req BackendRequest) (BackendResponse, error) {
	r.statsMu.Lock()
	r.stats.Requests++
	r.statsMu.Unlock()

	key := Fingerprint(req)
	if req.AllowCache && r.responseCache != nil {
		if cached, ok := r.responseCache.Get(key); ok {
			r.statsMu.Lock()
			r.stats.CacheHits++
			r.statsMu.Unlock()
			r.recordModelCacheLookup(req.Model, true)
			return cached, nil
		}
		r.recordModelCacheLookup(req.Model, false)
	}

	r.mu.RLock()
	desc, ok := r.models[req.Model]
	r.mu.RUnlock()
	if !ok {
		return BackendResponse{}, fmt.Errorf("%w: %s", ErrNoBackendAvailable, req.Model)
	}

	candidates := r.orderedCandidates(desc, req.PreferredModel, key)
	if len(candidates) == 0 {
		return BackendResponse{}, fmt.Errorf("%w: %s", ErrNoBackendAvailable, req.Model)
	}

	var lastErr error
	for i, bs := range candidates {
		resp, err := r.dispatchWithRetry(ctx, bs, req)
		if err == nil {
			r.statsMu.Lock()
			r.stats.Successes++
			r.statsMu.Unlock()
			if req.AllowCache && r.responseCache != nil && validCacheCandidate(resp) {
				r.responseCache.Set(key, resp)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			r.statsMu.Lock()
			r.stats.Failures++
			r.statsMu.Unlock()
			return BackendResponse{}, fmt.Errorf("%w: %v", ErrRequestTimeout, ctx.Err())
		}
		if !req.AllowFailover || i == len(candidates)-1 {
			break
		}
	}

	r.statsMu.Lock()
	r.stats.Failures++
	r.statsMu.Unlock()
	return BackendResponse{}, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}

// orderedCandidates returns desc's backends restricted to those that
// are currently healthy (or in a trial-recovery window), ordered by
// declared priority: preferred (if given and present), then the
// declared primary (desc.Backends[0]), then fallbacks in configured
// order (spec.md §4.3 step 3). Rendezvous hashing is used only to
// order the rate-limited last-resort group, where every candidate is
// otherwise equally (un)eligible and a stable hash still lets repeat
// identical requests converge on the same backend.
func (r *Router) orderedCandidates(desc *ModelDescriptor, preferred, key string) []*backendState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type ranked struct {
		bs       *backendState
		priority int
	}

	var healthy, rateLimited []ranked
	for i, b := range desc.Backends {
		bs, ok := r.backends[b.ID()]
		if !ok {
			continue
		}
		bs.mu.Lock()
		st := r.effectiveStateLocked(bs)
		bs.mu.Unlock()

		priority := i + 1
		if preferred != "" && b.ID() == preferred {
			priority = 0
		}
		switch st {
		case StateHealthy:
			healthy = append(healthy, ranked{bs, priority})
		case StateRateLimited:
			// rate_limited backends stay in rotation as a last
			// resort so a request can still succeed if every other
			// candidate is circuit_open or disabled.
			rateLimited = append(rateLimited, ranked{bs, priority})
		}
	}
	if len(healthy) == 0 && len(rateLimited) == 0 {
		return nil
	}

	sort.SliceStable(healthy, func(i, j int) bool { return healthy[i].priority < healthy[j].priority })
	sort.SliceStable(rateLimited, func(i, j int) bool {
		return rendezvousHash(key+rateLimited[i].bs.client.ID()) > rendezvousHash(key+rateLimited[j].bs.client.ID())
	})

	ordered := make([]*backendState, 0, len(healthy)+len(rateLimited))
	for _, c := range healthy {
		ordered = append(ordered, c.bs)
	}
	for _, c := range rateLimited {
		ordered = append(ordered, c.bs)
	}
	return ordered
}

// dispatchWithRetry retries a single backend up to RetryPolicy.MaxAttempts
// times, classifying each failure to decide whether to keep retrying
// this backend or give up and let Route fail over to the next one. A
// fatal classification aborts immediately rather than burning the
// full retry budget on an error retrying can never fix.
func (r *Router) dispatchWithRetry(ctx context.Context, bs *backendState, req BackendRequest) (BackendResponse, error) {
	var lastErr error
	attempts := r.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			r.statsMu.Lock()
			r.stats.Retries++
			r.statsMu.Unlock()
			if err := r.sleep(ctx, r.backoff(attempt-1)); err != nil {
				return BackendResponse{}, err
			}
		}

		bs.mu.Lock()
		bs.inFlight++
		bs.totalRequests++
		bs.mu.Unlock()
		start := r.clk.Now()
		resp, err := bs.client.Complete(ctx, req)
		elapsedMs := float64(r.clk.Since(start)) / float64(time.Millisecond)

		bs.mu.Lock()
		bs.inFlight--
		recordLatencyLocked(bs, elapsedMs)
		bs.mu.Unlock()

		if err == nil {
			bs.mu.Lock()
			recordSuccessLocked(bs)
			bs.mu.Unlock()
			return resp, nil
		}

		class, retryAfter := classify(err)
		bs.mu.Lock()
		bs.totalErrors++
		recordFailureLocked(r, bs, class, retryAfter)
		bs.mu.Unlock()

		lastErr = err
		if class == ErrClassFatal || class == ErrClassRateLimited {
			// Fatal errors won't be fixed by retrying; rate limits
			// won't clear within a short in-place backoff window.
			// Both cases hand off to Route's failover loop instead
			// of burning the rest of this backend's retry budget.
			break
		}
	}
	return BackendResponse{}, lastErr
}

// RouteBatch dispatches requests concurrently, one goroutine per
// request, and returns positionally-aligned responses/errors, so a
// caller with many requests (the /generate handler) need not manage its
// own fan-out. Requests are not grouped or coalesced into upstream
// batches; each one takes its own Route path.
func (r *Router) RouteBatch(ctx context.Context, reqs []BackendRequest) ([]BackendResponse, []error) {
	responses := make([]BackendResponse, len(reqs))
	errs := make([]error, len(reqs))

	done := make(chan int, len(reqs))
	for i, req := range reqs {
		go func(i int, req BackendRequest) {
			resp, err := r.Route(ctx, req)
			responses[i] = resp
			errs[i] = err
			done <- i
		}(i, req)
	}
	for range reqs {
		<-done
	}
	return responses, errs
}
