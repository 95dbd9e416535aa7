/*
Package httpapi exposes the Evolution Engine and Model Router over
HTTP, built the way the teacher's router/router.go + handler/*.go
split things: a chi.Router carrying a middleware chain, thin handlers
translating JSON requests into calls against the core packages.
*/
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// corsMiddleware handles cross-origin requests, adapted from the
// teacher's middleware.CORSMiddleware.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll || origins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs one line per completed request, adapted from the
// teacher's mwRequestLogger.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// rateLimiter is a per-key sliding window limiter, generalized from
// the teacher's middleware.RateLimiter to key on remote address since
// promptlab carries no API-key auth (spec.md Non-goals).
type rateLimiter struct {
	log   zerolog.Logger
	rpm   int
	mu    sync.Mutex
	hits  map[string][]time.Time
	clock func() time.Time
}

func newRateLimiter(log zerolog.Logger, rpm int) *rateLimiter {
	return &rateLimiter{log: log, rpm: rpm, hits: make(map[string][]time.Time), clock: time.Now}
}

func (rl *rateLimiter) handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.rpm <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := r.RemoteAddr
		now := rl.clock()
		windowStart := now.Add(-time.Minute)

		rl.mu.Lock()
		kept := rl.hits[key][:0]
		for _, t := range rl.hits[key] {
			if t.After(windowStart) {
				kept = append(kept, t)
			}
		}
		if len(kept) >= rl.rpm {
			rl.hits[key] = kept
			rl.mu.Unlock()
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests, slow down")
			return
		}
		rl.hits[key] = append(kept, now)
		remaining := rl.rpm - len(rl.hits[key])
		rl.mu.Unlock()

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.rpm))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware bounds handler execution at d, following the
// teacher's TimeoutMiddleware but without per-provider resolution
// (promptlab has a single default request timeout, spec.md §5).
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"timeout","message":"request exceeded its deadline"}`)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error":   kind,
		"message": message,
	})
}
