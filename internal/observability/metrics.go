/*
Package observability provides the Prometheus-compatible metrics
registry exposed at /metrics, grounded on the gateway's
observability.Metrics (observability/metrics.go): the same
counter/gauge/histogram trio, the same label-keyed lazy registration,
and the same hand-rolled text-exposition Handler, renamed from the
gateway's request/wallet/provider metrics to the optimizer's
evolution/router/cache metrics.
*/
package observability

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Counter is a monotonically increasing value.
type Counter struct {
	value int64
}

func (c *Counter) Inc()         { atomic.AddInt64(&c.value, 1) }
func (c *Counter) Add(n int64)  { atomic.AddInt64(&c.value, n) }
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Gauge is a value that can go up and down, stored as micros for
// float-like precision under an atomic int64.
type Gauge struct {
	value int64
}

func (g *Gauge) Set(v float64)  { atomic.StoreInt64(&g.value, int64(v*1e6)) }
func (g *Gauge) Inc()           { atomic.AddInt64(&g.value, 1e6) }
func (g *Gauge) Dec()           { atomic.AddInt64(&g.value, -1e6) }
func (g *Gauge) Value() float64 { return float64(atomic.LoadInt64(&g.value)) / 1e6 }

// Histogram tracks value distributions with configurable buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

func NewHistogram(buckets []float64) *Histogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	return &Histogram{
		buckets: sorted,
		counts:  make([]int64, len(sorted)+1),
	}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	placed := false
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			placed = true
			break
		}
	}
	if !placed {
		h.counts[len(h.buckets)]++
	}
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, ",")
}

// Metrics is the central Prometheus-compatible metrics registry.
type Metrics struct {
	mu         sync.RWMutex
	logger     zerolog.Logger
	counters   map[string]map[string]*Counter
	gauges     map[string]map[string]*Gauge
	histograms map[string]map[string]*Histogram

	latencyBuckets []float64
	fitnessBuckets []float64
}

func NewMetrics(logger zerolog.Logger) *Metrics {
	return &Metrics{
		logger:         logger.With().Str("component", "metrics").Logger(),
		counters:       make(map[string]map[string]*Counter),
		gauges:         make(map[string]map[string]*Gauge),
		histograms:     make(map[string]map[string]*Histogram),
		latencyBuckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		fitnessBuckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 0.99, 1},
	}
}

func (m *Metrics) CounterInc(name string, labels map[string]string) { m.getCounter(name, labels).Inc() }
func (m *Metrics) CounterAdd(name string, labels map[string]string, n int64) {
	m.getCounter(name, labels).Add(n)
}

func (m *Metrics) getCounter(name string, labels map[string]string) *Counter {
	key := labelKey(labels)
	m.mu.RLock()
	if byName, ok := m.counters[name]; ok {
		if c, ok := byName[key]; ok {
			m.mu.RUnlock()
			return c
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[name]; !ok {
		m.counters[name] = make(map[string]*Counter)
	}
	if _, ok := m.counters[name][key]; !ok {
		m.counters[name][key] = &Counter{}
	}
	return m.counters[name][key]
}

func (m *Metrics) GaugeSet(name string, labels map[string]string, v float64) {
	m.getGauge(name, labels).Set(v)
}
func (m *Metrics) GaugeInc(name string, labels map[string]string) { m.getGauge(name, labels).Inc() }
func (m *Metrics) GaugeDec(name string, labels map[string]string) { m.getGauge(name, labels).Dec() }

func (m *Metrics) getGauge(name string, labels map[string]string) *Gauge {
	key := labelKey(labels)
	m.mu.RLock()
	if byName, ok := m.gauges[name]; ok {
		if g, ok := byName[key]; ok {
			m.mu.RUnlock()
			return g
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gauges[name]; !ok {
		m.gauges[name] = make(map[string]*Gauge)
	}
	if _, ok := m.gauges[name][key]; !ok {
		m.gauges[name][key] = &Gauge{}
	}
	return m.gauges[name][key]
}

func (m *Metrics) HistogramObserve(name string, labels map[string]string, v float64) {
	m.getHistogram(name, labels, m.latencyBuckets).Observe(v)
}

func (m *Metrics) FitnessHistogramObserve(name string, labels map[string]string, v float64) {
	m.getHistogram(name, labels, m.fitnessBuckets).Observe(v)
}

func (m *Metrics) getHistogram(name string, labels map[string]string, buckets []float64) *Histogram {
	key := labelKey(labels)
	m.mu.RLock()
	if byName, ok := m.histograms[name]; ok {
		if h, ok := byName[key]; ok {
			m.mu.RUnlock()
			return h
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.histograms[name]; !ok {
		m.histograms[name] = make(map[string]*Histogram)
	}
	if _, ok := m.histograms[name][key]; !ok {
		m.histograms[name][key] = NewHistogram(buckets)
	}
	return m.histograms[name][key]
}

// TrackRouteRequest records one completed router dispatch.
func (m *Metrics) TrackRouteRequest(model, backend string, success bool, latencyMs float64, cached bool) {
	labels := map[string]string{"model": model, "backend": backend, "outcome": outcome(success)}
	m.CounterInc("promptlab_router_requests_total", labels)
	m.HistogramObserve("promptlab_router_request_duration_ms", labels, latencyMs)
	if cached {
		m.CounterInc("promptlab_router_cache_hits_total", map[string]string{"model": model})
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// TrackCircuitState records a backend's current circuit state as a
// gauge so Grafana can alert on sustained non-healthy states.
func (m *Metrics) TrackCircuitState(backend, state string) {
	m.GaugeSet("promptlab_backend_circuit_state", map[string]string{"backend": backend, "state": state}, 1)
}

// TrackGeneration records one completed evolution generation.
func (m *Metrics) TrackGeneration(runID string, generation int, best, mean, median float64, durationMs float64) {
	labels := map[string]string{"run": runID}
	m.GaugeSet("promptlab_generation_best_fitness", labels, best)
	m.GaugeSet("promptlab_generation_mean_fitness", labels, mean)
	m.GaugeSet("promptlab_generation_median_fitness", labels, median)
	m.CounterInc("promptlab_generations_total", labels)
	m.HistogramObserve("promptlab_generation_duration_ms", labels, durationMs)
}

// TrackTermination records why an evolve run ended.
func (m *Metrics) TrackTermination(runID, reason string) {
	m.CounterInc("promptlab_evolve_terminations_total", map[string]string{"run": runID, "reason": reason})
}

// TrackCacheStats snapshots a cache.Stats reading under a named
// cache instance (e.g. "fitness", "response").
func (m *Metrics) TrackCacheStats(cacheName string, hits, misses, evictions int64, hitRate float64, size int) {
	labels := map[string]string{"cache": cacheName}
	m.GaugeSet("promptlab_cache_hit_rate", labels, hitRate)
	m.GaugeSet("promptlab_cache_size", labels, float64(size))
	m.CounterAdd("promptlab_cache_hits_total", labels, hits)
	m.CounterAdd("promptlab_cache_misses_total", labels, misses)
	m.CounterAdd("promptlab_cache_evictions_total", labels, evictions)
}

// Handler returns an http.HandlerFunc that serves /metrics in
// Prometheus text exposition format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("# promptlab metrics - %s\n\n", time.Now().UTC().Format(time.RFC3339)))

		m.mu.RLock()
		defer m.mu.RUnlock()

		for name, byLabel := range m.counters {
			sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
			for lk, c := range byLabel {
				if lk == "" {
					sb.WriteString(fmt.Sprintf("%s %d\n", name, c.Value()))
				} else {
					sb.WriteString(fmt.Sprintf("%s{%s} %d\n", name, lk, c.Value()))
				}
			}
			sb.WriteString("\n")
		}

		for name, byLabel := range m.gauges {
			sb.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
			for lk, g := range byLabel {
				if lk == "" {
					sb.WriteString(fmt.Sprintf("%s %f\n", name, g.Value()))
				} else {
					sb.WriteString(fmt.Sprintf("%s{%s} %f\n", name, lk, g.Value()))
				}
			}
			sb.WriteString("\n")
		}

		for name, byLabel := range m.histograms {
			sb.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
			for lk, h := range byLabel {
				h.mu.Lock()
				prefix := name
				if lk != "" {
					prefix = fmt.Sprintf("%s{%s}", name, lk)
				}
				cumulative := int64(0)
				for i, b := range h.buckets {
					cumulative += h.counts[i]
					if lk != "" {
						sb.WriteString(fmt.Sprintf("%s_bucket{le=\"%g\",%s} %d\n", name, b, lk, cumulative))
					} else {
						sb.WriteString(fmt.Sprintf("%s_bucket{le=\"%g\"} %d\n", name, b, cumulative))
					}
				}
				cumulative += h.counts[len(h.buckets)]
				if lk != "" {
					sb.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\",%s} %d\n", name, lk, cumulative))
				} else {
					sb.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", name, cumulative))
				}
				sb.WriteString(fmt.Sprintf("%s_sum %f\n", prefix, h.sum))
				sb.WriteString(fmt.Sprintf("%s_count %d\n", prefix, h.count))
				h.mu.Unlock()
			}
			sb.WriteString("\n")
		}

		_, _ = w.Write([]byte(sb.String()))
	}
}
