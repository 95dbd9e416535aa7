package observability

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestCounterIncAccumulates(t *testing.T) {
	m := NewMetrics(zerolog.Nop())
	m.CounterInc("x", map[string]string{"a": "1"})
	m.CounterInc("x", map[string]string{"a": "1"})
	if v := m.getCounter("x", map[string]string{"a": "1"}).Value(); v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	m := NewMetrics(zerolog.Nop())
	m.TrackGeneration("run-1", 0, 0.9, 0.5, 0.5, 12.3)
	m.TrackCircuitState("b1", "healthy")

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "promptlab_generation_best_fitness") {
		t.Fatalf("expected generation gauge in output, got:\n%s", body)
	}
	if !strings.Contains(body, "promptlab_backend_circuit_state") {
		t.Fatalf("expected circuit state gauge in output")
	}
}

func TestHistogramObserveBucketsCorrectly(t *testing.T) {
	h := NewHistogram([]float64{10, 20})
	h.Observe(5)
	h.Observe(15)
	h.Observe(25)
	if h.count != 3 {
		t.Fatalf("expected count 3, got %d", h.count)
	}
	if h.counts[0] != 1 || h.counts[1] != 1 || h.counts[2] != 1 {
		t.Fatalf("unexpected bucket distribution: %v", h.counts)
	}
}
