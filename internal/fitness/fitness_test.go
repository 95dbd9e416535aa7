package fitness_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/promptlab/promptlab/internal/cache"
	"github.com/promptlab/promptlab/internal/fitness"
)

func TestEvaluateMemoizesIdenticalContent(t *testing.T) {
	var calls int64
	score := func(_ context.Context, content string) (float64, error) {
		atomic.AddInt64(&calls, 1)
		return float64(len(content)), nil
	}

	e := fitness.New(score, cache.NewMemoryStore[float64](), 4)

	v1, err := e.Evaluate(context.Background(), "hello world")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := e.Evaluate(context.Background(), "hello world")
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Fatalf("expected identical scores, got %v and %v", v1, v2)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected 1 real scoring call, got %d", calls)
	}
	if e.CacheHits() != 1 {
		t.Fatalf("expected 1 cache hit, got %d", e.CacheHits())
	}
}

func TestEvaluateBatchDedupesAndPreservesOrder(t *testing.T) {
	var calls int64
	score := func(_ context.Context, content string) (float64, error) {
		atomic.AddInt64(&calls, 1)
		return float64(len(content)), nil
	}

	e := fitness.New(score, cache.NewMemoryStore[float64](), 4)

	contents := []string{"aa", "bbb", "aa", "cccc", "bbb", "aa"}
	results, errs := e.EvaluateBatch(context.Background(), contents)

	for i, c := range contents {
		if errs[i] != nil {
			t.Fatalf("unexpected error at %d: %v", i, errs[i])
		}
		if results[i] != float64(len(c)) {
			t.Fatalf("index %d: expected %v, got %v", i, len(c), results[i])
		}
	}
	if atomic.LoadInt64(&calls) != 3 {
		t.Fatalf("expected 3 real scoring calls for 3 distinct contents, got %d", calls)
	}
}

func TestEvaluatePropagatesScoreError(t *testing.T) {
	boom := context.Canceled
	score := func(_ context.Context, _ string) (float64, error) { return 0, boom }
	e := fitness.New(score, cache.NewMemoryStore[float64](), 1)

	if _, err := e.Evaluate(context.Background(), "x"); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestEvaluateNilCacheDisablesMemoization(t *testing.T) {
	var calls int64
	score := func(_ context.Context, content string) (float64, error) {
		atomic.AddInt64(&calls, 1)
		return 1, nil
	}
	e := fitness.New(score, nil, 1)
	e.Evaluate(context.Background(), "x")
	e.Evaluate(context.Background(), "x")
	if atomic.LoadInt64(&calls) != 2 {
		t.Fatalf("expected no memoization without a cache, got %d calls", calls)
	}
}
