/*
Package fitness wraps an arbitrary scoring function with the
memoization and parallel-batch evaluation semantics spec'd for the
prompt fitness evaluator (spec.md §4.2).

The worker-pool batch path is grounded on tomMoulard/KeyBoardGen's
ParallelEvaluator (pkg/genetic/parallel.go): a fixed pool of workers
drains a job channel and writes each result into its input index of
the result slices, so ordering of the returned slice matches the input
slice regardless of completion order. Memoization is grounded on the Model Router's
own response-cache pattern, narrowed here to a cache.Store[float64]
keyed by an xxhash fingerprint of the exact candidate content.
*/
package fitness

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/promptlab/promptlab/internal/cache"
)

// ScoreFunc computes the fitness of a single candidate's content. It
// must be safe for concurrent use; the Evaluator calls it from
// multiple goroutines during batch evaluation.
type ScoreFunc func(ctx context.Context, content string) (float64, error)

// Key returns the memoization key for content: an exact-match
// fingerprint, not a semantic one, because fitness scores are not
// expected to be stable across near-duplicate phrasing (spec.md
// Open Question: fitness cache key = exact content).
func Key(content string) string {
	return strconv.FormatUint(xxhash.Sum64String(content), 16)
}

// Evaluator scores candidate content, memoizing results so repeated
// evaluation of the same content (e.g. a re-surfaced elite individual)
// never re-invokes ScoreFunc.
type Evaluator struct {
	score   ScoreFunc
	cache   cache.Store[float64]
	workers int

	evaluations uint64 // count of real, non-cache-hit ScoreFunc invocations
	cacheHits   uint64
}

// New constructs an Evaluator. workers <= 0 defaults to 1 (sequential
// evaluation); cacheStore may be nil, in which case memoization is
// disabled and every Evaluate call re-scores.
func New(score ScoreFunc, cacheStore cache.Store[float64], workers int) *Evaluator {
	if workers <= 0 {
		workers = 1
	}
	return &Evaluator{score: score, cache: cacheStore, workers: workers}
}

// Evaluations returns the number of ScoreFunc invocations that were
// not served from the memoization cache, for budget accounting in the
// evolution engine (spec.md §4.4 max_fitness_evaluations).
func (e *Evaluator) Evaluations() uint64 { return atomic.LoadUint64(&e.evaluations) }

// CacheHits returns the number of Evaluate/EvaluateBatch calls served
// from the memoization cache.
func (e *Evaluator) CacheHits() uint64 { return atomic.LoadUint64(&e.cacheHits) }

// Evaluate scores a single piece of content, consulting and
// populating the memoization cache.
func (e *Evaluator) Evaluate(ctx context.Context, content string) (float64, error) {
	key := Key(content)
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			atomic.AddUint64(&e.cacheHits, 1)
			return v, nil
		}
	}

	score, err := e.score(ctx, content)
	if err != nil {
		return 0, fmt.Errorf("fitness: score content: %w", err)
	}
	atomic.AddUint64(&e.evaluations, 1)

	if e.cache != nil {
		e.cache.Set(key, score)
	}
	return score, nil
}

// EvaluateBatch scores every element of contents, deduplicating
// identical content within the batch so it is scored at most once
// regardless of how many times it recurs (e.g. two individuals that
// mutated to the same text), and fans the unique work out across a
// bounded worker pool. The returned slices are positionally aligned
// with contents: result[i] / errs[i] correspond to contents[i].
func (e *Evaluator) EvaluateBatch(ctx context.Context, contents []string) ([]float64, []error) {
	results := make([]float64, len(contents))
	errs := make([]error, len(contents))

	type job struct {
		content string
		indices []int
	}

	unique := make(map[string][]int, len(contents))
	order := make([]string, 0, len(contents))
	for i, c := range contents {
		if _, seen := unique[c]; !seen {
			order = append(order, c)
		}
		unique[c] = append(unique[c], i)
	}

	jobs := make(chan job, len(order))
	for _, c := range order {
		jobs <- job{content: c, indices: unique[c]}
	}
	close(jobs)

	workers := e.workers
	if workers > len(order) {
		workers = len(order)
	}
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				score, err := e.Evaluate(ctx, j.content)
				for _, idx := range j.indices {
					results[idx] = score
					errs[idx] = err
				}
			}
		}()
	}
	wg.Wait()

	return results, errs
}
