package evolution

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/promptlab/promptlab/internal/cache"
	"github.com/promptlab/promptlab/internal/clock"
	"github.com/promptlab/promptlab/internal/fitness"
	"github.com/promptlab/promptlab/internal/randsrc"
)

// maxReplacementAttemptsPerFailure bounds how many times the engine
// will retry reproducing a replacement for a single failed individual
// before giving up on that slot, guarding against an unlucky run of
// repeated evaluation failures spinning forever.
const maxReplacementAttemptsPerFailure = 5

// Engine runs the population-based prompt optimizer described in
// spec.md §4.4.
type Engine struct {
	cfg Config

	clk clock.Clock
	rnd randsrc.Source
	rw  rewriter

	rewriteModel string
	vocab        []string
	log          zerolog.Logger

	nextID uint64
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clk = c } }
func WithRandom(s randsrc.Source) Option { return func(e *Engine) { e.rnd = s } }
func WithRewriter(r rewriter, model string) Option {
	return func(e *Engine) { e.rw = r; e.rewriteModel = model }
}
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// New validates cfg and constructs an Engine. A nil rewriter is fine;
// semantic_rewrite will always fall back to first_order in that case.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, clk: clock.Real{}, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.rnd == nil {
		e.rnd = randsrc.New(1)
	}
	return e, nil
}

func (e *Engine) newID() string {
	n := atomic.AddUint64(&e.nextID, 1)
	return fmt.Sprintf("ind-%d", n)
}

// Evolve runs the full generation loop against seeds, using fitnessFn
// (wrapped in a memoizing fitness.Evaluator) to score each candidate.
func (e *Engine) Evolve(ctx context.Context, seeds []string, fitnessFn fitness.ScoreFunc) (Result, error) {
	if len(seeds) == 0 {
		return Result{}, fmt.Errorf("%w: at least one seed is required", ErrInvalidConfiguration)
	}

	e.vocab = buildVocabulary(seeds)
	evaluator := fitness.New(fitnessFn, cache.NewMemoryStore[float64](), e.cfg.Workers)

	pop := e.seedPopulation(seeds)
	result := Result{Termination: TerminationGenerationsReached}

	var prevBest float64
	stagnantGenerations := 0
	first := true

	for gen := 0; gen < e.cfg.Generations; gen++ {
		if ctx.Err() != nil {
			result.Termination = TerminationCancelled
			break
		}

		ok, term := e.evaluateGeneration(ctx, evaluator, pop)
		pop = ok
		if term != "" {
			result.Termination = term
			result.Population = pop
			result.TotalEvaluations = evaluator.Evaluations()
			return result, nil
		}
		if len(pop) == 0 {
			result.Termination = TerminationFailureRateExceeded
			result.TotalEvaluations = evaluator.Evaluations()
			return result, nil
		}

		sortByFitnessDesc(pop)
		stats := summarize(gen, pop)
		result.History = append(result.History, stats)

		if e.cfg.ConvergenceThreshold > 0 {
			if !first {
				// spec.md §4.4 step 5: relative change in best fitness
				// against the immediately preceding generation, not an
				// absolute difference against the best seen so far —
				// an absolute threshold is meaningless once the
				// fitness scale is far from ~1.
				var relChange float64
				if prevBest != 0 {
					relChange = (stats.Best - prevBest) / math.Abs(prevBest)
				} else {
					relChange = stats.Best - prevBest
				}
				if relChange < e.cfg.ConvergenceThreshold {
					stagnantGenerations++
				} else {
					stagnantGenerations = 0
				}
			}
			prevBest = stats.Best
			first = false
			if stagnantGenerations >= e.cfg.ConvergencePatience {
				result.Termination = TerminationConverged
				result.Population = pop
				result.TotalEvaluations = evaluator.Evaluations()
				return result, nil
			}
		}

		if e.cfg.MaxFitnessEvaluations > 0 && evaluator.Evaluations() >= uint64(e.cfg.MaxFitnessEvaluations) {
			result.Termination = TerminationBudgetExhausted
			result.Population = pop
			result.TotalEvaluations = evaluator.Evaluations()
			return result, nil
		}

		if gen == e.cfg.Generations-1 {
			break
		}
		if ctx.Err() != nil {
			result.Termination = TerminationCancelled
			break
		}

		pop = e.nextGeneration(ctx, pop)
	}

	result.Population = pop
	result.TotalEvaluations = evaluator.Evaluations()
	return result, nil
}

// seedPopulation builds generation 0: the seeds themselves (truncated
// if there are more than PopulationSize), padded out with mutated
// copies of randomly chosen seeds if there are fewer.
func (e *Engine) seedPopulation(seeds []string) Population {
	pop := make(Population, 0, e.cfg.PopulationSize)
	for i := 0; i < e.cfg.PopulationSize; i++ {
		var content string
		if i < len(seeds) {
			content = seeds[i]
		} else {
			base := seeds[e.rnd.Intn(len(seeds))]
			content, _ = mutate(context.Background(), MutationFirstOrder, base, e.vocab, e.rw, e.rewriteModel, e.rnd)
		}
		pop = append(pop, Individual{
			ID:         e.newID(),
			Content:    content,
			Generation: 0,
			Timestamp:  e.clk.Now(),
		})
	}
	return pop
}

// evaluateGeneration scores every not-yet-scored individual in pop.
// If the cumulative failure count for this generation exceeds
// FailureRateThreshold*PopulationSize, it returns immediately with
// only the successfully-evaluated subset and a failure-rate
// termination reason. Otherwise every failed individual is replaced,
// one at a time, by a freshly reproduced and re-evaluated individual
// drawn from the successfully-evaluated remainder.
func (e *Engine) evaluateGeneration(ctx context.Context, evaluator *fitness.Evaluator, pop Population) (Population, TerminationReason) {
	pending := make([]int, 0, len(pop))
	for i, ind := range pop {
		if !ind.FitnessSet {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return pop, ""
	}

	contents := make([]string, len(pending))
	for j, idx := range pending {
		contents[j] = pop[idx].Content
	}
	scores, errs := evaluator.EvaluateBatch(ctx, contents)

	maxFailures := e.cfg.FailureRateThreshold * float64(e.cfg.PopulationSize)
	failures := 0
	var failedIdx []int
	for j, idx := range pending {
		if errs[j] != nil {
			failures++
			failedIdx = append(failedIdx, idx)
			continue
		}
		pop[idx].Fitness = scores[j]
		pop[idx].FitnessSet = true
	}
	if float64(failures) > maxFailures {
		survivors := make(Population, 0, len(pop)-failures)
		for _, ind := range pop {
			if ind.FitnessSet {
				survivors = append(survivors, ind)
			}
		}
		return survivors, TerminationFailureRateExceeded
	}

	survivorPool := make(Population, 0, len(pop))
	for _, ind := range pop {
		if ind.FitnessSet {
			survivorPool = append(survivorPool, ind)
		}
	}
	for _, idx := range failedIdx {
		replaced := false
		for attempt := 0; attempt < maxReplacementAttemptsPerFailure && len(survivorPool) > 0; attempt++ {
			parent := tournamentSelect(survivorPool, e.cfg.TournamentSize, e.rnd)
			content, mutations := e.reproduceOne(ctx, parent, pop[idx].Generation)
			score, err := evaluator.Evaluate(ctx, content)
			if err != nil {
				failures++
				if float64(failures) > maxFailures {
					survivors := make(Population, 0, len(pop))
					for _, ind := range pop {
						if ind.FitnessSet {
							survivors = append(survivors, ind)
						}
					}
					return survivors, TerminationFailureRateExceeded
				}
				continue
			}
			pop[idx] = Individual{
				ID:         e.newID(),
				Content:    content,
				Generation: pop[idx].Generation,
				Fitness:    score,
				FitnessSet: true,
				ParentIDs:  []string{parent.ID},
				Mutations:  mutations,
				Timestamp:  e.clk.Now(),
			}
			survivorPool = append(survivorPool, pop[idx])
			replaced = true
			break
		}
		if !replaced {
			// Could not find a replacement; drop the slot rather than
			// carry an unevaluated individual forward.
			pop[idx].FitnessSet = false
		}
	}

	final := make(Population, 0, len(pop))
	for _, ind := range pop {
		if ind.FitnessSet {
			final = append(final, ind)
		}
	}
	return final, ""
}

// reproduceOne applies a single mutation strategy (drawn uniformly
// from the configured set) to parent's content.
func (e *Engine) reproduceOne(ctx context.Context, parent Individual, generation int) (string, []string) {
	strategy := e.cfg.MutationStrategies[e.rnd.Intn(len(e.cfg.MutationStrategies))]
	return mutate(ctx, strategy, parent.Content, e.vocab, e.rw, e.rewriteModel, e.rnd)
}

// nextGeneration builds generation g+1 from the evaluated population
// g: EliteCount top individuals pass through unchanged, and the rest
// are filled by crossover-then-mutation offspring of tournament-
// selected parents.
func (e *Engine) nextGeneration(ctx context.Context, pop Population) Population {
	sortByFitnessDesc(pop)

	next := make(Population, 0, e.cfg.PopulationSize)
	elites := e.cfg.EliteCount
	if elites > len(pop) {
		elites = len(pop)
	}
	for i := 0; i < elites; i++ {
		next = append(next, pop[i])
	}

	gen := pop[0].Generation + 1
	for len(next) < e.cfg.PopulationSize {
		parentA := tournamentSelect(pop, e.cfg.TournamentSize, e.rnd)
		content := parentA.Content
		parentIDs := []string{parentA.ID}
		var mutations []string

		if e.rnd.Float64() < e.cfg.CrossoverRate {
			parentB := tournamentSelect(pop, e.cfg.TournamentSize, e.rnd)
			op := e.cfg.CrossoverOperations[e.rnd.Intn(len(e.cfg.CrossoverOperations))]
			content = crossover(op, parentA.Content, parentB.Content, e.rnd)
			parentIDs = append(parentIDs, parentB.ID)
		}

		if e.rnd.Float64() < e.cfg.MutationRate {
			strategy := e.cfg.MutationStrategies[e.rnd.Intn(len(e.cfg.MutationStrategies))]
			content, mutations = mutate(ctx, strategy, content, e.vocab, e.rw, e.rewriteModel, e.rnd)
		}

		next = append(next, Individual{
			ID:         e.newID(),
			Content:    content,
			Generation: gen,
			ParentIDs:  parentIDs,
			Mutations:  mutations,
			Timestamp:  e.clk.Now(),
		})
	}
	return next
}

func sortByFitnessDesc(pop Population) {
	sort.SliceStable(pop, func(i, j int) bool {
		return better(pop[i], pop[j])
	})
}

func summarize(gen int, pop Population) GenerationStats {
	if len(pop) == 0 {
		return GenerationStats{Generation: gen}
	}
	sorted := make([]float64, len(pop))
	sum := 0.0
	for i, ind := range pop {
		sorted[i] = ind.Fitness
		sum += ind.Fitness
	}
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	median := sorted[mid]
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	}

	return GenerationStats{
		Generation: gen,
		Best:       sorted[len(sorted)-1],
		Mean:       sum / float64(len(sorted)),
		Median:     median,
	}
}
