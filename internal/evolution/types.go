/*
Package evolution implements the population-based prompt optimizer
(spec.md §4.4): tournament selection, crossover, mutation, elitism,
fitness memoization via the fitness package, and convergence/budget/
cancellation/failure-rate termination.

The parallel evaluation path is grounded on tomMoulard/KeyBoardGen's
ParallelEvaluator (pkg/genetic/parallel.go), via fitness.Evaluator: a
bounded worker pool draining a job channel, collecting indexed results
so population order is preserved regardless of completion order.
Reproduction runs sequentially within each generation. Vocabulary-driven
zero_order mutation is grounded on the gateway's intelligence.Classifier
keyword-weighting approach, narrowed here to the set of distinct tokens
in the seed prompts (drawn uniformly, without weighting) rather than a
fixed category lexicon. Generation-history
recording (best/mean/median per generation) follows the shape of the
gateway's analytics ingestion records, adapted from per-request
events to per-generation summaries.
*/
package evolution

import (
	"fmt"
	"time"
)

// MutationStrategy names one of the four mutation operators.
type MutationStrategy string

const (
	MutationZeroOrder       MutationStrategy = "zero_order"
	MutationFirstOrder      MutationStrategy = "first_order"
	MutationSemanticRewrite MutationStrategy = "semantic_rewrite"
	MutationHypermutation   MutationStrategy = "hypermutation"
)

// CrossoverOp names one of the three crossover operators.
type CrossoverOp string

const (
	CrossoverSinglePoint CrossoverOp = "single_point"
	CrossoverUniform     CrossoverOp = "uniform"
	CrossoverSemantic    CrossoverOp = "semantic"
)

// TerminationReason explains why evolve stopped.
type TerminationReason string

const (
	TerminationGenerationsReached  TerminationReason = "generations_reached"
	TerminationConverged           TerminationReason = "converged"
	TerminationBudgetExhausted     TerminationReason = "budget_exhausted"
	TerminationCancelled           TerminationReason = "cancelled"
	TerminationFailureRateExceeded TerminationReason = "failure_rate_exceeded"
)

// Individual is one candidate prompt in the population (spec.md §3).
type Individual struct {
	ID         string
	Content    string
	Generation int
	Fitness    float64
	FitnessSet bool
	ParentIDs  []string
	Mutations  []string
	Timestamp  time.Time
}

// Population is an ordered sequence of Individuals.
type Population []Individual

// Config configures an Engine. Zero-value fields are filled with the
// defaults documented per-field; Validate enforces the invariants
// spec'd for construction-time failure.
type Config struct {
	PopulationSize int
	Generations    int
	MutationRate   float64
	CrossoverRate  float64
	EliteCount     int

	MutationStrategies  []MutationStrategy
	CrossoverOperations []CrossoverOp

	TournamentSize int // default 3

	MaxFitnessEvaluations int     // 0 means unbounded
	ConvergenceThreshold  float64 // 0 means disabled
	ConvergencePatience   int     // default 3, only meaningful if ConvergenceThreshold > 0

	FailureRateThreshold float64 // fraction of PopulationSize; default 0.25

	Workers int // fitness-evaluation worker pool size; default 4
}

// withDefaults returns a copy of c with zero-value optional fields
// filled in.
func (c Config) withDefaults() Config {
	if c.TournamentSize <= 0 {
		c.TournamentSize = 3
	}
	if c.ConvergencePatience <= 0 {
		c.ConvergencePatience = 3
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.25
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if len(c.MutationStrategies) == 0 {
		c.MutationStrategies = []MutationStrategy{
			MutationZeroOrder, MutationFirstOrder, MutationSemanticRewrite, MutationHypermutation,
		}
	}
	if len(c.CrossoverOperations) == 0 {
		c.CrossoverOperations = []CrossoverOp{CrossoverSinglePoint, CrossoverUniform, CrossoverSemantic}
	}
	return c
}

// Validate enforces the invariants spec'd for invalid-configuration
// (spec.md §4.4 / §7): construction fails fast rather than surfacing
// a malformed run.
func (c Config) Validate() error {
	if c.PopulationSize <= 0 {
		return fmt.Errorf("%w: population_size must be positive, got %d", ErrInvalidConfiguration, c.PopulationSize)
	}
	if c.Generations <= 0 {
		return fmt.Errorf("%w: generations must be positive, got %d", ErrInvalidConfiguration, c.Generations)
	}
	if c.MutationRate < 0 || c.MutationRate > 1 {
		return fmt.Errorf("%w: mutation_rate must be in [0,1], got %v", ErrInvalidConfiguration, c.MutationRate)
	}
	if c.CrossoverRate < 0 || c.CrossoverRate > 1 {
		return fmt.Errorf("%w: crossover_rate must be in [0,1], got %v", ErrInvalidConfiguration, c.CrossoverRate)
	}
	if c.EliteCount < 0 || c.EliteCount > c.PopulationSize {
		return fmt.Errorf("%w: elite_count must be within [0, population_size], got %d", ErrInvalidConfiguration, c.EliteCount)
	}
	if c.TournamentSize < 0 {
		return fmt.Errorf("%w: tournament_size must be non-negative, got %d", ErrInvalidConfiguration, c.TournamentSize)
	}
	if c.ConvergenceThreshold < 0 {
		return fmt.Errorf("%w: convergence_threshold must be non-negative, got %v", ErrInvalidConfiguration, c.ConvergenceThreshold)
	}
	return nil
}

// GenerationStats summarizes one generation's fitness distribution
// for the returned history (spec.md §6 terminal_result).
type GenerationStats struct {
	Generation int
	Best       float64
	Mean       float64
	Median     float64
}

// Result is evolve's terminal output.
type Result struct {
	Population       []Individual
	History          []GenerationStats
	TotalEvaluations uint64
	Termination      TerminationReason
}
