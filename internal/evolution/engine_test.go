package evolution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/promptlab/promptlab/internal/clock"
	"github.com/promptlab/promptlab/internal/randsrc"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                 { return f.now }
func (f *fakeClock) Since(t time.Time) time.Duration { return f.now.Sub(t) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now
	return ch
}
func (f *fakeClock) NewTimer(d time.Duration) clock.Timer { panic("unused in tests") }

// tokenCountScore rewards longer content, giving mutation/crossover
// visible, deterministic selection pressure to climb.
func tokenCountScore(_ context.Context, content string) (float64, error) {
	return float64(len(tokenize(content))), nil
}

func baseConfig() Config {
	return Config{
		PopulationSize: 6,
		Generations:    5,
		MutationRate:   0.5,
		CrossoverRate:  0.5,
		EliteCount:     1,
		TournamentSize: 3,
		Workers:        2,
	}
}

func TestEvolveBestFitnessNeverDecreases(t *testing.T) {
	cfg := baseConfig()
	e, err := New(cfg, WithRandom(randsrc.New(42)), WithClock(&fakeClock{now: time.Unix(0, 0)}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := e.Evolve(context.Background(), []string{"one two three", "four five"}, tokenCountScore)
	if err != nil {
		t.Fatalf("Evolve: %v", err)
	}

	best := result.History[0].Best
	for _, g := range result.History[1:] {
		if g.Best < best {
			t.Fatalf("best fitness decreased from %v to %v at generation %d", best, g.Best, g.Generation)
		}
		best = g.Best
	}
}

func TestEvolveIsDeterministicForIdenticalSeeds(t *testing.T) {
	cfg := baseConfig()
	run := func() Result {
		e, err := New(cfg, WithRandom(randsrc.New(7)), WithClock(&fakeClock{now: time.Unix(0, 0)}))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		result, err := e.Evolve(context.Background(), []string{"alpha beta gamma", "delta epsilon"}, tokenCountScore)
		if err != nil {
			t.Fatalf("Evolve: %v", err)
		}
		return result
	}

	a, b := run(), run()
	if len(a.Population) != len(b.Population) {
		t.Fatalf("population size differs between runs: %d vs %d", len(a.Population), len(b.Population))
	}
	for i := range a.Population {
		if a.Population[i].Content != b.Population[i].Content {
			t.Fatalf("run divergence at individual %d: %q vs %q", i, a.Population[i].Content, b.Population[i].Content)
		}
	}
}

func TestEvolveConvergesAndTerminatesEarly(t *testing.T) {
	cfg := baseConfig()
	cfg.Generations = 50
	cfg.ConvergenceThreshold = 0.0001
	cfg.ConvergencePatience = 2

	constScore := func(_ context.Context, _ string) (float64, error) { return 1.0, nil }

	e, err := New(cfg, WithRandom(randsrc.New(3)), WithClock(&fakeClock{now: time.Unix(0, 0)}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := e.Evolve(context.Background(), []string{"same content every time"}, constScore)
	if err != nil {
		t.Fatalf("Evolve: %v", err)
	}
	if result.Termination != TerminationConverged {
		t.Fatalf("expected converged termination, got %v", result.Termination)
	}
	if len(result.History) >= cfg.Generations {
		t.Fatalf("expected early termination before %d generations, ran %d", cfg.Generations, len(result.History))
	}
}

func TestEvolveFailureRateExceededTerminatesWithPartialPopulation(t *testing.T) {
	cfg := baseConfig()
	cfg.FailureRateThreshold = 0.1

	alwaysFail := func(_ context.Context, _ string) (float64, error) { return 0, errors.New("scoring backend down") }

	e, err := New(cfg, WithRandom(randsrc.New(1)), WithClock(&fakeClock{now: time.Unix(0, 0)}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := e.Evolve(context.Background(), []string{"one two three"}, alwaysFail)
	if err != nil {
		t.Fatalf("Evolve: %v", err)
	}
	if result.Termination != TerminationFailureRateExceeded {
		t.Fatalf("expected failure_rate_exceeded, got %v", result.Termination)
	}
	if len(result.Population) != 0 {
		t.Fatalf("expected no successfully-evaluated survivors, got %d", len(result.Population))
	}
}

func TestEvolveElitismPreservesTopIndividualUnchanged(t *testing.T) {
	cfg := baseConfig()
	cfg.Generations = 2
	cfg.EliteCount = 1

	e, err := New(cfg, WithRandom(randsrc.New(5)), WithClock(&fakeClock{now: time.Unix(0, 0)}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	result, err := e.Evolve(context.Background(), []string{"a much longer seed phrase here", "short"}, tokenCountScore)
	if err != nil {
		t.Fatalf("Evolve: %v", err)
	}

	var bestID string
	var bestFitness float64 = -1
	for _, ind := range result.Population {
		if ind.Fitness > bestFitness {
			bestFitness = ind.Fitness
			bestID = ind.ID
		}
	}
	if bestID == "" {
		t.Fatalf("expected a best individual to exist")
	}

	// The generation-0 elite is the only generation-0 individual that
	// can reach the final population, carried over with its fitness.
	var elites []Individual
	for _, ind := range result.Population {
		if ind.Generation == 0 {
			elites = append(elites, ind)
		}
	}
	if len(elites) != cfg.EliteCount {
		t.Fatalf("expected %d generation-0 elite in the final population, got %d", cfg.EliteCount, len(elites))
	}
	if elites[0].Fitness != result.History[0].Best {
		t.Fatalf("expected elite fitness %v (generation 0 best), got %v", result.History[0].Best, elites[0].Fitness)
	}
}

func TestEvolveRejectsInvalidConfiguration(t *testing.T) {
	cfg := baseConfig()
	cfg.PopulationSize = 0
	if _, err := New(cfg); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestEvolveCancellationStopsBeforeFurtherReproduction(t *testing.T) {
	cfg := baseConfig()
	cfg.Generations = 20

	e, err := New(cfg, WithRandom(randsrc.New(9)), WithClock(&fakeClock{now: time.Unix(0, 0)}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.Evolve(ctx, []string{"one two three"}, tokenCountScore)
	if err != nil {
		t.Fatalf("Evolve: %v", err)
	}
	if result.Termination != TerminationCancelled {
		t.Fatalf("expected cancelled termination, got %v", result.Termination)
	}
}
