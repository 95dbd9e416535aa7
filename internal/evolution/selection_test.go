package evolution

import (
	"testing"
	"time"

	"github.com/promptlab/promptlab/internal/randsrc"
)

func TestTournamentSelectReturnsHighestFitness(t *testing.T) {
	pool := Population{
		{ID: "a", Fitness: 0.1, FitnessSet: true, Timestamp: time.Unix(0, 0)},
		{ID: "b", Fitness: 0.9, FitnessSet: true, Timestamp: time.Unix(0, 0)},
		{ID: "c", Fitness: 0.5, FitnessSet: true, Timestamp: time.Unix(0, 0)},
	}
	rnd := randsrc.New(1)
	winner := tournamentSelect(pool, 3, rnd)
	if winner.ID != "b" {
		t.Fatalf("expected b to win a full-pool tournament, got %s", winner.ID)
	}
}

func TestTournamentSelectTieBreaksByTimestampThenID(t *testing.T) {
	earlier := time.Unix(100, 0)
	later := time.Unix(200, 0)
	pool := Population{
		{ID: "z", Fitness: 1.0, FitnessSet: true, Timestamp: later},
		{ID: "a", Fitness: 1.0, FitnessSet: true, Timestamp: earlier},
		{ID: "b", Fitness: 1.0, FitnessSet: true, Timestamp: earlier},
	}
	winner := tournamentSelect(pool, 3, randsrc.New(1))
	if winner.ID != "a" {
		t.Fatalf("expected earlier timestamp then lexicographically smaller id to win, got %s", winner.ID)
	}
}

func TestTournamentSelectClampsSizeToPoolLength(t *testing.T) {
	pool := Population{
		{ID: "a", Fitness: 0.1, FitnessSet: true},
		{ID: "b", Fitness: 0.2, FitnessSet: true},
	}
	winner := tournamentSelect(pool, 10, randsrc.New(1))
	if winner.ID != "b" {
		t.Fatalf("expected b, got %s", winner.ID)
	}
}
