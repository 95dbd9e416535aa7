package evolution

import "github.com/promptlab/promptlab/internal/randsrc"

// tournamentSelect draws size individuals uniformly without
// replacement from pool and returns the one with the highest fitness,
// breaking ties by earlier timestamp then lexicographically smaller
// id (spec.md §4.4). pool must contain only fitness-set individuals.
func tournamentSelect(pool []Individual, size int, rnd randsrc.Source) Individual {
	if size <= 0 || size > len(pool) {
		size = len(pool)
	}

	order := make([]int, len(pool))
	for i := range order {
		order[i] = i
	}
	rnd.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	best := pool[order[0]]
	for _, idx := range order[1:size] {
		cand := pool[idx]
		if better(cand, best) {
			best = cand
		}
	}
	return best
}

// better reports whether a should win a tournament over b.
func better(a, b Individual) bool {
	if a.Fitness != b.Fitness {
		return a.Fitness > b.Fitness
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
