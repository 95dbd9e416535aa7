package evolution

import "github.com/promptlab/promptlab/internal/randsrc"

// crossover applies op to parents a and b, returning the child's
// prompt text (spec.md §4.4 crossover operations table).
func crossover(op CrossoverOp, a, b string, rnd randsrc.Source) string {
	switch op {
	case CrossoverUniform:
		return crossoverUniform(a, b, rnd)
	case CrossoverSemantic:
		return crossoverSemantic(a, b, rnd)
	default:
		return crossoverSinglePoint(a, b, rnd)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// crossoverSinglePoint picks a token index p strictly between 0 and
// min(|A|,|B|), and assembles child = A[0:p] ++ B[p:].
func crossoverSinglePoint(a, b string, rnd randsrc.Source) string {
	ta, tb := tokenize(a), tokenize(b)
	m := minInt(len(ta), len(tb))
	if m < 2 {
		return a
	}
	p := 1 + rnd.Intn(m-1)
	child := append(append([]string{}, ta[:p]...), tb[p:]...)
	return detokenize(child)
}

// crossoverUniform takes each token position up to min(|A|,|B|) from
// A or B with equal probability, then appends the tail of whichever
// parent is longer.
func crossoverUniform(a, b string, rnd randsrc.Source) string {
	ta, tb := tokenize(a), tokenize(b)
	m := minInt(len(ta), len(tb))
	child := make([]string, 0, m)
	for i := 0; i < m; i++ {
		if rnd.Float64() < 0.5 {
			child = append(child, ta[i])
		} else {
			child = append(child, tb[i])
		}
	}
	if len(ta) > m {
		child = append(child, ta[m:]...)
	} else if len(tb) > m {
		child = append(child, tb[m:]...)
	}
	return detokenize(child)
}

// crossoverSemantic splits each parent at sentence boundaries and
// assembles the child by alternately drawing one sentence from each
// parent until both are exhausted.
func crossoverSemantic(a, b string, rnd randsrc.Source) string {
	sa, sb := splitSentences(a), splitSentences(b)
	var child []string
	i, j := 0, 0
	fromA := rnd.Float64() < 0.5
	for i < len(sa) || j < len(sb) {
		if fromA && i < len(sa) {
			child = append(child, sa[i])
			i++
		} else if !fromA && j < len(sb) {
			child = append(child, sb[j])
			j++
		} else if i < len(sa) {
			child = append(child, sa[i])
			i++
		} else if j < len(sb) {
			child = append(child, sb[j])
			j++
		}
		fromA = !fromA
	}
	return joinSentences(child)
}
