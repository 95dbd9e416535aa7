package evolution

import "strings"

// tokenize splits content on whitespace. It is deliberately simple
// (no punctuation stripping) so detokenize(tokenize(s)) round-trips
// for the common case of space-separated prompt text.
func tokenize(content string) []string {
	return strings.Fields(content)
}

func detokenize(tokens []string) string {
	return strings.Join(tokens, " ")
}

// splitSentences splits content at '.', '!', and '?' boundaries,
// keeping the delimiter attached to the sentence it ends. Used by
// the semantic crossover operator and semantic_rewrite mutation.
func splitSentences(content string) []string {
	var sentences []string
	var cur strings.Builder

	for _, r := range content {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			sentences = append(sentences, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		sentences = append(sentences, rest)
	}
	if len(sentences) == 0 {
		return []string{content}
	}
	return sentences
}

func joinSentences(sentences []string) string {
	return strings.Join(sentences, " ")
}

// buildVocabulary collects the distinct tokens across seeds, for the
// zero_order mutation's replacement pool (spec.md §4.4: "a token
// drawn from a fixed vocabulary derived from the initial seed set").
func buildVocabulary(seeds []string) []string {
	seen := make(map[string]struct{})
	var vocab []string
	for _, s := range seeds {
		for _, tok := range tokenize(s) {
			if _, ok := seen[tok]; !ok {
				seen[tok] = struct{}{}
				vocab = append(vocab, tok)
			}
		}
	}
	if len(vocab) == 0 {
		vocab = []string{"the", "a", "prompt"}
	}
	return vocab
}
