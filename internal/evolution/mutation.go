package evolution

import (
	"context"
	"strings"

	"github.com/promptlab/promptlab/internal/modelrouter"
	"github.com/promptlab/promptlab/internal/randsrc"
)

// rewriter is the narrow slice of *modelrouter.Router that
// semantic_rewrite depends on, so tests can fake it without standing
// up a real router.
type rewriter interface {
	Route(ctx context.Context, req modelrouter.BackendRequest) (modelrouter.BackendResponse, error)
}

const semanticRewritePrompt = "Rewrite the following prompt to be clearer and more effective while preserving its intent:\n\n"

// mutate applies strategy to content, returning the mutated content
// and the ordered list of strategy names actually applied (more than
// one for hypermutation, or when semantic_rewrite falls back to
// first_order).
func mutate(ctx context.Context, strategy MutationStrategy, content string, vocab []string, rw rewriter, model string, rnd randsrc.Source) (string, []string) {
	switch strategy {
	case MutationZeroOrder:
		return zeroOrderMutate(content, vocab, rnd), []string{string(MutationZeroOrder)}
	case MutationFirstOrder:
		return firstOrderMutate(content, rnd), []string{string(MutationFirstOrder)}
	case MutationSemanticRewrite:
		return semanticRewriteMutate(ctx, content, rw, model, rnd)
	case MutationHypermutation:
		return hypermutate(content, vocab, rnd)
	default:
		return content, nil
	}
}

// zeroOrderMutate replaces one token, chosen at a uniformly random
// position, with a token drawn uniformly from vocab.
func zeroOrderMutate(content string, vocab []string, rnd randsrc.Source) string {
	toks := tokenize(content)
	if len(toks) == 0 || len(vocab) == 0 {
		return content
	}
	pos := rnd.Intn(len(toks))
	toks[pos] = vocab[rnd.Intn(len(vocab))]
	return detokenize(toks)
}

// firstOrderMutate applies one of insert, delete, or swap at a
// uniformly random position, each chosen with equal probability.
func firstOrderMutate(content string, rnd randsrc.Source) string {
	toks := tokenize(content)
	if len(toks) == 0 {
		return content
	}

	switch rnd.Intn(3) {
	case 0: // insert: duplicate the token at pos immediately after itself
		pos := rnd.Intn(len(toks))
		out := make([]string, 0, len(toks)+1)
		out = append(out, toks[:pos+1]...)
		out = append(out, toks[pos])
		out = append(out, toks[pos+1:]...)
		return detokenize(out)
	case 1: // delete
		if len(toks) == 1 {
			return content
		}
		pos := rnd.Intn(len(toks))
		out := append(append([]string{}, toks[:pos]...), toks[pos+1:]...)
		return detokenize(out)
	default: // swap with its neighbor
		if len(toks) < 2 {
			return content
		}
		pos := rnd.Intn(len(toks) - 1)
		toks[pos], toks[pos+1] = toks[pos+1], toks[pos]
		return detokenize(toks)
	}
}

// semanticRewriteMutate asks the model router to paraphrase one
// sentence of content, chosen at random, and splices the rewritten
// sentence back in (spec.md §4.4 mutation table: "replace one
// sentence with a paraphrase"). On any router error it falls back to
// first_order over the whole content, tagging both strategies in the
// returned mutation list so callers can see the fallback occurred.
func semanticRewriteMutate(ctx context.Context, content string, rw rewriter, model string, rnd randsrc.Source) (string, []string) {
	fallback := func() (string, []string) {
		mutated := firstOrderMutate(content, rnd)
		return mutated, []string{string(MutationSemanticRewrite), string(MutationFirstOrder)}
	}
	if rw == nil {
		return fallback()
	}

	sentences := splitSentences(content)
	idx := rnd.Intn(len(sentences))

	resp, err := rw.Route(ctx, modelrouter.BackendRequest{
		Model:         model,
		Prompt:        semanticRewritePrompt + sentences[idx],
		AllowCache:    true,
		AllowFailover: true,
	})
	if err != nil || resp.Content == "" {
		return fallback()
	}

	sentences[idx] = strings.TrimSpace(resp.Content)
	return joinSentences(sentences), []string{string(MutationSemanticRewrite)}
}

// hypermutate applies between 2 and 5 mutations drawn from
// {zero_order, first_order}, accumulating every strategy name applied.
func hypermutate(content string, vocab []string, rnd randsrc.Source) (string, []string) {
	n := rnd.Intn(4) + 2 // [2,5]
	applied := make([]string, 0, n+1)
	applied = append(applied, string(MutationHypermutation))

	cur := content
	for i := 0; i < n; i++ {
		if rnd.Intn(2) == 0 {
			cur = zeroOrderMutate(cur, vocab, rnd)
			applied = append(applied, string(MutationZeroOrder))
		} else {
			cur = firstOrderMutate(cur, rnd)
			applied = append(applied, string(MutationFirstOrder))
		}
	}
	return cur, applied
}
