package chunker

import (
	"sort"
	"strings"
	"unicode"
)

// span is one token's byte range in the source text.
type span struct {
	start, end int
}

// tokenize splits text into whitespace-delimited token spans in one pass.
// Offsets are bytes into the original text, so chunk boundaries can tile
// the source exactly.
func tokenize(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, span{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, span{start: start, end: len(text)})
	}
	return spans
}

// boundaries returns token indices that open a paragraph or sentence, in
// ascending order. Index i is a boundary when the gap before token i holds
// a blank line, or the previous token ends a sentence.
func boundaries(text string, tokens []span) []int {
	var out []int
	for i := 1; i < len(tokens); i++ {
		gap := text[tokens[i-1].end:tokens[i].start]
		if strings.Count(gap, "\n") >= 2 {
			out = append(out, i)
			continue
		}
		if endsSentence(text[tokens[i-1].start:tokens[i-1].end]) {
			out = append(out, i)
		}
	}
	return out
}

func endsSentence(token string) bool {
	token = strings.TrimRight(token, `"')]`)
	if token == "" {
		return false
	}
	switch token[len(token)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// nearestBoundary picks the boundary token index closest to ideal within
// [lo, hi], or -1. Boundaries are sorted, so this is a binary search, not
// a rescan.
func nearestBoundary(bounds []int, lo, hi, ideal int) int {
	if len(bounds) == 0 || lo > hi {
		return -1
	}
	i := sort.SearchInts(bounds, ideal+1) // first boundary > ideal
	best := -1
	if i > 0 && bounds[i-1] >= lo && bounds[i-1] <= hi {
		best = bounds[i-1]
	}
	if i < len(bounds) && bounds[i] <= hi && bounds[i] >= lo {
		if best == -1 || bounds[i]-ideal < ideal-best {
			best = bounds[i]
		}
	}
	return best
}

// EstimateTokens gives a rough LLM token count using a words-based
// heuristic. Chunk boundaries never depend on it; it only sizes metadata.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := int(float64(len(strings.Fields(text))) * 1.33)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
