// Package chunker splits converted text into bounded, optionally
// overlapping segments for language-model consumption.
package chunker

// Strategy selects how chunk boundaries are chosen.
type Strategy string

const (
	// StrategyToken cuts at exact token counts.
	StrategyToken Strategy = "token"
	// StrategySemantic prefers the paragraph/sentence boundary nearest the
	// token limit, falling back to token cuts outside a tolerance window.
	StrategySemantic Strategy = "semantic"
	// StrategyHybrid searches for a boundary first and falls back per
	// segment only when the result would be empty or oversized.
	StrategyHybrid Strategy = "hybrid"
)

// Config controls chunking behavior.
type Config struct {
	Strategy      Strategy
	MaxTokens     int
	OverlapTokens int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:      StrategyToken,
		MaxTokens:     1500,
		OverlapTokens: 200,
	}
}

// Chunk is one bounded segment of the source text. Start/End are byte
// offsets into the source; a chunk's text is exactly source[Start:End], so
// concatenating chunks minus their declared overlaps rebuilds the source.
type Chunk struct {
	Index      int      `json:"index"`
	Text       string   `json:"text"`
	TokenCount int      `json:"token_count"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Strategy   Strategy `json:"strategy"`
	// Overlap is the number of tokens shared with the previous chunk.
	Overlap int `json:"overlap"`
}

// Split chunks text deterministically. Token and boundary offsets are
// precomputed in a single pass; chunk ends are found by binary search, so
// the whole run is linear-plus-log in text length with no rescans.
func Split(text string, cfg Config) []Chunk {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.OverlapTokens < 0 {
		cfg.OverlapTokens = 0
	}
	if cfg.OverlapTokens >= cfg.MaxTokens {
		cfg.OverlapTokens = cfg.MaxTokens / 2
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyToken
	}

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	var bounds []int
	if cfg.Strategy != StrategyToken {
		bounds = boundaries(text, tokens)
	}

	var chunks []Chunk
	start := 0   // token index opening the current chunk
	prevEnd := 0 // token index ending the previous chunk
	for start < len(tokens) {
		end, used := chunkEnd(cfg, bounds, start, len(tokens))
		// Every chunk must extend coverage past the previous one, or the
		// reassembly invariant breaks. Fall back to a token cut if a
		// boundary landed inside already-covered text.
		if end <= prevEnd {
			end = start + cfg.MaxTokens
			if end > len(tokens) {
				end = len(tokens)
			}
			used = StrategyToken
		}

		overlap := 0
		if len(chunks) > 0 {
			overlap = prevEnd - start
		}
		chunks = append(chunks, makeChunk(text, tokens, len(chunks), start, end, used, overlap))
		prevEnd = end

		if end >= len(tokens) {
			break
		}
		next := end - cfg.OverlapTokens
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// chunkEnd picks the token index ending the chunk that opens at start, and
// reports which strategy actually produced the cut.
func chunkEnd(cfg Config, bounds []int, start, total int) (int, Strategy) {
	limit := start + cfg.MaxTokens
	if limit >= total {
		return total, cfg.Strategy
	}

	switch cfg.Strategy {
	case StrategySemantic:
		tol := cfg.MaxTokens / 5
		if tol < 1 {
			tol = 1
		}
		if b := nearestBoundary(bounds, limit-tol, limit, limit); b > start {
			return b, StrategySemantic
		}
		return limit, StrategyToken

	case StrategyHybrid:
		// Overshoot up to 1.5x the limit is allowed to reach a boundary.
		hi := start + cfg.MaxTokens*3/2
		if hi > total {
			hi = total
		}
		if b := nearestBoundary(bounds, start+1, hi, limit); b > start {
			return b, StrategyHybrid
		}
		return limit, StrategyToken

	default:
		return limit, StrategyToken
	}
}

// makeChunk materializes the half-open token range [start, end). A chunk's
// byte span runs to the start of the first token after it, so adjacent
// spans tile the source with no gaps.
func makeChunk(text string, tokens []span, index, start, end int, used Strategy, overlap int) Chunk {
	byteStart := tokens[start].start
	if start == 0 {
		byteStart = 0
	}
	byteEnd := len(text)
	if end < len(tokens) {
		byteEnd = tokens[end].start
	}
	return Chunk{
		Index:      index,
		Text:       text[byteStart:byteEnd],
		TokenCount: end - start,
		Start:      byteStart,
		End:        byteEnd,
		Strategy:   used,
		Overlap:    overlap,
	}
}

// Reassemble rebuilds the source text from an ordered chunk sequence by
// dropping each chunk's declared overlap. Inverse of Split.
func Reassemble(chunks []Chunk) string {
	var out []byte
	for i, c := range chunks {
		text := c.Text
		if i > 0 && c.Overlap > 0 {
			spans := tokenize(text)
			if c.Overlap < len(spans) {
				text = text[spans[c.Overlap].start:]
			} else {
				text = ""
			}
		}
		out = append(out, text...)
	}
	return string(out)
}
