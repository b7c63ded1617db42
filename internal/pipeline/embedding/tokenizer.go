package embedding

import "strings"

// whitespaceTokenizer approximates token counting and token-chunking
// by whitespace splitting. Production wiring may swap in a model-native
// tokenizer; the oversize-protocol contract only depends on Count and
// Chunk being consistent with each other.
type whitespaceTokenizer struct{}

func (whitespaceTokenizer) Count(s string) int {
	return len(strings.Fields(s))
}

// Chunk splits s into overlapping token windows of at most maxTokens,
// advancing by maxTokens-overlap each step (never regressing), mirroring
// the splitter's sliding-window contract.
func (whitespaceTokenizer) Chunk(s string, maxTokens, overlap int) []string {
	toks := strings.Fields(s)
	if len(toks) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		maxTokens = len(toks)
	}
	if overlap < 0 || overlap >= maxTokens {
		overlap = 0
	}
	stride := maxTokens - overlap
	if stride <= 0 {
		stride = 1
	}
	var out []string
	for start := 0; start < len(toks); start += stride {
		end := start + maxTokens
		if end > len(toks) {
			end = len(toks)
		}
		out = append(out, strings.Join(toks[start:end], " "))
		if end == len(toks) {
			break
		}
	}
	return out
}
