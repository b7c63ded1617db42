// Package splitter implements the text splitter, the structural
// core of the pipeline. A ParserConfig owns one or more independent
// processes; each process is an ordered pipeline of steps applied to the
// chunk list produced by the previous step, starting from the whole
// document as a single chunk. Process outputs are concatenated in
// process order.
package splitter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/documents"
	"pigeon/internal/pipeline/runerr"
)

// DocumentChunk is a contiguous fragment of a Document's text produced
// by a splitter step. Chunks sharing a Document reference the same
// value; there is no cyclic prev/next linkage. Adjacency, when needed,
// is computed from index in the slice that holds them.
type DocumentChunk struct {
	ID        string
	Text      string
	Document  *documents.Document
	Embedding []float32
	TypeChunk string
}

// Split runs every process in cfg against doc and concatenates their
// outputs in process order.
func Split(doc *documents.Document, cfg config.ParserConfig) ([]DocumentChunk, error) {
	if doc.Text == "" {
		return nil, nil
	}
	var out []DocumentChunk
	for _, proc := range cfg.Processes {
		chunks, err := runProcess(doc, proc)
		if err != nil {
			return nil, err
		}
		out = append(out, chunks...)
	}
	return out, nil
}

func runProcess(doc *documents.Document, proc config.ProcessConfig) ([]DocumentChunk, error) {
	chunks := []DocumentChunk{{ID: uuid.NewString(), Text: doc.Text, Document: doc}}
	for _, step := range proc.Steps {
		var next []DocumentChunk
		for _, c := range chunks {
			pieces, err := runStep(step, c.Text)
			if err != nil {
				return nil, err
			}
			for _, p := range pieces {
				if step.TrimWhitespace {
					p = strings.TrimSpace(p)
				}
				if p == "" && !step.KeepEmpty {
					continue
				}
				nc := DocumentChunk{ID: uuid.NewString(), Text: p, Document: doc}
				if step.TypeChunk != "" {
					nc.TypeChunk = step.TypeChunk
				} else {
					nc.TypeChunk = c.TypeChunk
				}
				next = append(next, nc)
			}
		}
		chunks = next
	}
	return chunks, nil
}

// runStep dispatches to the strategy named by step.Strategy and
// returns the raw (untrimmed) split pieces. Empty-discard and trim are
// applied by the caller uniformly across strategies.
func runStep(step config.StepConfig, text string) ([]string, error) {
	switch step.Strategy {
	case "character":
		return splitSliding(text, runeUnits, step)
	case "word":
		return splitSliding(text, wordUnits, step)
	case "sentence":
		return splitSentenceWindow(text, step)
	case "paragraph":
		return splitParagraph(text), nil
	case "separator":
		return splitSeparator(text, step.Separator), nil
	case "regex":
		return splitRegex(text, step)
	default:
		return nil, runerr.Newf(runerr.ConfigInvalid, "split", "unknown step strategy %q", step.Strategy)
	}
}

// unit abstracts the measure a sliding window counts over: runes for
// "character", whitespace tokens for "word".
type unit struct {
	split func(string) []string
	join  func([]string) string
}

var runeUnits = unit{
	split: func(s string) []string {
		out := make([]string, 0, utf8.RuneCountInString(s))
		for _, r := range s {
			out = append(out, string(r))
		}
		return out
	},
	join: func(parts []string) string { return strings.Join(parts, "") },
}

var wordUnits = unit{
	split: strings.Fields,
	join:  func(parts []string) string { return strings.Join(parts, " ") },
}

// splitSliding implements the character/word sliding-window strategies.
// If chunk_size is absent the step is a no-op, returning the input
// unchanged. Each window starts at prev_start + chunk_size - chunk_overlap,
// which never regresses.
func splitSliding(text string, u unit, step config.StepConfig) ([]string, error) {
	if step.ChunkSize == nil {
		return []string{text}, nil
	}
	size := *step.ChunkSize
	if size <= 0 {
		return []string{text}, nil
	}
	overlap := 0
	if step.ChunkOverlap != nil {
		overlap = *step.ChunkOverlap
	}
	if overlap < 0 {
		overlap = 0
	}
	stride := size - overlap
	if stride <= 0 {
		stride = 1
	}

	toks := u.split(text)
	if len(toks) == 0 {
		return nil, nil
	}
	var out []string
	for start := 0; start < len(toks); start += stride {
		end := start + size
		if end > len(toks) {
			end = len(toks)
		}
		out = append(out, u.join(toks[start:end]))
		if end == len(toks) {
			break
		}
	}
	return out, nil
}

var sentenceBoundary = regexp.MustCompile(`[^.!?]+(?:[.!?]+|$)`)

func sentencesOf(text string) []string {
	matches := sentenceBoundary.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimSpace(m)
		if m != "" {
			out = append(out, strings.TrimRight(m, ".!?"))
		}
	}
	return out
}

// splitSentenceWindow implements the "sentence" strategy: a sliding
// window over sentences, re-joined with ". " and a trailing period.
func splitSentenceWindow(text string, step config.StepConfig) ([]string, error) {
	sentences := sentencesOf(text)
	if len(sentences) == 0 {
		return nil, nil
	}
	if step.ChunkSize == nil {
		return []string{strings.Join(sentences, ". ") + "."}, nil
	}
	size := *step.ChunkSize
	if size <= 0 {
		return []string{strings.Join(sentences, ". ") + "."}, nil
	}
	overlap := 0
	if step.ChunkOverlap != nil {
		overlap = *step.ChunkOverlap
	}
	if overlap < 0 {
		overlap = 0
	}
	stride := size - overlap
	if stride <= 0 {
		stride = 1
	}

	var out []string
	for start := 0; start < len(sentences); start += stride {
		end := start + size
		if end > len(sentences) {
			end = len(sentences)
		}
		out = append(out, strings.Join(sentences[start:end], ". ")+".")
		if end == len(sentences) {
			break
		}
	}
	return out, nil
}

// splitParagraph implements the "paragraph" strategy: split on "\n\n",
// discarding empty paragraphs.
func splitParagraph(text string) []string {
	parts := strings.Split(text, "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSeparator implements the "separator" strategy: split on a literal
// separator, discarding empty pieces.
func splitSeparator(text, sep string) []string {
	if sep == "" {
		return []string{text}
	}
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitRegex implements the "regex" strategy. When KeepSeparator is set,
// the matched separator text is appended to the preceding chunk rather
// than discarded.
func splitRegex(text string, step config.StepConfig) ([]string, error) {
	pattern := step.RegexPattern
	if step.IgnoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, runerr.New(runerr.RegexInvalid, "split", fmt.Errorf("compile %q: %w", step.RegexPattern, err))
	}

	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}, nil
	}
	var out []string
	prev := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		piece := text[prev:start]
		if step.KeepSeparator {
			piece += text[start:end]
		}
		out = append(out, piece)
		prev = end
	}
	if prev < len(text) {
		out = append(out, text[prev:])
	}
	return out, nil
}
