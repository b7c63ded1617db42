package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// Reranker optionally reorders hydrated candidates, e.g. via a
// cross-encoder. Implementations must not drop candidates; shrinking
// the result set to top_k_rerank is the caller's responsibility.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error)
}

// NoopReranker leaves candidate order unchanged.
type NoopReranker struct{}

func (NoopReranker) Rerank(_ context.Context, _ string, candidates []Candidate) ([]Candidate, error) {
	return candidates, nil
}

// CrossEncoderScorer scores a single (query, candidate text) pair.
type CrossEncoderScorer interface {
	Score(ctx context.Context, query, text string) (float64, error)
}

// CrossEncoderReranker submits every (query, candidate_text) pair to a
// CrossEncoderScorer and reorders candidates by descending score.
type CrossEncoderReranker struct {
	Scorer CrossEncoderScorer
}

func (r *CrossEncoderReranker) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error) {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		score, err := r.Scorer.Score(ctx, query, out[i].Text)
		if err != nil {
			return nil, err
		}
		s := score
		out[i].RerankScore = &s
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].RerankScore > *out[j].RerankScore
	})
	return out, nil
}

// HTTPScorer scores (query, text) pairs against a hosted cross-encoder
// endpoint: one POST per pair, {"model","query","text"} in,
// {"score"} out.
type HTTPScorer struct {
	URL     string
	Model   string
	Timeout time.Duration
	HTTP    *http.Client
}

type scoreRequest struct {
	Model string `json:"model"`
	Query string `json:"query"`
	Text  string `json:"text"`
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

func (s *HTTPScorer) Score(ctx context.Context, query, text string) (float64, error) {
	body, err := json.Marshal(scoreRequest{Model: s.Model, Query: query, Text: text})
	if err != nil {
		return 0, err
	}
	timeout := s.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("rerank error: %s: %s", resp.Status, string(b))
	}
	var sr scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return 0, fmt.Errorf("parse rerank response: %w", err)
	}
	return sr.Score, nil
}

var _ CrossEncoderScorer = (*HTTPScorer)(nil)
