package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPScorerPostsPairAndParsesScore(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "ce-model", req.Model)
		require.Equal(t, "the query", req.Query)
		score := 0.25
		if req.Text == "relevant" {
			score = 0.9
		}
		require.NoError(t, json.NewEncoder(w).Encode(scoreResponse{Score: score}))
	}))
	defer srv.Close()

	scorer := &HTTPScorer{URL: srv.URL, Model: "ce-model"}
	s, err := scorer.Score(context.Background(), "the query", "relevant")
	require.NoError(t, err)
	require.Equal(t, 0.9, s)

	rr := &CrossEncoderReranker{Scorer: scorer}
	out, err := rr.Rerank(context.Background(), "the query", []Candidate{
		{ID: "a", Text: "filler"},
		{ID: "b", Text: "relevant"},
	})
	require.NoError(t, err)
	require.Equal(t, "b", out[0].ID)
	require.Equal(t, 0.9, *out[0].RerankScore)
}

func TestHTTPScorerSurfacesServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	scorer := &HTTPScorer{URL: srv.URL, Model: "ce-model"}
	_, err := scorer.Score(context.Background(), "q", "t")
	require.Error(t, err)
}
