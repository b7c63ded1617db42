// Package retrieval implements the retrieval service: embed a
// query, search the vector store, hydrate full text from the text
// store, and optionally rerank with a cross-encoder scorer.
package retrieval

import (
	"context"

	"pigeon/internal/obslog"
	"pigeon/internal/pipeline/embedding"
	"pigeon/internal/pipeline/reducer"
	"pigeon/internal/pipeline/splitter"
	"pigeon/internal/pipeline/textstore"
	"pigeon/internal/pipeline/vectorstore"
)

// Query is a retrieval request.
type Query struct {
	Text          string
	TopK          int
	TopKRerank    int
	IncludeRerank bool
	Filter        map[string]string
}

// Candidate is one hydrated, optionally reranked result, shaped for
// the per-test JSON reports.
type Candidate struct {
	ID          string            `json:"id"`
	Score       float64           `json:"score"`
	RerankScore *float64          `json:"rerank_score,omitempty"`
	Text        string            `json:"text"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Service composes the components needed to answer a retrieval query.
// It does not own these components: the runner constructs them once
// for the whole run and shares them between ingest and retrieval.
type Service struct {
	Embedder   embedding.Provider
	Reducer    reducer.Reducer
	Vectors    vectorstore.Store
	Text       textstore.Store
	Reranker   Reranker
	TopK       int
	TopKRerank int
	Log        obslog.Logger
}

// New constructs a Service. reducer and reranker may be nil; a nil
// reranker is treated as NoopReranker.
func New(embedder embedding.Provider, red reducer.Reducer, vectors vectorstore.Store, text textstore.Store, rr Reranker, topK, topKRerank int, log obslog.Logger) *Service {
	if rr == nil {
		rr = NoopReranker{}
	}
	if log == nil {
		log = obslog.Noop{}
	}
	return &Service{Embedder: embedder, Reducer: red, Vectors: vectors, Text: text, Reranker: rr, TopK: topK, TopKRerank: topKRerank, Log: log}
}

// Retrieve executes the retrieval path: embed, optionally reduce,
// search the vector store, hydrate text, optionally rerank.
func (s *Service) Retrieve(ctx context.Context, q Query) ([]Candidate, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = s.TopK
	}
	if topK <= 0 {
		topK = 10
	}

	queryChunk := splitter.DocumentChunk{ID: "query", Text: q.Text}
	embedded, err := s.Embedder.EmbedChunks(ctx, []splitter.DocumentChunk{queryChunk})
	if err != nil {
		return nil, err
	}
	vec := embedded[0].Embedding

	if s.Reducer != nil && s.Reducer.State() != reducer.Unfitted {
		vec64 := make([]float64, len(vec))
		for i, v := range vec {
			vec64[i] = float64(v)
		}
		reduced, err := s.Reducer.TransformOne(vec64)
		if err != nil {
			return nil, err
		}
		vec = make([]float32, len(reduced))
		for i, v := range reduced {
			vec[i] = float32(v)
		}
	}

	matches, err := s.Vectors.Query(ctx, vec, topK, true, q.Filter)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		cand := Candidate{ID: m.ID, Score: m.Score, Metadata: m.Metadata}
		stored, err := s.Text.RetrieveDocument(ctx, m.ID)
		if err != nil {
			s.Log.Error("retrieval hydrate failed", map[string]any{"id": m.ID, "error": err.Error()})
		} else if stored == nil {
			s.Log.Info("retrieval hydrate miss", map[string]any{"id": m.ID})
		} else {
			cand.Text = stored.Text
		}
		candidates = append(candidates, cand)
	}

	if q.IncludeRerank {
		topKRerank := q.TopKRerank
		if topKRerank <= 0 {
			topKRerank = s.TopKRerank
		}
		reranked, err := s.Reranker.Rerank(ctx, q.Text, candidates)
		if err != nil {
			return nil, err
		}
		if topKRerank > 0 && len(reranked) > topKRerank {
			reranked = reranked[:topKRerank]
		}
		return reranked, nil
	}
	return candidates, nil
}
