package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pigeon/internal/pipeline/embedding"
	"pigeon/internal/pipeline/splitter"
	"pigeon/internal/pipeline/textstore"
	"pigeon/internal/pipeline/vectorstore"
)

func embedOne(t *testing.T, embedder embedding.Provider, id, text string) []float32 {
	t.Helper()
	embedded, err := embedder.EmbedChunks(context.Background(), []splitter.DocumentChunk{{ID: id, Text: text}})
	require.NoError(t, err)
	return embedded[0].Embedding
}

func TestRetrieveHydratesTextFromTextStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	embedder := embedding.NewDeterministic(8, "det", 1)
	vs := vectorstore.NewMemory(8, "cosine")
	ts, err := textstore.NewFile("")
	require.NoError(t, err)

	vec := embedOne(t, embedder, "c1", "alpha beta gamma")
	require.NoError(t, vs.Upload(ctx, vectorstore.Record{ID: "c1", Embedding: vec}))
	require.NoError(t, ts.StoreDocumentChunk(ctx, textstore.StoredChunk{ID: "c1", Text: "alpha beta gamma"}))

	svc := New(embedder, nil, vs, ts, nil, 5, 0, nil)
	results, err := svc.Retrieve(ctx, Query{Text: "alpha beta gamma", TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "c1", results[0].ID)
	require.Equal(t, "alpha beta gamma", results[0].Text)
}

func TestRetrieveMissingHydrationYieldsEmptyTextNoAbort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	embedder := embedding.NewDeterministic(8, "det", 1)
	vs := vectorstore.NewMemory(8, "cosine")
	ts, err := textstore.NewFile("")
	require.NoError(t, err)

	vec := embedOne(t, embedder, "orphan", "no text stored")
	require.NoError(t, vs.Upload(ctx, vectorstore.Record{ID: "orphan", Embedding: vec}))

	svc := New(embedder, nil, vs, ts, nil, 5, 0, nil)
	results, err := svc.Retrieve(ctx, Query{Text: "no text stored", TopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "", results[0].Text)
}

func TestRetrieveAppliesRerankAndShrinksToTopKRerank(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	embedder := embedding.NewDeterministic(8, "det", 1)
	vs := vectorstore.NewMemory(8, "cosine")
	ts, err := textstore.NewFile("")
	require.NoError(t, err)

	texts := map[string]string{"a": "first", "b": "second", "c": "third"}
	for id, text := range texts {
		vec := embedOne(t, embedder, id, text)
		require.NoError(t, vs.Upload(ctx, vectorstore.Record{ID: id, Embedding: vec}))
		require.NoError(t, ts.StoreDocumentChunk(ctx, textstore.StoredChunk{ID: id, Text: text}))
	}

	rr := &CrossEncoderReranker{Scorer: reverseAlphaScorer{}}
	svc := New(embedder, nil, vs, ts, rr, 10, 2, nil)
	results, err := svc.Retrieve(ctx, Query{Text: "first", TopK: 10, IncludeRerank: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NotNil(t, results[0].RerankScore)
	require.GreaterOrEqual(t, *results[0].RerankScore, *results[1].RerankScore)
}

// reverseAlphaScorer scores by the negative of the text's first byte, so
// reranking visibly reorders candidates away from vector-similarity order.
type reverseAlphaScorer struct{}

func (reverseAlphaScorer) Score(_ context.Context, _ string, text string) (float64, error) {
	if text == "" {
		return 0, nil
	}
	return -float64(text[0]), nil
}

func TestNoopRerankerLeavesOrderUnchanged(t *testing.T) {
	t.Parallel()
	in := []Candidate{{ID: "a"}, {ID: "b"}}
	out, err := NoopReranker{}.Rerank(context.Background(), "q", in)
	require.NoError(t, err)
	require.Equal(t, in, out)
}
