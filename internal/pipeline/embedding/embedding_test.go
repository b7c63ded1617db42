package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/documents"
	"pigeon/internal/pipeline/splitter"
)

func TestDeterministicProviderIsReproducible(t *testing.T) {
	t.Parallel()
	p1 := NewDeterministic(32, "dry-run", 7)
	p2 := NewDeterministic(32, "dry-run", 7)

	doc := &documents.Document{ID: "d", Text: "hello world"}
	c1 := []splitter.DocumentChunk{{ID: "a", Text: "hello world", Document: doc}}
	c2 := []splitter.DocumentChunk{{ID: "b", Text: "hello world", Document: doc}}

	out1, err := p1.EmbedChunks(context.Background(), c1)
	require.NoError(t, err)
	out2, err := p2.EmbedChunks(context.Background(), c2)
	require.NoError(t, err)
	require.Equal(t, out1[0].Embedding, out2[0].Embedding)
	require.Len(t, out1[0].Embedding, 32)
}

func TestDeterministicProviderDifferentSeedsDiffer(t *testing.T) {
	t.Parallel()
	p1 := NewDeterministic(16, "m", 1)
	p2 := NewDeterministic(16, "m", 2)
	doc := &documents.Document{ID: "d", Text: "x"}
	c1 := []splitter.DocumentChunk{{ID: "a", Text: "same text", Document: doc}}
	c2 := []splitter.DocumentChunk{{ID: "b", Text: "same text", Document: doc}}
	out1, _ := p1.EmbedChunks(context.Background(), c1)
	out2, _ := p2.EmbedChunks(context.Background(), c2)
	require.NotEqual(t, out1[0].Embedding, out2[0].Embedding)
}

func TestPoolingBoundsForNormalizedVectors(t *testing.T) {
	t.Parallel()
	vecs := [][]float32{
		{1, 0},
		{0, 1},
		{0.6, 0.8},
	}
	mean := Pool("mean", vecs, nil)
	requireUnitBallOrLess(t, mean)

	weights := []float64{0.2, 0.3, 0.5}
	weighted := Pool("weighted", vecs, weights)
	requireUnitBallOrLess(t, weighted)

	maxV := Pool("max", vecs, nil)
	for _, x := range maxV {
		require.LessOrEqual(t, float64(x), 1.0+1e-9)
	}
}

func requireUnitBallOrLess(t *testing.T, v []float32) {
	t.Helper()
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	require.LessOrEqual(t, math.Sqrt(sum), 1.0+1e-9)
}

type fakeClient struct {
	calls int
	fn    func(texts []string) ([][]float32, error)
}

func (f *fakeClient) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	return f.fn(texts)
}

func TestRemoteProviderCachesByText(t *testing.T) {
	t.Parallel()
	client := &fakeClient{fn: func(texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 2, 3}
		}
		return out, nil
	}}
	cfg := config.EmbeddingConfig{Provider: "openai", Model: "m", BatchSize: 32, ModelMaxTokens: 100}
	p := newRemote(cfg, 3, nil).WithClient(client)

	doc := &documents.Document{ID: "d", Text: "repeat"}
	chunks := []splitter.DocumentChunk{
		{ID: "a", Text: "repeat me", Document: doc},
		{ID: "b", Text: "repeat me", Document: doc},
	}
	_, err := p.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	require.Equal(t, 1, client.calls, "second identical input should hit the cache, not the network")
}

func TestRemoteProviderOversizeProtocolPoolsAndCaches(t *testing.T) {
	t.Parallel()
	client := &fakeClient{fn: func(texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, 1}
		}
		return out, nil
	}}
	cfg := config.EmbeddingConfig{
		Provider: "openai", Model: "m", BatchSize: 8,
		ModelMaxTokens: 4, ChunkMaxTokens: 2, OverlapTokens: 0,
		PoolingStrategy: "mean", NormalizeOutput: true,
	}
	p := newRemote(cfg, 2, nil).WithClient(client)

	doc := &documents.Document{ID: "d", Text: "big"}
	longText := "one two three four five six seven eight"
	chunks := []splitter.DocumentChunk{{ID: "a", Text: longText, Document: doc}}

	_, err := p.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	require.NotNil(t, chunks[0].Embedding)
	callsAfterFirst := client.calls

	chunks2 := []splitter.DocumentChunk{{ID: "b", Text: longText, Document: doc}}
	_, err = p.EmbedChunks(context.Background(), chunks2)
	require.NoError(t, err)
	require.Equal(t, callsAfterFirst, client.calls, "repeat oversize input must be served from cache")
}

func TestRemoteProviderRejectsImpossibleTokenBudget(t *testing.T) {
	t.Parallel()
	cfg := config.EmbeddingConfig{Provider: "openai", Model: "m", ModelMaxTokens: 10, ChunkMaxTokens: 20}
	p := newRemote(cfg, 2, nil)
	doc := &documents.Document{ID: "d", Text: "x"}
	_, err := p.EmbedChunks(context.Background(), []splitter.DocumentChunk{{ID: "a", Text: "short", Document: doc}})
	require.Error(t, err)
}
