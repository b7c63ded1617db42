package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUploadIsIdempotentOnID(t *testing.T) {
	t.Parallel()
	s := NewMemory(3, "cosine")
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, Record{ID: "a", Embedding: []float32{1, 0, 0}, Metadata: map[string]string{"k": "v1"}}))
	require.NoError(t, s.Upload(ctx, Record{ID: "a", Embedding: []float32{0, 1, 0}, Metadata: map[string]string{"k": "v2"}}))

	rec, err := s.RetrieveFromID(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "v2", rec.Metadata["k"])
}

func TestMemoryStoreRetrieveMissingReturnsNilNoError(t *testing.T) {
	t.Parallel()
	s := NewMemory(3, "")
	rec, err := s.RetrieveFromID(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestMemoryStoreQueryOrdersByDescendingScore(t *testing.T) {
	t.Parallel()
	s := NewMemory(2, "cosine")
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, Record{ID: "close", Embedding: []float32{1, 0}}))
	require.NoError(t, s.Upload(ctx, Record{ID: "far", Embedding: []float32{0, 1}}))
	require.NoError(t, s.Upload(ctx, Record{ID: "mid", Embedding: []float32{0.7, 0.7}}))

	matches, err := s.Query(ctx, []float32{1, 0}, 3, true, nil)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, "close", matches[0].ID)
	require.Equal(t, "far", matches[len(matches)-1].ID)
	for i := 1; i < len(matches); i++ {
		require.LessOrEqual(t, matches[i].Score, matches[i-1].Score)
	}
}

func TestMemoryStoreQueryRespectsMetadataFilter(t *testing.T) {
	t.Parallel()
	s := NewMemory(2, "")
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, Record{ID: "a", Embedding: []float32{1, 0}, Metadata: map[string]string{"doc": "1"}}))
	require.NoError(t, s.Upload(ctx, Record{ID: "b", Embedding: []float32{1, 0}, Metadata: map[string]string{"doc": "2"}}))

	matches, err := s.Query(ctx, []float32{1, 0}, 10, true, map[string]string{"doc": "2"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "b", matches[0].ID)
}

func TestMemoryStoreDeleteExcludesFromQuery(t *testing.T) {
	t.Parallel()
	s := NewMemory(2, "")
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, Record{ID: "a", Embedding: []float32{1, 0}}))
	require.NoError(t, s.Delete(ctx, []string{"a"}))

	matches, err := s.Query(ctx, []float32{1, 0}, 10, false, nil)
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestMemoryStoreQueryDeterministicAcrossCalls(t *testing.T) {
	t.Parallel()
	s := NewMemory(2, "")
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, Record{ID: "a", Embedding: []float32{1, 0}}))
	require.NoError(t, s.Upload(ctx, Record{ID: "b", Embedding: []float32{1, 0}}))

	first, err := s.Query(ctx, []float32{1, 0}, 10, false, nil)
	require.NoError(t, err)
	second, err := s.Query(ctx, []float32{1, 0}, 10, false, nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestMemoryStoreClear(t *testing.T) {
	t.Parallel()
	s := NewMemory(2, "")
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, Record{ID: "a", Embedding: []float32{1, 0}}))
	require.NoError(t, s.Clear(ctx))
	matches, err := s.Query(ctx, []float32{1, 0}, 10, false, nil)
	require.NoError(t, err)
	require.Empty(t, matches)
}
