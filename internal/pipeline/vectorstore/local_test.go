package vectorstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewLocal(dir, 0, "cosine")
	require.NoError(t, err)
	require.NoError(t, s.Upload(ctx, Record{ID: "a", Embedding: []float32{1, 0, 0}, Metadata: map[string]string{"text": "alpha"}}))
	require.NoError(t, s.Upload(ctx, Record{ID: "b", Embedding: []float32{0, 1, 0}, Metadata: map[string]string{"text": "beta"}}))

	require.FileExists(t, filepath.Join(dir, "index"))
	require.FileExists(t, filepath.Join(dir, "index.metadata"))

	reopened, err := NewLocal(dir, 0, "cosine")
	require.NoError(t, err)
	require.Equal(t, 3, reopened.Dimension())

	rec, err := reopened.RetrieveFromID(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, []float32{1, 0, 0}, rec.Embedding)
	require.Equal(t, "alpha", rec.Metadata["text"])

	matches, err := reopened.Query(ctx, []float32{0, 1, 0}, 1, true, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "b", matches[0].ID)
}

func TestLocalStoreUpsertOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewLocal(dir, 3, "cosine")
	require.NoError(t, err)
	require.NoError(t, s.Upload(ctx, Record{ID: "a", Embedding: []float32{1, 0, 0}}))
	require.NoError(t, s.Upload(ctx, Record{ID: "a", Embedding: []float32{0, 0, 1}}))

	rec, err := s.RetrieveFromID(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []float32{0, 0, 1}, rec.Embedding)

	matches, err := s.Query(ctx, []float32{0, 0, 1}, 10, false, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestLocalStoreDeleteAndClear(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewLocal(dir, 2, "cosine")
	require.NoError(t, err)
	require.NoError(t, s.Upload(ctx, Record{ID: "a", Embedding: []float32{1, 0}}))
	require.NoError(t, s.Upload(ctx, Record{ID: "b", Embedding: []float32{0, 1}}))

	require.NoError(t, s.Delete(ctx, []string{"a"}))
	matches, err := s.Query(ctx, []float32{1, 0}, 10, false, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "b", matches[0].ID)

	require.NoError(t, s.Clear(ctx))
	matches, err = s.Query(ctx, []float32{1, 0}, 10, false, nil)
	require.NoError(t, err)
	require.Empty(t, matches)

	reopened, err := NewLocal(dir, 0, "cosine")
	require.NoError(t, err)
	rec, err := reopened.RetrieveFromID(ctx, "b")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestLocalStoreDimensionChangeResetsIndex(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewLocal(dir, 0, "cosine")
	require.NoError(t, err)
	require.NoError(t, s.Upload(ctx, Record{ID: "a", Embedding: []float32{1, 0}}))
	require.NoError(t, s.Upload(ctx, Record{ID: "b", Embedding: []float32{1, 0, 0}}))

	require.Equal(t, 3, s.Dimension())
	rec, err := s.RetrieveFromID(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, rec, "records at the old width are dropped by the index reset")
}
