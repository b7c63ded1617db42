package reducer

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pigeon/internal/pipeline/runerr"
)

func randomVectors(n, dim int, seed int64) [][]float64 {
	r := rand.New(rand.NewSource(seed))
	out := make([][]float64, n)
	for i := range out {
		v := make([]float64, dim)
		for j := range v {
			v[j] = r.Float64()
		}
		out[i] = v
	}
	return out
}

func TestPCAFitTransformProducesUnitVectorsOfTargetDim(t *testing.T) {
	t.Parallel()
	vectors := randomVectors(50, 16, 1)
	red, err := New("pca", 4, 42)
	require.NoError(t, err)

	out, err := red.FitTransform(vectors)
	require.NoError(t, err)
	require.Len(t, out, len(vectors))
	for _, v := range out {
		require.Len(t, v, 4)
		var sum float64
		for _, x := range v {
			sum += x * x
		}
		require.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
	}
}

func TestPCASaveLoadReproducesTransformBitIdentically(t *testing.T) {
	t.Parallel()
	vectors := randomVectors(30, 8, 2)
	red, err := New("pca", 3, 7)
	require.NoError(t, err)
	require.NoError(t, red.Fit(vectors))

	path := filepath.Join(t.TempDir(), "pca_3.json")
	require.NoError(t, red.Save(path))

	before, err := red.Transform(vectors)
	require.NoError(t, err)

	loaded, err := New("pca", 3, 0)
	require.NoError(t, err)
	require.NoError(t, loaded.Load(path))

	after, err := loaded.Transform(vectors)
	require.NoError(t, err)

	require.Equal(t, len(before), len(after))
	for i := range before {
		for j := range before[i] {
			require.InDelta(t, before[i][j], after[i][j], 1e-12)
		}
	}
}

func TestPCAFitRejectsNaNAndInf(t *testing.T) {
	t.Parallel()
	red, err := New("pca", 2, 0)
	require.NoError(t, err)

	err = red.Fit([][]float64{{1, 2, math.NaN()}, {1, math.Inf(1), 3}})
	require.Error(t, err)
	require.Equal(t, runerr.ConfigInvalid, runerr.KindOf(err))
	require.Contains(t, err.Error(), "NaN/Inf")
}

func TestPCALoadMissingArtifact(t *testing.T) {
	t.Parallel()
	red, err := New("pca", 2, 0)
	require.NoError(t, err)
	err = red.Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	require.Equal(t, runerr.ArtifactNotFound, runerr.KindOf(err))
}

func TestPCALoadIncompatibleDimension(t *testing.T) {
	t.Parallel()
	vectors := randomVectors(20, 6, 3)
	fitted, err := New("pca", 3, 0)
	require.NoError(t, err)
	require.NoError(t, fitted.Fit(vectors))
	path := filepath.Join(t.TempDir(), "pca.json")
	require.NoError(t, fitted.Save(path))

	mismatched, err := New("pca", 5, 0)
	require.NoError(t, err)
	err = mismatched.Load(path)
	require.Error(t, err)
	require.Equal(t, runerr.ArtifactIncompatible, runerr.KindOf(err))
}

func TestUMAPReservedNotImplemented(t *testing.T) {
	t.Parallel()
	_, err := New("umap", 4, 0)
	require.Error(t, err)
	require.Equal(t, runerr.NotImplemented, runerr.KindOf(err))
}
