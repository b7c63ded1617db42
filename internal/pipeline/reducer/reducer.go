// Package reducer implements the dimensional reducer: a train-once,
// load-many PCA projection with a strict state machine
// (Unfitted -> Fitted -> Persisted -> Loaded) so ingest and query always
// apply the identical transform. Matrix work uses gonum.
package reducer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"pigeon/internal/pipeline/runerr"
	"pigeon/internal/version"
)

// State is the reducer's lifecycle position.
type State int

const (
	Unfitted State = iota
	Fitted
	Persisted
	Loaded
)

// artifactVersionString is the artifact format version carried in
// saved artifacts: "pca-" plus the module's build version string
// (version.Version).
func artifactVersionString() string {
	return "pca-" + version.Version
}

// Reducer lowers vector dimensionality while preserving cosine
// geometry after L2 normalization. PCA is the only implemented kind;
// UMAP and others are reserved and fail NotImplemented.
type Reducer interface {
	Fit(vectors [][]float64) error
	Transform(vectors [][]float64) ([][]float64, error)
	TransformOne(vec []float64) ([]float64, error)
	FitTransform(vectors [][]float64) ([][]float64, error)
	Save(path string) error
	Load(path string) error
	State() State
	TargetDim() int
}

// New constructs a Reducer for the given type name. Only "pca" is
// implemented; any other recognized-but-unsupported type fails
// NotImplemented rather than ConfigInvalid, since config validation
// already accepts it as a known reducer kind.
func New(kind string, targetDim int, seed int64) (Reducer, error) {
	switch kind {
	case "pca":
		return &pcaReducer{targetDim: targetDim, seed: seed}, nil
	case "umap":
		return nil, runerr.Newf(runerr.NotImplemented, "reduce", "reducer kind %q is reserved and not implemented", kind)
	default:
		return nil, runerr.Newf(runerr.ConfigInvalid, "reduce", "unknown reducer kind %q", kind)
	}
}

type pcaReducer struct {
	targetDim int
	seed      int64
	state     State

	mean []float64
	// components is targetDim x sourceDim: each row is a principal axis.
	components [][]float64
	sourceDim  int
}

func (r *pcaReducer) State() State   { return r.state }
func (r *pcaReducer) TargetDim() int { return r.targetDim }

// Fit computes the top targetDim principal components of vectors via
// gonum's stat.PC. When fewer than targetDim components exist (stat.PC
// yields at most min(n, dim)), the remaining axes are zero vectors.
func (r *pcaReducer) Fit(vectors [][]float64) error {
	if len(vectors) < 1 {
		return runerr.Newf(runerr.ConfigInvalid, "reduce", "fit requires at least one vector")
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return runerr.Newf(runerr.ConfigInvalid, "reduce", "fit requires vectors of uniform length")
		}
		for _, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return runerr.Newf(runerr.ConfigInvalid, "reduce", "embeddings contain NaN/Inf (vector %d)", i)
			}
		}
	}
	if r.targetDim <= 0 || r.targetDim > dim {
		return runerr.Newf(runerr.ConfigInvalid, "reduce", "target_dim %d invalid for source dimension %d", r.targetDim, dim)
	}

	n := len(vectors)
	data := make([]float64, n*dim)
	for i, v := range vectors {
		copy(data[i*dim:(i+1)*dim], v)
	}
	mat64 := mat.NewDense(n, dim, data)

	var pc stat.PC
	ok := pc.PrincipalComponents(mat64, nil)
	if !ok {
		return runerr.Newf(runerr.ConfigInvalid, "reduce", "PCA fit failed to converge")
	}

	var vecsMat mat.Dense
	pc.VectorsTo(&vecsMat)

	mean := make([]float64, dim)
	for j := 0; j < dim; j++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += vectors[i][j]
		}
		mean[j] = sum / float64(n)
	}

	components := make([][]float64, r.targetDim)
	_, cols := vecsMat.Dims()
	for k := 0; k < r.targetDim; k++ {
		axis := make([]float64, dim)
		if k < cols {
			for j := 0; j < dim; j++ {
				axis[j] = vecsMat.At(j, k)
			}
		}
		components[k] = axis
	}

	r.mean = mean
	r.components = components
	r.sourceDim = dim
	r.state = Fitted
	return nil
}

// Transform projects and L2-normalizes every vector onto the fitted (or
// loaded) components, so cosine similarity equals dot product
// downstream.
func (r *pcaReducer) Transform(vectors [][]float64) ([][]float64, error) {
	if r.state != Fitted && r.state != Loaded && r.state != Persisted {
		return nil, runerr.Newf(runerr.ConfigInvalid, "reduce", "transform requires a fitted or loaded reducer")
	}
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		tv, err := r.TransformOne(v)
		if err != nil {
			return nil, err
		}
		out[i] = tv
	}
	return out, nil
}

func (r *pcaReducer) TransformOne(vec []float64) ([]float64, error) {
	if r.state != Fitted && r.state != Loaded && r.state != Persisted {
		return nil, runerr.Newf(runerr.ConfigInvalid, "reduce", "transform requires a fitted or loaded reducer")
	}
	if len(vec) != r.sourceDim {
		return nil, runerr.Newf(runerr.ReducerMismatch, "reduce", "expected source dimension %d, got %d", r.sourceDim, len(vec))
	}
	centered := make([]float64, r.sourceDim)
	for j := range vec {
		centered[j] = vec[j] - r.mean[j]
	}
	out := make([]float64, r.targetDim)
	for k, axis := range r.components {
		var dot float64
		for j := range axis {
			dot += axis[j] * centered[j]
		}
		out[k] = dot
	}
	return l2Normalize(out), nil
}

func (r *pcaReducer) FitTransform(vectors [][]float64) ([][]float64, error) {
	if err := r.Fit(vectors); err != nil {
		return nil, err
	}
	return r.Transform(vectors)
}

type artifact struct {
	Model struct {
		Mean       []float64   `json:"mean"`
		Components [][]float64 `json:"components"`
		SourceDim  int         `json:"source_dim"`
	} `json:"model"`
	Meta struct {
		TargetDim      int    `json:"target_dim"`
		Seed           int64  `json:"seed"`
		ArtifactVersion string `json:"artifact_version"`
	} `json:"meta"`
}

// Save persists {model, meta} atomically (write-temp-then-rename), so
// a crashed ingest never leaves a torn artifact behind.
func (r *pcaReducer) Save(path string) error {
	if r.state != Fitted && r.state != Loaded {
		return runerr.Newf(runerr.ConfigInvalid, "reduce", "save requires a fitted reducer")
	}
	var a artifact
	a.Model.Mean = r.mean
	a.Model.Components = r.components
	a.Model.SourceDim = r.sourceDim
	a.Meta.TargetDim = r.targetDim
	a.Meta.Seed = r.seed
	a.Meta.ArtifactVersion = artifactVersionString()

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return runerr.New(runerr.StoreError, "reduce", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return runerr.New(runerr.StoreError, "reduce", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return runerr.New(runerr.StoreError, "reduce", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return runerr.New(runerr.StoreError, "reduce", err)
	}
	r.state = Persisted
	return nil
}

// Load restores {model, meta} and verifies artifact compatibility
// against the configured target dimension, failing ArtifactIncompatible
// on mismatch.
func (r *pcaReducer) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return runerr.New(runerr.ArtifactNotFound, "reduce", err)
		}
		return runerr.New(runerr.StoreError, "reduce", err)
	}
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return runerr.New(runerr.ArtifactIncompatible, "reduce", fmt.Errorf("corrupt artifact: %w", err))
	}
	if r.targetDim != 0 && a.Meta.TargetDim != r.targetDim {
		return runerr.Newf(runerr.ArtifactIncompatible, "reduce",
			"artifact target_dim %d does not match configured %d", a.Meta.TargetDim, r.targetDim)
	}
	r.targetDim = a.Meta.TargetDim
	r.seed = a.Meta.Seed
	r.mean = a.Model.Mean
	r.components = a.Model.Components
	r.sourceDim = a.Model.SourceDim
	r.state = Loaded
	return nil
}

func l2Normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}
