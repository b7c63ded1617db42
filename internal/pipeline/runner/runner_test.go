package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/embedding"
	"pigeon/internal/pipeline/splitter"
	"pigeon/internal/pipeline/vectorstore"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func intPtr(i int) *int { return &i }

func TestOrchestratorEndToEndDryRun(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	writeFixture(t, dataDir, "doc1.txt", "alpha beta gamma delta epsilon zeta eta theta")

	outDir := t.TempDir()

	cfg := &config.RunConfig{
		RunID: "dry1",
		Task:  "test",
		Dataset: config.DatasetConfig{
			Provider:     "local",
			Path:         dataDir,
			AllowedTypes: []string{".txt"},
		},
		Parser: &config.ParserConfig{Processes: []config.ProcessConfig{
			{Steps: []config.StepConfig{
				{Strategy: "word", ChunkSize: intPtr(3), ChunkOverlap: intPtr(0), KeepEmpty: true},
			}},
		}},
		Embedding: &config.EmbeddingConfig{Provider: "dry-run", Model: "dry-model"},
		Storage: &config.StorageConfig{
			Vector:    &config.VectorStoreConfig{Provider: "memory", Upload: true},
			TextStore: &config.TextStoreConfig{Client: "file", Upload: true},
		},
		Eval: &config.EvaluationConfig{
			TopK:       3,
			OutputPath: outDir,
			Test: config.TestConfig{Tests: []config.TestCase{
				{Kind: config.KindHuman, Name: "q1", Query: "alpha beta gamma"},
			}},
		},
	}

	orch := New(cfg, true, nil, nil)
	result, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.DocumentsLoaded)
	require.Greater(t, result.ChunksSplit, 0)
	require.Equal(t, result.ChunksSplit, result.ChunksEmbedded)
	require.Equal(t, result.ChunksSplit, result.ChunksStored)
	require.False(t, result.Partial)
	require.Equal(t, 1, result.TestsRun)

	require.FileExists(t, filepath.Join(outDir, "dry1", "q1.json"))
	require.FileExists(t, filepath.Join(outDir, "dry1", "config.yaml"))
	require.FileExists(t, filepath.Join(outDir, "dry1", "config.md"))
}

func TestOrchestratorSkipsAbsentStages(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	writeFixture(t, dataDir, "doc1.txt", "only content")

	cfg := &config.RunConfig{
		RunID: "dry2",
		Dataset: config.DatasetConfig{
			Provider:     "local",
			Path:         dataDir,
			AllowedTypes: []string{".txt"},
		},
	}

	orch := New(cfg, true, nil, nil)
	result, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.DocumentsLoaded)
	require.Equal(t, 0, result.ChunksSplit)
	require.Equal(t, 0, result.ChunksEmbedded)
	require.Equal(t, 0, result.ChunksStored)
	require.Equal(t, 0, result.TestsRun)
}

func reducerRunConfig(runID, dataDir, outDir, artifact string) *config.RunConfig {
	return &config.RunConfig{
		RunID: runID,
		Dataset: config.DatasetConfig{
			Provider:     "local",
			Path:         dataDir,
			AllowedTypes: []string{".txt"},
		},
		Parser: &config.ParserConfig{Processes: []config.ProcessConfig{
			{Steps: []config.StepConfig{
				{Strategy: "word", ChunkSize: intPtr(2), ChunkOverlap: intPtr(0), KeepEmpty: true},
			}},
		}},
		Embedding: &config.EmbeddingConfig{
			Provider: "dry-run", Model: "dry-model",
			DimensionReduction: &config.DimensionReduction{Type: "pca", Dims: 2, Seed: 9, Path: artifact},
		},
		Storage: &config.StorageConfig{
			Vector:    &config.VectorStoreConfig{Provider: "memory", Upload: true},
			TextStore: &config.TextStoreConfig{Client: "file", Upload: true},
		},
		Eval: &config.EvaluationConfig{
			TopK:       1,
			OutputPath: outDir,
			Test: config.TestConfig{Tests: []config.TestCase{
				{Kind: config.KindHuman, Name: "probe", Query: "alpha beta"},
			}},
		},
	}
}

func TestOrchestratorReducerTrainThenReuse(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	writeFixture(t, dataDir, "doc1.txt",
		"alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu")
	outDir := t.TempDir()
	artifact := filepath.Join(t.TempDir(), "pca_2.json")

	// The "dry-run" embedding provider is deterministic even outside dry
	// mode, so the full train/reuse contract runs without network.
	_, err := New(reducerRunConfig("runA", dataDir, outDir, artifact), false, nil, nil).Run(context.Background())
	require.NoError(t, err)
	require.FileExists(t, artifact)
	artifactA, err := os.ReadFile(artifact)
	require.NoError(t, err)

	_, err = New(reducerRunConfig("runB", dataDir, outDir, artifact), false, nil, nil).Run(context.Background())
	require.NoError(t, err)
	artifactB, err := os.ReadFile(artifact)
	require.NoError(t, err)
	require.Equal(t, artifactA, artifactB, "second run must load the artifact, not re-fit")

	top1 := func(runID string) string {
		data, err := os.ReadFile(filepath.Join(outDir, runID, "probe.json"))
		require.NoError(t, err)
		var report struct {
			Candidates []struct {
				Text string `json:"text"`
			} `json:"candidates"`
		}
		require.NoError(t, json.Unmarshal(data, &report))
		require.NotEmpty(t, report.Candidates)
		return report.Candidates[0].Text
	}
	require.Equal(t, top1("runA"), top1("runB"))
}

func TestOrchestratorDryRunNeverWritesReducerArtifact(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	writeFixture(t, dataDir, "doc1.txt",
		"alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu")
	outDir := t.TempDir()
	artifact := filepath.Join(t.TempDir(), "pca_2.json")

	result, err := New(reducerRunConfig("dryred", dataDir, outDir, artifact), true, nil, nil).Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, result.ChunksEmbedded, 0)
	require.NoFileExists(t, artifact, "dry run must not write outside the run's output directory")
	require.FileExists(t, filepath.Join(outDir, "dryred", "probe.json"))
}

// failSecondUpload wraps a vector store and fails exactly one upload,
// simulating a transient backend write error mid-ingest.
type failSecondUpload struct {
	vectorstore.Store
	calls int
}

func (f *failSecondUpload) Upload(ctx context.Context, rec vectorstore.Record) error {
	f.calls++
	if f.calls == 2 {
		return errors.New("simulated upload failure")
	}
	return f.Store.Upload(ctx, rec)
}

func TestOrchestratorPartialOnVectorUploadFailure(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	writeFixture(t, dataDir, "doc1.txt", "alpha beta gamma delta epsilon zeta")

	cfg := &config.RunConfig{
		RunID: "partial1",
		Dataset: config.DatasetConfig{
			Provider:     "local",
			Path:         dataDir,
			AllowedTypes: []string{".txt"},
		},
		Parser: &config.ParserConfig{Processes: []config.ProcessConfig{
			{Steps: []config.StepConfig{
				{Strategy: "word", ChunkSize: intPtr(2), ChunkOverlap: intPtr(0), KeepEmpty: true},
			}},
		}},
		Embedding: &config.EmbeddingConfig{Provider: "dry-run", Model: "dry-model"},
		Storage: &config.StorageConfig{
			Vector:    &config.VectorStoreConfig{Provider: "memory", Upload: true},
			TextStore: &config.TextStoreConfig{Client: "file", Upload: true},
		},
	}

	orch := New(cfg, true, nil, nil)
	orch.VectorStore = &failSecondUpload{Store: vectorstore.NewMemory(0, "cosine")}
	result, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Partial)
	require.Equal(t, result.ChunksSplit-1, result.ChunksStored)

	var sawStoreError, sawInconsistency bool
	for _, e := range result.Errors {
		if strings.Contains(e, "StoreError") {
			sawStoreError = true
		}
		if strings.Contains(e, "InconsistencyDetected") {
			sawInconsistency = true
		}
	}
	require.True(t, sawStoreError, "errors: %v", result.Errors)
	require.True(t, sawInconsistency, "the chunk written to only the text store must be reported as an orphan")
}

func TestFanOutEmbedPreservesInputOrder(t *testing.T) {
	t.Parallel()
	provider := embedding.NewDeterministic(8, "det", 3)

	mkChunks := func() []splitter.DocumentChunk {
		chunks := make([]splitter.DocumentChunk, 20)
		for i := range chunks {
			chunks[i] = splitter.DocumentChunk{ID: fmt.Sprintf("c%02d", i), Text: fmt.Sprintf("chunk number %d", i)}
		}
		return chunks
	}

	serial, err := provider.EmbedChunks(context.Background(), mkChunks())
	require.NoError(t, err)

	cfg := config.EmbeddingConfig{UseThreading: true, MaxWorkers: 4}
	fanned, err := fanOutEmbed(context.Background(), provider, mkChunks(), cfg)
	require.NoError(t, err)

	require.Equal(t, len(serial), len(fanned))
	for i := range serial {
		require.Equal(t, serial[i].ID, fanned[i].ID)
		require.Equal(t, serial[i].Embedding, fanned[i].Embedding)
	}
}

func TestOrchestratorEmptyDataset(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()

	cfg := &config.RunConfig{
		RunID: "dry3",
		Dataset: config.DatasetConfig{
			Provider:     "local",
			Path:         dataDir,
			AllowedTypes: []string{".txt"},
		},
	}

	orch := New(cfg, true, nil, nil)
	result, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.DocumentsLoaded)
}
