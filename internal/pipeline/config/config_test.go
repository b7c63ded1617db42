package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"pigeon/internal/pipeline/runerr"
)

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	datasetDir := filepath.Join(dir, "docs")
	require.NoError(t, os.Mkdir(datasetDir, 0o755))

	cfgPath := filepath.Join(dir, "run.yml")
	content := `
run_id: test-run
task: eval
dataset:
  provider: local
  path: ` + datasetDir + `
  allowed_types: [".txt"]
parser:
  processes:
    - steps:
        - strategy: character
          chunk_size: 200
          chunk_overlap: 50
embedding:
  provider: dry-run
  model: dummy
  pooling_strategy: mean
eval:
  top_k: 5
  metrics: [precision, recall]
  test:
    tests:
      - type: human
        name: basic
        query: "hello"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	require.Equal(t, "test-run", cfg.RunID)
	require.Len(t, cfg.Eval.Test.Tests, 1)
	require.Equal(t, KindHuman, cfg.Eval.Test.Tests[0].Kind)
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	t.Parallel()
	cfg := RunConfig{
		RunID:   "r",
		Dataset: DatasetConfig{Provider: "ftp", Path: "/tmp"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	require.Equal(t, runerr.ConfigInvalid, runerr.KindOf(err))
}

func TestValidateRequiresOverlapWithChunkSize(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	size := 100
	cfg := RunConfig{
		RunID:   "r",
		Dataset: DatasetConfig{Provider: "local", Path: dir},
		Parser: &ParserConfig{Processes: []ProcessConfig{
			{Steps: []StepConfig{{Strategy: "character", ChunkSize: &size}}},
		}},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateMissingDatasetPath(t *testing.T) {
	t.Parallel()
	cfg := RunConfig{RunID: "r", Dataset: DatasetConfig{Provider: "local", Path: "/no/such/dir/xyz"}}
	err := cfg.Validate()
	require.Error(t, err)
	require.Equal(t, runerr.PathNotFound, runerr.KindOf(err))
}

func TestTestCaseDiscriminatesByType(t *testing.T) {
	t.Parallel()
	raw := `
- type: human
  name: h
  query: q1
- type: llm
  name: l
  query: q2
  prompt: judge this
  eval_type: single
- type: agent
  name: a
  query: q3
  prompt: do it
  timeout: 5
  max_turns: 3
  mcp:
    type: stdio
    command: ./stub
`
	var cases []TestCase
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cases))
	require.Len(t, cases, 3)
	require.Equal(t, KindHuman, cases[0].Kind)
	require.Equal(t, KindLLM, cases[1].Kind)
	require.Equal(t, "single", cases[1].EvalType)
	require.Equal(t, KindAgent, cases[2].Kind)
	require.Equal(t, "stdio", cases[2].MCP.Type)
}
