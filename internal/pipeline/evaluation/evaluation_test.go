package evaluation

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/embedding"
	"pigeon/internal/pipeline/retrieval"
	"pigeon/internal/pipeline/splitter"
	"pigeon/internal/pipeline/textstore"
	"pigeon/internal/pipeline/vectorstore"
)

type stubChatClient struct{ response string }

func (s stubChatClient) Complete(_ context.Context, _, _, _ string) (string, error) {
	return s.response, nil
}

type stubAgentRunner struct{ result AgentResult }

func (s stubAgentRunner) Run(_ context.Context, _ *config.MCPConfig, _ *config.LLMConfig, _ string, _ int) (AgentResult, error) {
	return s.result, nil
}

func newTestRetrieval(t *testing.T) *retrieval.Service {
	t.Helper()
	ctx := context.Background()
	embedder := embedding.NewDeterministic(8, "det", 1)
	vs := vectorstore.NewMemory(8, "cosine")
	ts, err := textstore.NewFile("")
	require.NoError(t, err)

	embedded, err := embedder.EmbedChunks(ctx, []splitter.DocumentChunk{{ID: "c1", Text: "alpha beta"}})
	require.NoError(t, err)
	require.NoError(t, vs.Upload(ctx, vectorstore.Record{ID: "c1", Embedding: embedded[0].Embedding}))
	require.NoError(t, ts.StoreDocumentChunk(ctx, textstore.StoredChunk{ID: "c1", Text: "alpha beta"}))

	return retrieval.New(embedder, nil, vs, ts, nil, 5, 0, nil)
}

func TestDriverRunsHumanTest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := config.EvaluationConfig{
		TopK: 5,
		Test: config.TestConfig{Tests: []config.TestCase{
			{Kind: config.KindHuman, Name: "h1", Query: "alpha beta"},
		}},
	}
	d := New(newTestRetrieval(t), nil, nil, cfg, "run1", nil)
	d.OutputRoot = dir

	n, err := d.Run(context.Background(), &config.RunConfig{RunID: "run1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	data, err := os.ReadFile(filepath.Join(dir, "run1", "h1.json"))
	require.NoError(t, err)
	var report HumanReport
	require.NoError(t, json.Unmarshal(data, &report))
	require.Equal(t, "alpha beta", report.Query)
	require.Len(t, report.Candidates, 1)

	require.FileExists(t, filepath.Join(dir, "run1", "config.yaml"))
	require.FileExists(t, filepath.Join(dir, "run1", "config.md"))
}

func TestDriverRunsLLMTest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := config.EvaluationConfig{
		TopK: 5,
		Test: config.TestConfig{Tests: []config.TestCase{
			{Kind: config.KindLLM, Name: "l1", Query: "alpha beta", Prompt: "grade this", EvalType: "single"},
		}},
	}
	judge := &Judge{Chat: stubChatClient{response: "looks relevant"}, Model: "test-model"}
	d := New(newTestRetrieval(t), judge, nil, cfg, "run2", nil)
	d.OutputRoot = dir

	_, err := d.Run(context.Background(), &config.RunConfig{RunID: "run2"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "run2", "l1.json"))
	require.NoError(t, err)
	var report LLMReport
	require.NoError(t, json.Unmarshal(data, &report))
	require.Equal(t, "looks relevant", report.JudgeOutput.Output)
	require.Equal(t, "single", report.JudgeOutput.EvalType)
}

func TestDriverRunsAgentTest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := config.EvaluationConfig{
		Test: config.TestConfig{Tests: []config.TestCase{
			{Kind: config.KindAgent, Name: "a1", Query: "do it", MaxTurns: 1,
				MCP: &config.MCPConfig{Type: "stdio", Command: "./stub"}},
		}},
	}
	runner := stubAgentRunner{result: AgentResult{FinalMessage: "done", ToolsCalled: []string{"search"}, Status: AgentCompleted}}
	d := New(newTestRetrieval(t), nil, runner, cfg, "run3", nil)
	d.OutputRoot = dir

	_, err := d.Run(context.Background(), &config.RunConfig{RunID: "run3"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "run3", "a1.json"))
	require.NoError(t, err)
	var report AgentReport
	require.NoError(t, json.Unmarshal(data, &report))
	require.Equal(t, AgentCompleted, report.Result.Status)
	require.Equal(t, []string{"search"}, report.Result.ToolsCalled)
}

func TestDriverComputesMetricsWhenGroundTruthPresent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := config.EvaluationConfig{
		TopK:        5,
		Evaluations: true,
		Metrics:     []string{"precision", "recall"},
		Test: config.TestConfig{Tests: []config.TestCase{
			{Kind: config.KindHuman, Name: "h1", Query: "alpha beta", RelevantIDs: []string{"c1"}},
		}},
	}
	d := New(newTestRetrieval(t), nil, nil, cfg, "run4", nil)
	d.OutputRoot = dir

	_, err := d.Run(context.Background(), &config.RunConfig{RunID: "run4"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "run4", "h1.json"))
	require.NoError(t, err)
	var report HumanReport
	require.NoError(t, json.Unmarshal(data, &report))
	require.Equal(t, 1.0, report.Metrics["precision"])
	require.Equal(t, 1.0, report.Metrics["recall"])
}
