// Package evaluation implements the evaluation driver: it loads test
// cases, dispatches each by kind (human/llm/agent), runs retrieval
// and/or an LLM judge and/or an MCP agent, and writes per-test and
// run-level reports under output/<run_id>/.
package evaluation

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"pigeon/internal/obslog"
	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/retrieval"
	"pigeon/internal/pipeline/runerr"
)

// HumanReport is written for a Human test case.
type HumanReport struct {
	Query      string                `json:"query"`
	Candidates []retrieval.Candidate `json:"candidates"`
	Metrics    map[string]float64    `json:"metrics,omitempty"`
}

// LLMReport is written for an LLM test case.
type LLMReport struct {
	JudgeOutput JudgeResult `json:"judge_output"`
	Search      HumanReport `json:"search"`
}

// AgentReport is written for an Agent test case.
type AgentReport struct {
	Query  string      `json:"query"`
	Result AgentResult `json:"result"`
}

// Driver composes retrieval, the LLM judge, and the agent runner to
// execute a run's configured test cases and emit its reports.
type Driver struct {
	Retrieval   *retrieval.Service
	Judge       *Judge
	AgentRunner AgentRunner
	Cfg         config.EvaluationConfig
	RunID       string
	OutputRoot  string // defaults to "output"
	Log         obslog.Logger
}

// New constructs a Driver. A nil AgentRunner defaults to
// DeterministicAgentRunner so a run without agent tests never needs one
// wired.
func New(retr *retrieval.Service, judge *Judge, agentRunner AgentRunner, cfg config.EvaluationConfig, runID string, log obslog.Logger) *Driver {
	if agentRunner == nil {
		agentRunner = DeterministicAgentRunner{}
	}
	if log == nil {
		log = obslog.Noop{}
	}
	root := "output"
	return &Driver{Retrieval: retr, Judge: judge, AgentRunner: agentRunner, Cfg: cfg, RunID: runID, OutputRoot: root, Log: log}
}

func (d *Driver) outputDir() string {
	return filepath.Join(d.OutputRoot, d.RunID)
}

// Run collects the configured test cases — inline tests plus whatever
// load_test/default_test names — and dispatches each by kind in order,
// then writes the run-level config report. It returns the number of
// tests executed and a non-nil error only for a fatal, non-per-test
// failure (e.g. the load_test file itself being unreadable).
func (d *Driver) Run(ctx context.Context, runCfg *config.RunConfig) (int, error) {
	cases, err := d.collectTestCases()
	if err != nil {
		return 0, err
	}

	for _, tc := range cases {
		select {
		case <-ctx.Done():
			return 0, runerr.New(runerr.Cancelled, "evaluate", ctx.Err())
		default:
		}
		if err := d.runOne(ctx, tc); err != nil {
			d.Log.Error("test case failed", map[string]any{"name": tc.Name, "kind": string(tc.Kind), "error": err.Error()})
		}
	}

	if err := WriteConfigReport(d.outputDir(), runCfg); err != nil {
		return len(cases), err
	}
	return len(cases), nil
}

func (d *Driver) collectTestCases() ([]config.TestCase, error) {
	cases := append([]config.TestCase{}, d.Cfg.Test.Tests...)

	loadPath := d.Cfg.Test.LoadTest
	if loadPath == "" {
		loadPath = d.Cfg.Test.DefaultTest
	}
	if loadPath != "" {
		loaded, err := LoadTestFile(loadPath)
		if err != nil {
			return nil, err
		}
		cases = append(cases, loaded...)
	}
	return cases, nil
}

func (d *Driver) runOne(ctx context.Context, tc config.TestCase) error {
	switch tc.Kind {
	case config.KindHuman:
		return d.runHuman(ctx, tc)
	case config.KindLLM:
		return d.runLLM(ctx, tc)
	case config.KindAgent:
		return d.runAgent(ctx, tc)
	default:
		return runerr.Newf(runerr.ConfigInvalid, "evaluate", "unknown test kind %q", tc.Kind)
	}
}

func (d *Driver) retrieve(ctx context.Context, query string) ([]retrieval.Candidate, error) {
	return d.Retrieval.Retrieve(ctx, retrieval.Query{
		Text:          query,
		TopK:          d.Cfg.TopK,
		IncludeRerank: d.Cfg.Rerank != nil,
	})
}

func (d *Driver) metricsFor(candidates []retrieval.Candidate, tc config.TestCase) map[string]float64 {
	if !d.Cfg.Evaluations || len(tc.RelevantIDs) == 0 {
		return nil
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return computeMetrics(d.Cfg.Metrics, ids, tc.RelevantIDs, d.Cfg.TopK)
}

func (d *Driver) runHuman(ctx context.Context, tc config.TestCase) error {
	candidates, err := d.retrieve(ctx, tc.Query)
	if err != nil {
		return err
	}
	report := HumanReport{Query: tc.Query, Candidates: candidates, Metrics: d.metricsFor(candidates, tc)}
	return writeJSON(d.outputDir(), tc.Name+".json", report)
}

func (d *Driver) runLLM(ctx context.Context, tc config.TestCase) error {
	candidates, err := d.retrieve(ctx, tc.Query)
	if err != nil {
		return err
	}
	contexts := make([]string, len(candidates))
	for i, c := range candidates {
		contexts[i] = c.Text
	}
	judgeResult, err := d.Judge.Score(ctx, tc.Query, contexts, tc.Prompt, tc.EvalType, nil)
	if err != nil {
		return err
	}
	report := LLMReport{
		JudgeOutput: judgeResult,
		Search:      HumanReport{Query: tc.Query, Candidates: candidates, Metrics: d.metricsFor(candidates, tc)},
	}
	return writeJSON(d.outputDir(), tc.Name+".json", report)
}

func (d *Driver) runAgent(ctx context.Context, tc config.TestCase) error {
	prompt := tc.AgentPrompt
	if prompt == "" {
		prompt = tc.Query
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if tc.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(tc.Timeout)*time.Second)
		defer cancel()
	}

	result, err := d.AgentRunner.Run(runCtx, tc.MCP, nil, prompt, tc.MaxTurns)
	if err != nil && result.Status == "" {
		result.Status = AgentError
		result.FinalMessage = fmt.Sprintf("error: %v", err)
	}
	if runCtx.Err() != nil && result.Status != AgentCompleted {
		result.Status = AgentTimeout
	}

	report := AgentReport{Query: tc.Query, Result: result}
	return writeJSON(d.outputDir(), tc.Name+".json", report)
}
