// Package config defines the typed run configuration loaded from a
// single YAML document. Validation happens once, at Load, and is total:
// unknown provider or strategy strings are rejected unless a matching
// adapter is registered elsewhere in the pipeline.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pigeon/internal/pipeline/runerr"
)

// DatasetConfig describes the document loader's input.
type DatasetConfig struct {
	Provider     string   `yaml:"provider"`
	Path         string   `yaml:"path"`
	AllowedTypes []string `yaml:"allowed_types"`
}

// DimensionReduction names a reducer kind and target dimension.
type DimensionReduction struct {
	Type string `yaml:"type"`
	Dims int    `yaml:"dims"`
	Seed int64  `yaml:"seed"`
	Path string `yaml:"path"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider           string              `yaml:"provider"`
	Model              string              `yaml:"model"`
	BaseURL            string              `yaml:"base_url"`
	CachePath          string              `yaml:"cache_path"`
	BatchSize          int                 `yaml:"batch_size"`
	PoolingStrategy    string              `yaml:"pooling_strategy"`
	DimensionReduction *DimensionReduction `yaml:"dimension_reduction"`
	UseThreading       bool                `yaml:"use_threading"`
	MaxWorkers         int                 `yaml:"max_workers"`
	ModelMaxTokens     int                 `yaml:"model_max_tokens"`
	ChunkMaxTokens     int                 `yaml:"chunk_max_tokens"`
	OverlapTokens      int                 `yaml:"overlap_tokens"`
	NormalizeOutput    bool                `yaml:"normalize_output"`
}

// VectorStoreConfig configures the vector store backend.
type VectorStoreConfig struct {
	Provider  string `yaml:"provider"`
	Path      string `yaml:"path"`
	Index     string `yaml:"index"`
	IndexName string `yaml:"index_name"`
	Dimension int    `yaml:"dimension"`
	Clear     bool   `yaml:"clear"`
	Upload    bool   `yaml:"upload"`
	DSN       string `yaml:"dsn"`
	Metric    string `yaml:"metric"`
}

// TextStoreConfig configures the text store backend.
type TextStoreConfig struct {
	Client string `yaml:"client"`
	Upload bool   `yaml:"upload"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// StorageConfig holds the optional store sections. Either, both, or
// neither may be present; an absent section disables that stage.
type StorageConfig struct {
	Vector    *VectorStoreConfig `yaml:"vector"`
	TextStore *TextStoreConfig   `yaml:"text_store"`
}

// RerankConfig names a reranker provider distinct from the embedder.
type RerankConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	TopK     int    `yaml:"top_k"`
}

// LLMConfig names a judge/agent model used by LLM and Agent test kinds.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// MCPConfig describes how to reach an MCP tool server for Agent tests.
type MCPConfig struct {
	Type           string            `yaml:"type"` // "stdio" | "sse"
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	Cwd            string            `yaml:"cwd"`
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	Timeout        int               `yaml:"timeout"`
	SSEReadTimeout int               `yaml:"sse_read_timeout"`
}

// TestKind discriminates the tagged union of test case variants.
type TestKind string

const (
	KindHuman TestKind = "human"
	KindLLM   TestKind = "llm"
	KindAgent TestKind = "agent"
)

// TestCase is the tagged sum of HumanTest/LLMTest/AgentTest, flattened
// into one struct: the shared fields apply to every Kind, and the
// LLM-only and Agent-only groups below are meaningful only when Kind
// selects them.
type TestCase struct {
	Kind TestKind

	Name  string
	Query string

	// RelevantIDs is the ground-truth set of chunk/document ids this
	// query should retrieve, used by the evaluation driver's metrics
	// computation when EvaluationConfig.Evaluations is set. Absent when
	// no ground truth is known for this test.
	RelevantIDs []string

	// LLM-only.
	Prompt   string
	EvalType string // "single" | "pairwise"

	// Agent-only.
	AgentPrompt string
	MCP         *MCPConfig
	Timeout     int
	MaxTurns    int
}

type rawTestCase struct {
	Type        string     `yaml:"type"`
	Name        string     `yaml:"name"`
	Query       string     `yaml:"query"`
	Prompt      string     `yaml:"prompt"`
	EvalType    string     `yaml:"eval_type"`
	Timeout     int        `yaml:"timeout"`
	MaxTurns    int        `yaml:"max_turns"`
	MCP         *MCPConfig `yaml:"mcp"`
	RelevantIDs []string   `yaml:"relevant_ids"`
}

// UnmarshalYAML selects the variant by the "type" discriminator field.
func (t *TestCase) UnmarshalYAML(node *yaml.Node) error {
	var raw rawTestCase
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch TestKind(raw.Type) {
	case KindHuman:
		*t = TestCase{Kind: KindHuman, Name: raw.Name, Query: raw.Query, RelevantIDs: raw.RelevantIDs}
	case KindLLM:
		*t = TestCase{Kind: KindLLM, Name: raw.Name, Query: raw.Query, Prompt: raw.Prompt, EvalType: raw.EvalType, RelevantIDs: raw.RelevantIDs}
	case KindAgent:
		*t = TestCase{Kind: KindAgent, Name: raw.Name, Query: raw.Query, AgentPrompt: raw.Prompt,
			MCP: raw.MCP, Timeout: raw.Timeout, MaxTurns: raw.MaxTurns, RelevantIDs: raw.RelevantIDs}
	default:
		return fmt.Errorf("unknown test case type %q", raw.Type)
	}
	return nil
}

// TestConfig names a path to load inline test cases from and/or carries
// them directly.
type TestConfig struct {
	LoadTest    string     `yaml:"load_test"`
	DefaultTest string     `yaml:"default_test"`
	Tests       []TestCase `yaml:"tests"`
}

// EvaluationConfig configures the evaluation driver and the retrieval
// parameters it shares with the retrieval service.
type EvaluationConfig struct {
	TopK        int          `yaml:"top_k"`
	Rerank      *RerankConfig `yaml:"rerank"`
	LLM         *LLMConfig    `yaml:"llm"`
	Evaluations bool          `yaml:"evaluations"`
	Metrics     []string      `yaml:"metrics"`
	Test        TestConfig    `yaml:"test"`
	OutputPath  string        `yaml:"output_path"`
}

// ThreadingConfig controls run-wide worker pool sizing.
type ThreadingConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

// RunConfig is the root value describing one run.
type RunConfig struct {
	RunID      string            `yaml:"run_id"`
	Task       string            `yaml:"task"`
	Dataset    DatasetConfig     `yaml:"dataset"`
	Threading  *ThreadingConfig  `yaml:"threading"`
	Parser     *ParserConfig     `yaml:"parser"`
	Embedding  *EmbeddingConfig  `yaml:"embedding"`
	Storage    *StorageConfig    `yaml:"storage"`
	Eval       *EvaluationConfig `yaml:"eval"`
}

// ParserConfig owns an ordered list of independent processes.
type ParserConfig struct {
	Processes []ProcessConfig `yaml:"processes"`
}

// ProcessConfig owns an ordered list of steps applied sequentially.
type ProcessConfig struct {
	Name  string       `yaml:"name"`
	Steps []StepConfig `yaml:"steps"`
}

// StepConfig describes one splitting strategy invocation.
type StepConfig struct {
	Strategy       string `yaml:"strategy"`
	ChunkSize      *int   `yaml:"chunk_size"`
	ChunkOverlap   *int   `yaml:"chunk_overlap"`
	Separator      string `yaml:"separator"`
	RegexPattern   string `yaml:"regex_pattern"`
	IgnoreCase     bool   `yaml:"ignore_case"`
	KeepSeparator  bool   `yaml:"keep_separator"`
	TrimWhitespace bool   `yaml:"trim_whitespace"`
	KeepEmpty      bool   `yaml:"keep_empty"`
	TypeChunk      string `yaml:"type_chunk"`
}

var knownDatasetProviders = map[string]bool{"local": true, "s3": true}
var knownEmbeddingProviders = map[string]bool{"huggingface": true, "openai": true, "dry-run": true}
var knownPoolingStrategies = map[string]bool{"": true, "mean": true, "max": true, "weighted": true, "smooth_decay": true}
var knownVectorProviders = map[string]bool{"memory": true, "local": true, "faiss": true, "qdrant": true, "postgres": true, "": true}
var knownTextStoreClients = map[string]bool{"sqlite": true, "postgres": true, "s3": true, "file": true, "": true}
var knownReducerTypes = map[string]bool{"pca": true, "umap": true}
var knownStepStrategies = map[string]bool{
	"character": true, "word": true, "sentence": true, "paragraph": true, "separator": true, "regex": true,
}

// Load reads and validates a RunConfig from a YAML file on disk.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, runerr.New(runerr.ConfigInvalid, "config", fmt.Errorf("read %s: %w", path, err))
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, runerr.New(runerr.ConfigInvalid, "config", fmt.Errorf("parse %s: %w", path, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate performs the one-time total validation pass. It is exported
// so callers constructing a RunConfig in memory (tests, the dry-run
// path) can validate without a YAML file.
func (c *RunConfig) Validate() error {
	if c.RunID == "" {
		return runerr.Newf(runerr.ConfigInvalid, "config", "run_id is required")
	}
	if !knownDatasetProviders[c.Dataset.Provider] {
		return runerr.Newf(runerr.ConfigInvalid, "config", "unknown dataset provider %q", c.Dataset.Provider)
	}
	if c.Dataset.Path == "" {
		return runerr.Newf(runerr.ConfigInvalid, "config", "dataset.path is required")
	}
	if c.Dataset.Provider == "local" {
		if _, err := os.Stat(c.Dataset.Path); err != nil {
			return runerr.New(runerr.PathNotFound, "config", fmt.Errorf("dataset path %s: %w", c.Dataset.Path, err))
		}
	}

	if c.Parser != nil {
		for pi, proc := range c.Parser.Processes {
			for si, step := range proc.Steps {
				if !knownStepStrategies[step.Strategy] {
					return runerr.Newf(runerr.ConfigInvalid, "config",
						"process[%d].step[%d]: unknown strategy %q", pi, si, step.Strategy)
				}
				if step.ChunkSize != nil && step.ChunkOverlap == nil {
					return runerr.Newf(runerr.ConfigInvalid, "config",
						"process[%d].step[%d]: chunk_overlap is mandatory when chunk_size is set", pi, si)
				}
			}
		}
	}

	if c.Embedding != nil {
		if !knownEmbeddingProviders[c.Embedding.Provider] {
			return runerr.Newf(runerr.ConfigInvalid, "config", "unknown embedding provider %q", c.Embedding.Provider)
		}
		if !knownPoolingStrategies[c.Embedding.PoolingStrategy] {
			return runerr.Newf(runerr.ConfigInvalid, "config", "unknown pooling_strategy %q", c.Embedding.PoolingStrategy)
		}
		if c.Embedding.DimensionReduction != nil && !knownReducerTypes[c.Embedding.DimensionReduction.Type] {
			return runerr.Newf(runerr.ConfigInvalid, "config", "unknown dimension_reduction.type %q", c.Embedding.DimensionReduction.Type)
		}
		if c.Embedding.ChunkMaxTokens > 0 && c.Embedding.ModelMaxTokens > 0 && c.Embedding.ChunkMaxTokens > c.Embedding.ModelMaxTokens {
			return runerr.Newf(runerr.ConfigInvalid, "config", "chunk_max_tokens (%d) exceeds model_max_tokens (%d)",
				c.Embedding.ChunkMaxTokens, c.Embedding.ModelMaxTokens)
		}
	}

	if c.Storage != nil {
		if c.Storage.Vector != nil && !knownVectorProviders[c.Storage.Vector.Provider] {
			return runerr.Newf(runerr.ConfigInvalid, "config", "unknown vector store provider %q", c.Storage.Vector.Provider)
		}
		if c.Storage.TextStore != nil && !knownTextStoreClients[c.Storage.TextStore.Client] {
			return runerr.Newf(runerr.ConfigInvalid, "config", "unknown text_store client %q", c.Storage.TextStore.Client)
		}
	}

	if c.Eval != nil {
		for _, m := range c.Eval.Metrics {
			switch m {
			case "precision", "recall", "hit-rate", "mrr", "ndcg":
			default:
				return runerr.Newf(runerr.ConfigInvalid, "config", "unknown metric %q", m)
			}
		}
	}

	return nil
}

// IsDryRun reports whether the run should short-circuit all external
// collaborators, per CLI flag or the DRY_RUN env var.
func IsDryRun(flagSet bool) bool {
	if flagSet {
		return true
	}
	v := os.Getenv("DRY_RUN")
	return v == "1" || v == "true" || v == "TRUE"
}
