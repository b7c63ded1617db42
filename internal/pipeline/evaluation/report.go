package evaluation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/runerr"
)

// writeJSON atomically writes v as an indented JSON file under dir/name,
// creating dir if needed.
func writeJSON(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return runerr.New(runerr.StoreError, "evaluate", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return runerr.New(runerr.StoreError, "evaluate", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return runerr.New(runerr.StoreError, "evaluate", err)
	}
	return nil
}

// WriteConfigReport emits the run-level report in both forms: a
// machine-readable YAML echo of the effective config, and a
// human-readable Markdown summary whose tests are elided to a count.
func WriteConfigReport(dir string, cfg *config.RunConfig) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return runerr.New(runerr.StoreError, "evaluate", err)
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return runerr.New(runerr.StoreError, "evaluate", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), yamlData, 0o644); err != nil {
		return runerr.New(runerr.StoreError, "evaluate", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Run %s\n\n", cfg.RunID)
	fmt.Fprintf(&sb, "- task: %s\n", cfg.Task)
	fmt.Fprintf(&sb, "- dataset: %s (%s)\n", cfg.Dataset.Path, cfg.Dataset.Provider)
	if cfg.Embedding != nil {
		fmt.Fprintf(&sb, "- embedding: %s/%s\n", cfg.Embedding.Provider, cfg.Embedding.Model)
	}
	if cfg.Storage != nil {
		if cfg.Storage.Vector != nil {
			fmt.Fprintf(&sb, "- vector store: %s\n", cfg.Storage.Vector.Provider)
		}
		if cfg.Storage.TextStore != nil {
			fmt.Fprintf(&sb, "- text store: %s\n", cfg.Storage.TextStore.Client)
		}
	}
	if cfg.Eval != nil {
		fmt.Fprintf(&sb, "- top_k: %d\n", cfg.Eval.TopK)
		fmt.Fprintf(&sb, "- metrics: %s\n", strings.Join(cfg.Eval.Metrics, ", "))
		for _, m := range cfg.Eval.Metrics {
			if m == "hit-rate" {
				fmt.Fprintf(&sb, "- hit-rate definition: recall@1 (whether the top-ranked result is relevant)\n")
			}
		}
		fmt.Fprintf(&sb, "- tests: %d\n", len(cfg.Eval.Test.Tests))
	}
	if err := os.WriteFile(filepath.Join(dir, "config.md"), []byte(sb.String()), 0o644); err != nil {
		return runerr.New(runerr.StoreError, "evaluate", err)
	}
	return nil
}
