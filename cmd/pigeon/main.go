package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/rs/zerolog"

	"pigeon/internal/obslog"
	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/runner"
)

func main() {
	log.SetFlags(0)
	var (
		configPath = flag.String("config", "configs/test.yml", "path to the run config YAML")
		dryRun     = flag.Bool("dry-run", false, "skip every external collaborator and run hermetically")
		verbose    = flag.Bool("verbose", false, "enable debug-level logging")
	)
	flag.StringVar(configPath, "c", *configPath, "shorthand for -config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	var logger obslog.Logger = obslog.NewZerolog(level)

	run := config.IsDryRun(*dryRun)

	orch := runner.New(cfg, run, logger, runner.NewOtelMetrics())
	result, err := orch.Run(context.Background())
	if err != nil {
		logger.Error("run failed", map[string]any{"run_id": cfg.RunID, "error": err.Error()})
		os.Exit(1)
	}

	logger.Info("run complete", map[string]any{
		"run_id":           result.RunID,
		"documents_loaded": result.DocumentsLoaded,
		"chunks_split":     result.ChunksSplit,
		"chunks_embedded":  result.ChunksEmbedded,
		"chunks_stored":    result.ChunksStored,
		"tests_run":        result.TestsRun,
		"partial":          result.Partial,
	})
	if result.Partial {
		os.Exit(0)
	}
}
