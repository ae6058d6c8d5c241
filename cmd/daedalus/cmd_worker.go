package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/runner"
)

// runIDEnv carries the coordinator's run id into worker processes
const runIDEnv = "DAEDALUS_RUN_ID"

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve execution contexts on stdin/stdout for the process backend",
	Hidden: true,
	RunE:   runWorker,
}

// runWorker rebuilds pools, caches and the pipeline from the shared config.
// Stdout carries results only, so every log line goes to stderr.
func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, "")
	if err != nil {
		return err
	}
	logger = logger.With(zap.Int("pid", os.Getpid()))
	defer func() { _ = logger.Sync() }()
	defer initSentry(cfg.SentryDSN, version, logger)()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, nil, false, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	var sink pipeline.HistorySink
	if runID := os.Getenv(runIDEnv); runID != "" {
		blob, err := newBlobClient(cfg, logger)
		if err != nil {
			return err
		}
		histories, err := newHistoryStore(cfg, runID, blob, logger)
		if err != nil {
			return err
		}
		sink = histories
	}

	logger.Info("Worker ready", zap.Strings("stages", cfg.StageList()))
	return runner.ServeWorker(ctx, cfg, svc.registry, sink, os.Stdin, os.Stdout, logger)
}
