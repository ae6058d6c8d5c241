package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// workerConfigName is the unredacted configuration handed to process-pool workers
const workerConfigName = "worker_config.yaml"

var runFlags struct {
	dataset       string
	databaseRoot  string
	resultDir     string
	stages        string
	mode          string
	workers       int
	start         int
	end           int
	checkpointDir string
	metricsAddr   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline over a dataset",
	Long:  "Run every selected dataset question through the configured stages and\nwrite detailed results, statistics and per-stage answers to the result directory.",
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.dataset, "dataset", "", "Dataset JSON file")
	f.StringVar(&runFlags.databaseRoot, "db-root", "", "Directory holding {db_id}/{db_id}.sqlite")
	f.StringVarP(&runFlags.resultDir, "result-dir", "o", "", "Directory for results, histories and logs")
	f.StringVar(&runFlags.stages, "stages", "", "Stage list joined by '+'")
	f.StringVar(&runFlags.mode, "mode", "", "Execution mode: sequential, thread, process or async")
	f.IntVarP(&runFlags.workers, "workers", "w", 0, "Worker count")
	f.IntVar(&runFlags.start, "start", -1, "First dataset row (inclusive)")
	f.IntVar(&runFlags.end, "end", -1, "Last dataset row (exclusive, 0 for all)")
	f.StringVar(&runFlags.checkpointDir, "checkpoint-dir", "", "Resume from histories in this directory")
	f.StringVar(&runFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("mode") {
		if _, err := concurrency.ParseMode(runFlags.mode); err != nil {
			return err
		}
	}
	applyRunOverrides(cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, filepath.Join(cfg.ResultDir, "logs", "run.log"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	undo := concurrency.InitializeForKubernetes(logger)
	defer undo()
	defer initSentry(cfg.SentryDSN, version, logger)()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	savedPath, err := cfg.Save(cfg.ResultDir)
	if err != nil {
		return err
	}
	logger.Info("Run configuration saved", zap.String("path", savedPath))

	promReg := prometheus.NewRegistry()
	rec := metrics.New(promReg)
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, promReg, logger)
	}

	records, err := task.LoadDataset(cfg.DatasetPath)
	if err != nil {
		return err
	}

	svc, err := buildServices(ctx, cfg, rec, true, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	blob, err := newBlobClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("blob storage: %w", err)
	}
	histories, err := newHistoryStore(cfg, runID, blob, logger)
	if err != nil {
		return err
	}
	var checkpointOpts []storage.CheckpointOption
	if blob != nil {
		checkpointOpts = append(checkpointOpts, storage.WithRemoteCheckpoints(blob, "checkpoints/"))
	}
	checkpoints := storage.NewCheckpointStore(cfg.Checkpoint.Enabled, cfg.Checkpoint.Dir, logger, checkpointOpts...)

	opts := []runner.Option{runner.WithRunID(runID)}
	if cfg.Tracing.Enabled {
		opts = append(opts, runner.WithTracing(runner.TracingConfigFrom("daedalus", cfg.Tracing)))
	}
	if cfg.Concurrency.Mode == concurrency.ModeProcess {
		workerCmd, err := workerCommand(cfg, runID)
		if err != nil {
			return err
		}
		opts = append(opts, runner.WithWorkerCommand(workerCmd))
	}

	coordinator, err := runner.New(cfg, runner.Deps{
		Registry:    svc.registry,
		Checkpoints: checkpoints,
		Histories:   histories,
		Metrics:     rec,
	}, logger, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := coordinator.Close(); err != nil {
			logger.Warn("Failed to close coordinator", zap.Error(err))
		}
	}()

	if err := coordinator.Initialize(ctx, records, cfg.Start, cfg.End); err != nil {
		return err
	}
	summary, err := coordinator.Run(ctx)
	if summary != nil {
		printSummary(cmd, summary)
	}
	return err
}

// applyRunOverrides lets explicitly set flags win over file and environment
func applyRunOverrides(cfg *config.Config, cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("dataset") {
		cfg.DatasetPath = runFlags.dataset
	}
	if flags.Changed("db-root") {
		cfg.DatabaseRoot = runFlags.databaseRoot
	}
	if flags.Changed("result-dir") {
		cfg.ResultDir = runFlags.resultDir
	}
	if flags.Changed("stages") {
		cfg.Stages = runFlags.stages
	}
	if flags.Changed("mode") {
		cfg.Concurrency.Mode = concurrency.ExecutionMode(runFlags.mode)
	}
	if flags.Changed("workers") {
		cfg.Concurrency.Workers = runFlags.workers
	}
	if flags.Changed("start") {
		cfg.Start = runFlags.start
	}
	if flags.Changed("end") {
		cfg.End = runFlags.end
	}
	if flags.Changed("checkpoint-dir") {
		cfg.Checkpoint.Enabled = runFlags.checkpointDir != ""
		cfg.Checkpoint.Dir = runFlags.checkpointDir
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = runFlags.metricsAddr
	}
}

// workerCommand writes the full configuration for the workers and returns
// the command that re-executes this binary as one
func workerCommand(cfg *config.Config, runID string) (runner.WorkerCommand, error) {
	exe, err := os.Executable()
	if err != nil {
		return runner.WorkerCommand{}, fmt.Errorf("locate executable: %w", err)
	}
	path := filepath.Join(cfg.ResultDir, workerConfigName)
	if err := cfg.WriteYAML(path); err != nil {
		return runner.WorkerCommand{}, err
	}
	return runner.WorkerCommand{
		Path: exe,
		Args: []string{"worker", "--config", path},
		Env:  []string{runIDEnv + "=" + runID},
	}, nil
}

func printSummary(cmd *cobra.Command, s *runner.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:       %s\n", s.RunID)
	mode := string(s.Mode)
	if s.FellBack {
		mode += " (fell back)"
	}
	fmt.Fprintf(out, "Mode:      %s\n", mode)
	fmt.Fprintf(out, "Processed: %d/%d (%d failed)\n", s.Processed, s.Total, s.Failed)
	fmt.Fprintf(out, "Elapsed:   %s\n", s.Elapsed.Round(time.Millisecond))

	categories := make([]string, 0, len(s.Statistics.Counts))
	for name := range s.Statistics.Counts {
		categories = append(categories, name)
	}
	sort.Strings(categories)
	for _, name := range categories {
		c := s.Statistics.Counts[name]
		fmt.Fprintf(out, "  %-20s correct %d  incorrect %d  error %d  accuracy %.4f\n",
			name, c.Correct, c.Incorrect, c.Error, s.Statistics.Summary.Accuracies[name])
	}
	for _, f := range s.Files {
		fmt.Fprintf(out, "Wrote %s\n", f)
	}
}
