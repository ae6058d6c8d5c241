package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/llm"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/pool"
	"github.com/wehubfusion/Daedalus/pkg/sqlexec"
	"github.com/wehubfusion/Daedalus/pkg/stages"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

const embeddingPool = "embedding"

// loadConfig reads --config and applies the --log-level override
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, err
	}
	if rootFlags.logLevel != "" {
		cfg.LogLevel = rootFlags.logLevel
	}
	return cfg, nil
}

// newLogger writes console output to stderr and, when logFile is set, JSON
// lines to that file as well
func newLogger(level, logFile string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		lvl,
	)
	if logFile == "" {
		return zap.New(console), nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logFile, err)
	}
	file := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(f),
		lvl,
	)
	return zap.New(zapcore.NewTee(console, file)), nil
}

// initSentry enables crash reporting when a DSN is configured. The returned
// function flushes pending events.
func initSentry(dsn, release string, logger *zap.Logger) func() {
	if dsn == "" {
		return func() {}
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: release}); err != nil {
		logger.Warn("Failed to initialize Sentry", zap.Error(err))
		return func() {}
	}
	return func() { sentry.Flush(2 * time.Second) }
}

// serveMetrics exposes /metrics on addr until ctx is done
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// services holds everything the stages need in one process
type services struct {
	registry *pipeline.Registry
	pools    *pool.Manager
	db       *sqlexec.SQLite
	remote   cache.Remote
	logger   *zap.Logger
}

// buildServices wires the database, caches, LLM clients and embedding pool
// into the stage registry. Workers pass allowBadger=false: Badger locks its
// directory, so only the coordinator process may open it.
func buildServices(ctx context.Context, cfg *config.Config, rec *metrics.Recorder, allowBadger bool, logger *zap.Logger) (*services, error) {
	s := &services{pools: pool.NewManager(logger), logger: logger}

	if cfg.Cache.Enabled {
		remote, err := openRemote(ctx, cfg, allowBadger, logger)
		if err != nil {
			logger.Warn("Shared cache unavailable, using in-memory cache only", zap.Error(err))
		} else {
			s.remote = remote
		}
	}

	newCache := func(name string) cache.Config {
		return cache.Config{
			Name:    name,
			Enabled: cfg.Cache.Enabled,
			Size:    cfg.Cache.Size,
			TTL:     cfg.Cache.TTL,
			Metrics: rec,
		}
	}
	schemaCache := cache.New[sqlexec.Schema](newCache("schema"), s.remote, logger)

	s.db = sqlexec.NewSQLite(cfg.DatabaseRoot, cfg.SQL.Timeout, cfg.SQL.MaxRows, logger)

	deps := stages.Deps{
		DB:          s.db,
		SchemaCache: schemaCache,
		Config:      cfg,
		Logger:      logger,
	}

	if cfg.LLM.APIKey != "" || cfg.LLM.BaseURL != "" {
		chat, err := llm.NewClient(cfg.LLM, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		deps.Chat = chat

		embedders, err := pool.New[llm.Embedder](ctx, pool.Config{
			Name:           embeddingPool,
			Size:           cfg.Pool.Size,
			AcquireTimeout: cfg.Pool.AcquireTimeout,
			Metrics:        rec,
		}, func(context.Context) (llm.Embedder, error) {
			return llm.NewClient(cfg.LLM, logger)
		}, nil)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := s.pools.Register(embedders); err != nil {
			s.Close()
			return nil, err
		}
		embeddingCache := cache.New[[]float32](newCache("embedding"), s.remote, logger)
		deps.Embedder = llm.NewPooledEmbedder(embedders, embeddingCache, cfg.LLM.EmbeddingModel, cfg.Pool.AcquireTimeout)
	} else {
		logger.Warn("No LLM endpoint configured: extraction uses heuristics and generation stages will fail")
	}

	reg, err := stages.NewRegistry(deps)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.registry = reg
	return s, nil
}

func openRemote(ctx context.Context, cfg *config.Config, allowBadger bool, logger *zap.Logger) (cache.Remote, error) {
	switch cfg.Cache.Backend {
	case "nats":
		return cache.DialNATS(ctx, cache.NATSConfig{
			URL:    cfg.Cache.NATSURL,
			Bucket: cfg.Cache.NATSBucket,
			TTL:    cfg.Cache.TTL,
		}, logger)
	case "badger":
		if !allowBadger {
			logger.Info("Badger cache is owned by the coordinator, worker uses in-memory cache only")
			return nil, nil
		}
		dir := cfg.Cache.BadgerDir
		if dir == "" {
			dir = filepath.Join(cfg.ResultDir, "cache")
		}
		return cache.OpenBadger(cache.BadgerConfig{Dir: dir, TTL: cfg.Cache.TTL}, logger)
	default:
		return nil, nil
	}
}

// Close releases pools, database handles and the shared cache
func (s *services) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.pools.Shutdown(ctx); err != nil {
		s.logger.Warn("Failed to shut down pools", zap.Error(err))
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("Failed to close databases", zap.Error(err))
		}
	}
	if s.remote != nil {
		if err := s.remote.Close(); err != nil {
			s.logger.Warn("Failed to close shared cache", zap.Error(err))
		}
	}
}

// newBlobClient returns nil when no blob storage is configured
func newBlobClient(cfg *config.Config, logger *zap.Logger) (storage.BlobStorageClient, error) {
	if cfg.Blob.ConnectionString == "" {
		return nil, nil
	}
	client, err := storage.NewAzureBlobClient(cfg.Blob.ConnectionString, cfg.Blob.Container, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// newHistoryStore writes histories under {result_dir}/history, mirrored to
// history/{run_id} when blob storage is configured
func newHistoryStore(cfg *config.Config, runID string, blob storage.BlobStorageClient, logger *zap.Logger) (*storage.HistoryStore, error) {
	var opts []storage.HistoryOption
	if blob != nil {
		opts = append(opts, storage.WithMirror(blob, "history/"+runID+"/"))
	}
	return storage.NewHistoryStore(filepath.Join(cfg.ResultDir, "history"), logger, opts...)
}
