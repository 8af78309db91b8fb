package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dshills/codeatlas/internal/broadcast"
	"github.com/dshills/codeatlas/internal/config"
	"github.com/dshills/codeatlas/internal/embedder"
	"github.com/dshills/codeatlas/internal/jobstate"
	"github.com/dshills/codeatlas/internal/llm"
	"github.com/dshills/codeatlas/internal/observability"
	"github.com/dshills/codeatlas/internal/orchestrator"
	"github.com/dshills/codeatlas/internal/pipeline"
	"github.com/dshills/codeatlas/internal/runner"
	"github.com/dshills/codeatlas/internal/searcher"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/internal/websearch"
)

// app holds the wired components of one process
type app struct {
	cfg    *config.Config
	obs    *observability.Providers
	logger *slog.Logger

	store    *storage.SQLiteStorage
	jobs     *jobstate.Service
	runner   *runner.Runner
	searcher *searcher.Searcher
	embedder embedder.Embedder // nil without a provider
	llm      llm.Client
}

// newApp loads configuration and builds every component. Logs go to logOut;
// stdout stays free for command output or the MCP protocol.
func newApp(g *globalOptions, mode observability.Mode, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}

	obs, err := observability.Init(observability.Config{
		ServiceName:   "codeatlas",
		LogLevel:      cfg.Log.Level,
		LogJSON:       cfg.Log.JSON,
		MetricsListen: cfg.Metrics.Listen,
	}, logOut, mode)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	logger := obs.Logger
	slog.SetDefault(logger)

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return nil, err
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	emb, err := embedder.New(cfg.EmbedderConfig())
	switch {
	case errors.Is(err, embedder.ErrNoProviderEnabled):
		logger.Info("no embedding provider configured; search falls back to keywords")
		emb = nil
	case err != nil:
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	default:
		logger.Info("embedding provider ready", "provider", emb.Provider(), "model", emb.Model())
	}

	client, err := llm.New(cfg.LLMClientConfig(), logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client = llm.Observe(client, obs.Metrics)
	if !llm.Enabled(client) {
		logger.Info("no LLM API key configured; writers and Q&A use templated output")
	}

	// A nil *Client must not become a non-nil interface
	var web websearch.Searcher
	if c := websearch.New(cfg.WebSearch.ServerURL, version, websearch.WithLogger(logger)); c != nil {
		web = c
	}

	hub := broadcast.New[jobstate.Event]()
	jobs := jobstate.NewService(store, hub, jobstate.Config{
		PauseTimeout: cfg.Analysis.PauseTimeout,
		PollInterval: cfg.Analysis.PollInterval,
	}, jobstate.WithLogger(logger))

	p := pipeline.New(store, emb, pipeline.Config{
		MaxChunkChars: cfg.Analysis.MaxChunkChars,
		Batcher:       cfg.BatcherConfig(),
		Skip:          cfg.Analysis.Skip,
	}, obs.Metrics, logger)
	orch := orchestrator.New(store, jobs, client, web, obs.Metrics, logger)

	return &app{
		cfg:      cfg,
		obs:      obs,
		logger:   logger,
		store:    store,
		jobs:     jobs,
		runner:   runner.New(store, jobs, p, orch, obs.Metrics, logger),
		searcher: searcher.New(store, emb, logger),
		embedder: emb,
		llm:      client,
	}, nil
}

// close stops active runners, then releases storage and telemetry
func (a *app) close(ctx context.Context) {
	if err := a.runner.Shutdown(ctx); err != nil {
		a.logger.Warn("runners did not stop in time", "error", err)
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close storage", "error", err)
	}
	if err := a.obs.Shutdown(ctx); err != nil {
		a.logger.Warn("failed to flush telemetry", "error", err)
	}
}
