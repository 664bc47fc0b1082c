package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jonathan/testplan-agent/internal/config"
	"github.com/jonathan/testplan-agent/internal/db"
	"github.com/jonathan/testplan-agent/internal/docstore"
	"github.com/jonathan/testplan-agent/internal/events"
	"github.com/jonathan/testplan-agent/internal/llm"
	"github.com/jonathan/testplan-agent/internal/metrics"
	"github.com/jonathan/testplan-agent/internal/pipeline"
	"github.com/jonathan/testplan-agent/internal/state"
)

const redisOpTimeout = 5 * time.Second

// Backend constructors. Tests swap these for in-memory versions.
var (
	openDocs = openDocstore
	newLLM   = func(cfg *llm.Config) llm.Client { return llm.NewRouter(cfg, llm.NewBackend) }
)

// app holds the wired collaborators shared by every command.
type app struct {
	cfg      config.Config
	store    *state.RedisStore
	docs     docstore.Store
	llm      llm.Client
	runner   *pipeline.Runner
	registry *prometheus.Registry
	logger   *slog.Logger
	closers  []func()
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// buildApp connects to Redis, the document store, the LLM providers and
// (when configured) NATS, and assembles a Runner.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := state.OpenRedis(ctx, cfg.RedisURL, redisOpTimeout)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	docs, closeDocs, err := openDocs(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closeDocs != nil {
		a.closers = append(a.closers, closeDocs)
	}
	cached, err := docstore.NewCached(docs, cfg.DocCacheSize)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create document cache: %w", err)
	}
	a.docs = cached

	llmConfig := cfg.LLMConfig()
	a.llm = newLLM(llmConfig)
	a.closers = append(a.closers, func() { _ = a.llm.Close() })

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		pub, closeNATS, err := events.Connect(cfg.NATSURL, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		publisher = pub
		a.closers = append(a.closers, closeNATS)
	}

	a.runner = pipeline.NewRunner(pipeline.Deps{
		Runs:      state.NewRuns(store, cfg.KeyPrefix, 0),
		Docs:      a.docs,
		LLM:       a.llm,
		LLMConfig: llmConfig,
		Logger:    logger,
		Metrics:   metrics.NewRecorder(a.registry),
		Events:    publisher,
	}, cfg.RunnerConfig())
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// openDocstore picks PostgreSQL when a database URL is set and the HTTP
// document service otherwise.
func openDocstore(ctx context.Context, cfg config.Config) (docstore.Store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := database.EnsureSchema(ctx); err != nil {
			database.Close()
			return nil, nil, err
		}
		return database, database.Close, nil
	case cfg.DocstoreURL != "":
		return docstore.NewHTTPClient(cfg.DocstoreURL, 0), nil, nil
	default:
		return nil, nil, errors.New("a document store is required: set DATABASE_URL or DOCSTORE_URL")
	}
}

// withApp builds the app for one command and closes it afterwards.
func withApp(ctx context.Context, level slog.Level, fn func(*app) error) error {
	if settings.Verbose {
		level = slog.LevelDebug
	}
	a, err := buildApp(ctx, settings, newLogger(os.Stderr, level))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
