package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rankpipe/internal/cache"
	"github.com/fyrsmithlabs/rankpipe/internal/config"
	"github.com/fyrsmithlabs/rankpipe/internal/logging"
	"github.com/fyrsmithlabs/rankpipe/internal/oracle"
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
	"github.com/fyrsmithlabs/rankpipe/internal/retrieval"
	"github.com/fyrsmithlabs/rankpipe/internal/steps"
	"github.com/fyrsmithlabs/rankpipe/internal/telemetry"
)

// indexer is a vector store documents can be added to.
type indexer interface {
	retrieval.Searcher
	Add(ctx context.Context, hits []retrieval.Hit) error
}

// app holds every initialized dependency of a command.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	cache     cache.Backend
	catalog   *pipeline.Catalog
	chromem   *retrieval.Chromem
	qdrant    *retrieval.Qdrant
}

// newApp loads configuration and initializes dependencies in order:
// telemetry, logger, cache, LLM oracle, embeddings, vector stores, catalog.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, loader, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	telCfg := telemetry.NewDefaultConfig()
	telCfg.ServiceVersion = version
	if err := loader.Section("telemetry", telCfg); err != nil {
		return nil, err
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if err := loader.Section("logging", logCfg); err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, telemetry: tel}

	cacheCfg := cache.Config{}
	if err := loader.Section("cache", &cacheCfg); err != nil {
		return nil, err
	}
	a.cache, err = cache.New(ctx, cacheCfg)
	if err != nil {
		// A broken cache slows runs down but never blocks them.
		logger.Warn(ctx, "cache unavailable, continuing without it",
			zap.String("provider", cacheCfg.Provider), zap.Error(err))
		a.cache = nil
	}

	deps := steps.Deps{
		Models:    cfg.LLM.Models,
		Retrieval: cfg.Retrieval,
		Logger:    logger,
	}

	client, err := oracle.NewClient(cfg.LLM)
	if err != nil {
		logger.Warn(ctx, "llm disabled", zap.Error(err))
	} else {
		deps.LLM = oracle.NewResilient(client, cfg.LLM, logger.Named("oracle"))
	}

	factory := oracle.NewEmbedderFactory(cfg.Embedding)
	deps.Embeddings = factory

	if loader.Exists("retrieval.chromem") || loader.Exists("retrieval.qdrant") {
		embedder, err := factory.Embedder(cfg.Embedding.Model)
		if err != nil {
			return nil, fmt.Errorf("building retrieval embedder: %w", err)
		}
		if loader.Exists("retrieval.chromem") {
			a.chromem, err = retrieval.NewChromem(cfg.Retrieval.Chromem, embedder, logger.Named("chromem"))
			if err != nil {
				return nil, fmt.Errorf("opening chromem: %w", err)
			}
			deps.Chromem = a.chromem
		}
		if loader.Exists("retrieval.qdrant") {
			a.qdrant, err = retrieval.NewQdrant(cfg.Retrieval.Qdrant, embedder)
			if err != nil {
				return nil, fmt.Errorf("connecting to qdrant: %w", err)
			}
			deps.Qdrant = a.qdrant
		}
	}

	a.catalog = steps.NewCatalog(deps)

	logger.Info(ctx, "dependencies initialized",
		zap.Bool("llm", deps.LLM != nil),
		zap.Bool("cache", a.cache != nil),
		zap.Bool("chromem", a.chromem != nil),
		zap.Bool("qdrant", a.qdrant != nil),
		zap.Bool("telemetry", tel.IsEnabled()),
	)
	for _, reason := range tel.Degraded() {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", reason))
	}
	return a, nil
}

// store returns the vector store named backend.
func (a *app) store(backend string) (indexer, error) {
	switch backend {
	case "chromem":
		if a.chromem == nil {
			return nil, errors.New("chromem is not configured (retrieval.chromem)")
		}
		return a.chromem, nil
	case "qdrant":
		if a.qdrant == nil {
			return nil, errors.New("qdrant is not configured (retrieval.qdrant)")
		}
		return a.qdrant, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (chromem, qdrant)", backend)
	}
}

// Close releases every dependency. Safe to call once.
func (a *app) Close(ctx context.Context) {
	if a.qdrant != nil {
		_ = a.qdrant.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync() // Best-effort sync
}
