package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/scrypster/threatgraph/internal/config"
	"github.com/scrypster/threatgraph/internal/engine"
	"github.com/scrypster/threatgraph/internal/extractor"
	"github.com/scrypster/threatgraph/internal/llm"
	"github.com/scrypster/threatgraph/internal/logging"
	"github.com/scrypster/threatgraph/internal/storage"
	"github.com/scrypster/threatgraph/internal/storage/file"
	"github.com/scrypster/threatgraph/internal/storage/postgres"
	"github.com/scrypster/threatgraph/internal/storage/sqlite"
)

// app bundles everything a command needs. close releases it in reverse
// order of construction.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    storage.GraphStore
	engine   *engine.GraphEngine
	analyzer *llm.Analyzer
	registry *prometheus.Registry
	closers  []io.Closer
}

// newApp loads configuration and builds the store and engine. withAI also
// constructs the configured NLP analyzer.
func newApp(ctx context.Context, withAI bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	a.store, err = openStore(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, a.store)

	x, err := newExtractor(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	a.engine, err = engine.NewGraphEngine(ctx, a.store, x, engine.Config{
		FuzzyThreshold: cfg.Merge.FuzzyThreshold,
		Policy:         engine.MergePolicy(cfg.Merge.Policy),
		SaveTimeout:    cfg.Merge.SaveTimeout,
		QueryCacheSize: cfg.Query.CacheSize,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine.SetLogger(logger)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.engine.SetMetrics(engine.NewMetrics(a.registry))

	if withAI {
		a.analyzer, err = llm.NewAnalyzerFromConfig(llm.Config{
			Provider:      cfg.LLM.Provider,
			BaseURL:       cfg.LLM.BaseURL,
			Model:         cfg.LLM.Model,
			APIKey:        cfg.LLM.APIKey,
			Timeout:       cfg.LLM.Timeout,
			MaxInputChars: cfg.LLM.MaxInputChars,
		}, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		if a.analyzer != nil {
			a.engine.SetAnalyzer(a.analyzer)
		}
	}
	return a, nil
}

func (a *app) aiModel() string {
	if a.analyzer == nil {
		return ""
	}
	return a.analyzer.Model()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// openStore returns the GraphStore selected by storage.engine.
func openStore(cfg *config.Config) (storage.GraphStore, error) {
	switch cfg.Storage.Engine {
	case "file":
		return file.NewStore(cfg.Storage.GraphFilePath())
	case "sqlite":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return sqlite.NewGraphStore(cfg.Storage.SQLitePath())
	case "postgres":
		return postgres.NewGraphStore(cfg.Storage.PostgresDSN)
	case "memory":
		return storage.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}

func newExtractor(cfg *config.Config) (*extractor.Extractor, error) {
	dict := extractor.DefaultDictionary()
	if cfg.Extraction.DictionaryPath != "" {
		var err error
		dict, err = extractor.LoadDictionary(cfg.Extraction.DictionaryPath)
		if err != nil {
			return nil, err
		}
	}
	return extractor.New(extractor.Config{
		Dictionary:      dict,
		ProximityWindow: cfg.Extraction.ProximityWindow,
	}), nil
}

// readInput reads a file, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
