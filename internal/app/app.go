// Package app builds the component graph from one immutable Config. Every
// client is created once here and injected; nothing below reads globals.
package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dshills/openiti-search/internal/config"
	"github.com/dshills/openiti-search/internal/embedder"
	"github.com/dshills/openiti-search/internal/facets"
	"github.com/dshills/openiti-search/internal/ingest"
	"github.com/dshills/openiti-search/internal/lexical"
	"github.com/dshills/openiti-search/internal/normalize"
	"github.com/dshills/openiti-search/internal/searcher"
	"github.com/dshills/openiti-search/internal/service"
	"github.com/dshills/openiti-search/internal/storage"
	"github.com/dshills/openiti-search/internal/vector"
)

// App holds the wired components. Vector and Embedder are nil when
// embeddings are disabled.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Storage    *storage.SQLiteStorage
	Lexical    *lexical.Client
	Vector     *vector.Client
	Embedder   *embedder.Client
	Normalizer *normalize.Normalizer
	Labels     *facets.Labels
	Engine     *searcher.Engine
	Ingest     *ingest.Orchestrator
	Service    *service.Service
}

// New opens the catalog, creates the store clients and wires the engine,
// the orchestrator and the service. On error everything opened so far is
// closed.
func New(cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := ensureDir(cfg.Database.Path); err != nil {
		return nil, err
	}
	a.Storage, err = storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a.Normalizer = normalize.New(NormalizerOptions(cfg.Normalization))

	a.Labels, err = facets.LoadLabels(cfg.Facets.LabelsPath)
	if err != nil {
		return nil, err
	}

	a.Lexical, err = lexical.New(lexical.Options{
		URL:      cfg.Lexical.URL,
		Index:    cfg.Lexical.Index,
		Username: cfg.Lexical.Username,
		Password: cfg.Lexical.Password,
		Timeout:  cfg.Lexical.RequestTimeout(),
	}, logger.Named("lexical"))
	if err != nil {
		return nil, err
	}

	if cfg.Embedding.Enabled {
		a.Embedder, err = embedder.New(cfg.Embedding, a.Normalizer, logger.Named("embedder"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		a.Vector, err = vector.Dial(vector.Options{
			Addr:       cfg.Vector.Addr,
			Collection: cfg.Vector.Collection,
			Timeout:    cfg.Vector.RequestTimeout(),
		}, logger.Named("vector"))
		if err != nil {
			return nil, err
		}
	}

	// Interfaces are only filled when the concrete client exists so that a
	// disabled vector side is a true nil.
	searchDeps := searcher.Deps{Lexical: a.Lexical, Normalizer: a.Normalizer, Labels: a.Labels}
	ingestDeps := ingest.Deps{Storage: a.Storage, Lexical: a.Lexical, Normalizer: a.Normalizer}
	serviceDeps := service.Deps{Storage: a.Storage, Lexical: a.Lexical}
	if a.Vector != nil {
		searchDeps.Vector, searchDeps.Embedder = a.Vector, a.Embedder
		ingestDeps.Vector, ingestDeps.Embedder = a.Vector, a.Embedder
		serviceDeps.Vector, serviceDeps.Embedder = a.Vector, a.Embedder
	}

	a.Engine, err = searcher.New(searchDeps, cfg.Search, cfg.Hybrid, logger.Named("searcher"))
	if err != nil {
		return nil, err
	}
	a.Ingest, err = ingest.New(ingestDeps, cfg.Ingest, logger.Named("ingest"))
	if err != nil {
		return nil, err
	}

	serviceDeps.Searcher = a.Engine
	serviceDeps.Ingester = a.Ingest
	a.Service, err = service.New(serviceDeps, cfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("components initialized",
		zap.String("build_mode", storage.BuildMode),
		zap.String("sqlite_driver", storage.DriverName),
		zap.String("lexical_index", cfg.Lexical.Index),
		zap.Bool("vectors", a.Vector != nil),
		zap.Int("facet_labels", a.Labels.Len()))
	return a, nil
}

// Close releases the catalog, the gRPC connection and the embedder.
func (a *App) Close() error {
	var errs []error
	if a.Embedder != nil {
		errs = append(errs, a.Embedder.Close())
	}
	if a.Vector != nil {
		errs = append(errs, a.Vector.Close())
	}
	if a.Storage != nil {
		errs = append(errs, a.Storage.Close())
	}
	return errors.Join(errs...)
}

// NormalizerOptions maps the normalization config section.
func NormalizerOptions(c config.NormalizationConfig) normalize.Options {
	return normalize.Options{
		Version:                    c.Version,
		RemoveTatweel:              c.RemoveTatweel,
		RemoveDiacritics:           c.RemoveDiacritics,
		NormalizeAlefVariants:      c.NormalizeAlefVariants,
		NormalizePersianKafYa:      c.NormalizePersianKafYa,
		NormalizeHamzaConservative: c.NormalizeHamzaConservative,
	}
}

func ensureDir(dbPath string) error {
	if dbPath == "" || dbPath == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}
