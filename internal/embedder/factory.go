package embedder

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/openiti-search/internal/config"
	"github.com/dshills/openiti-search/internal/normalize"
)

// New creates an embedder from configuration. Texts are normalized with
// norm before the role prefix is applied; a nil norm leaves them as is.
// It returns ErrNoProviderEnabled when embeddings are switched off.
func New(cfg config.EmbeddingConfig, norm *normalize.Normalizer, logger *zap.Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrNoProviderEnabled
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		b         backend
		dimension = cfg.Dimension
	)
	switch provider := strings.ToLower(cfg.Provider); provider {
	case ProviderLocal, "":
		if dimension <= 0 {
			dimension = LocalDimension
		}
		b = NewLocalProvider(dimension)
	default:
		p, err := NewHTTPProvider(HTTPOptions{
			Provider:          provider,
			BaseURL:           cfg.BaseURL,
			APIKey:            cfg.APIKey,
			Model:             cfg.Model,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Timeout:           30 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding provider: %w", err)
		}
		b = p
	}

	return newClient(b, cfg, dimension, norm, logger), nil
}

func newClient(b backend, cfg config.EmbeddingConfig, dimension int, norm *normalize.Normalizer, logger *zap.Logger) *Client {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}
	modelVersion := cfg.ModelVersion
	if modelVersion == "" {
		modelVersion = "unknown"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		backend:      b,
		model:        cfg.Model,
		modelVersion: modelVersion,
		dimension:    dimension,
		batchSize:    batchSize,
		cache:        cache,
		normalizer:   norm,
		logger:       logger,
	}
}
