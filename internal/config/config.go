package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/openiti-search/pkg/types"
)

// Config holds all runtime configuration. It is built once at startup by
// Load and then only read.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Lexical       LexicalConfig       `yaml:"lexical"`
	Vector        VectorConfig        `yaml:"vector"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Normalization NormalizationConfig `yaml:"normalization"`
	Search        SearchConfig        `yaml:"search"`
	Hybrid        HybridConfig        `yaml:"hybrid"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Facets        FacetsConfig        `yaml:"facets"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DatabaseConfig configures the relational catalog.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LexicalConfig configures the OpenSearch full-text index.
type LexicalConfig struct {
	URL      string `yaml:"url"`
	Index    string `yaml:"index"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Timeout  string `yaml:"timeout"`
}

// VectorConfig configures the Qdrant collection.
type VectorConfig struct {
	Addr       string `yaml:"addr"` // gRPC host:port
	Collection string `yaml:"collection"`
	Timeout    string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding provider and the embed operation limits.
type EmbeddingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Provider          string  `yaml:"provider"` // openai, jina, tei, local
	Model             string  `yaml:"model"`
	ModelVersion      string  `yaml:"model_version"`
	Dimension         int     `yaml:"dimension"`
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	BatchSize         int     `yaml:"batch_size"`
	MaxBatchSize      int     `yaml:"max_batch_size"`
	MaxTextLength     int     `yaml:"max_text_length"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	CacheSize         int     `yaml:"cache_size"`
}

// NormalizationConfig toggles the script normalization stages.
type NormalizationConfig struct {
	Version                    string `yaml:"version"`
	RemoveTatweel              bool   `yaml:"remove_tatweel"`
	RemoveDiacritics           bool   `yaml:"remove_diacritics"`
	NormalizeAlefVariants      bool   `yaml:"normalize_alef_variants"`
	NormalizePersianKafYa      bool   `yaml:"normalize_persian_kaf_ya"`
	NormalizeHamzaConservative bool   `yaml:"normalize_hamza_conservative"`
}

// SearchConfig holds query-surface defaults and guardrails.
type SearchConfig struct {
	DefaultSize    int                 `yaml:"default_size"`
	MaxSize        int                 `yaml:"max_size"`
	MaxQueryLength int                 `yaml:"max_query_length_chars"`
	DefaultPriOnly bool                `yaml:"default_pri_only"`
	DefaultTier    string              `yaml:"default_tier"`
	CacheSize      int                 `yaml:"cache_size"`
	CacheTTL       string              `yaml:"cache_ttl"`
	Variants       map[string][]string `yaml:"variants"`
	Expansions     map[string][]string `yaml:"expansions"`
}

// HybridConfig configures candidate pooling and rank fusion.
type HybridConfig struct {
	CandidatePool CandidatePoolConfig `yaml:"candidate_pool"`
	RRF           RRFConfig           `yaml:"rrf"`
}

// CandidatePoolConfig sizes the per-retriever top-k before fusion.
type CandidatePoolConfig struct {
	Min        int `yaml:"min"`
	Max        int `yaml:"max"`
	Multiplier int `yaml:"multiplier_per_page_size"`
}

// RRFConfig holds the Reciprocal Rank Fusion constant.
type RRFConfig struct {
	K int `yaml:"rrf_k"`
}

// IngestConfig configures discovery, chunking and batching.
type IngestConfig struct {
	CorpusRoot       string   `yaml:"corpus_root"`
	MetadataFile     string   `yaml:"metadata_file"`
	CuratedTagsPath  string   `yaml:"curated_tags_path"`
	WorkLimit        int      `yaml:"work_limit"`
	OnlyPri          bool     `yaml:"only_pri"`
	Langs            []string `yaml:"langs"`
	ChunkTargetWords int      `yaml:"chunk_target_words"`
	ChunkOverlap     int      `yaml:"chunk_overlap_words"`
	BulkBatch        int      `yaml:"bulk_batch"`
	Workers          int      `yaml:"workers"`
}

// FacetsConfig locates the facet label table.
type FacetsConfig struct {
	LabelsPath string `yaml:"labels_path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "data/openiti.db",
		},
		Lexical: LexicalConfig{
			URL:     "http://localhost:9200",
			Index:   "openiti_chunks",
			Timeout: "30s",
		},
		Vector: VectorConfig{
			Addr:       "localhost:6334",
			Collection: "openiti_chunks",
			Timeout:    "30s",
		},
		Embedding: EmbeddingConfig{
			Enabled:           true,
			Provider:          "local",
			Model:             "sentence-transformers/paraphrase-multilingual-MiniLM-L12-v2",
			ModelVersion:      "unknown",
			Dimension:         384,
			BatchSize:         64,
			MaxBatchSize:      32,
			MaxTextLength:     256,
			RequestsPerSecond: 10,
			CacheSize:         10000,
		},
		Normalization: NormalizationConfig{
			Version:                    "unknown",
			RemoveTatweel:              true,
			RemoveDiacritics:           true,
			NormalizeAlefVariants:      true,
			NormalizePersianKafYa:      true,
			NormalizeHamzaConservative: true,
		},
		Search: SearchConfig{
			DefaultSize:    20,
			MaxSize:        100,
			MaxQueryLength: 256,
			DefaultPriOnly: true,
			DefaultTier:    "full_pipeline",
			CacheSize:      1000,
			CacheTTL:       "5m",
		},
		Hybrid: HybridConfig{
			CandidatePool: CandidatePoolConfig{Min: 100, Max: 1000, Multiplier: 5},
			RRF:           RRFConfig{K: 60},
		},
		Ingest: IngestConfig{
			MetadataFile:     "OpenITI_metadata_2023-1-8.csv",
			WorkLimit:        200,
			OnlyPri:          true,
			Langs:            []string{types.LangArabic},
			ChunkTargetWords: 300,
			ChunkOverlap:     0,
			BulkBatch:        500,
			Workers:          4,
		},
		Facets: FacetsConfig{
			LabelsPath: "config/facet_labels.csv",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file, applies environment overrides
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
			// defaults
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot honour.
func (c *Config) Validate() error {
	if c.Ingest.ChunkTargetWords <= 0 {
		return fmt.Errorf("ingest.chunk_target_words must be > 0, got %d", c.Ingest.ChunkTargetWords)
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkTargetWords {
		return fmt.Errorf("ingest.chunk_overlap_words must be in [0, %d), got %d",
			c.Ingest.ChunkTargetWords, c.Ingest.ChunkOverlap)
	}
	if c.Ingest.BulkBatch <= 0 {
		return fmt.Errorf("ingest.bulk_batch must be > 0")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be > 0")
	}
	for _, lang := range c.Ingest.Langs {
		if !types.ValidLang(lang) {
			return fmt.Errorf("ingest.langs: %w: %s", types.ErrInvalidLang, lang)
		}
	}
	if c.Embedding.BatchSize <= 0 || c.Embedding.MaxBatchSize <= 0 {
		return fmt.Errorf("embedding batch sizes must be > 0")
	}
	if c.Embedding.MaxTextLength <= 0 {
		return fmt.Errorf("embedding.max_text_length must be > 0")
	}
	if c.Search.DefaultSize <= 0 || c.Search.MaxSize < c.Search.DefaultSize {
		return fmt.Errorf("search sizes invalid: default %d, max %d", c.Search.DefaultSize, c.Search.MaxSize)
	}
	pool := c.Hybrid.CandidatePool
	if pool.Min <= 0 || pool.Max < pool.Min || pool.Multiplier <= 0 {
		return fmt.Errorf("hybrid.candidate_pool invalid: min %d, max %d, multiplier %d", pool.Min, pool.Max, pool.Multiplier)
	}
	if c.Hybrid.RRF.K <= 0 {
		return fmt.Errorf("hybrid.rrf.rrf_k must be > 0")
	}
	durations := map[string]string{
		"lexical.timeout":  c.Lexical.Timeout,
		"vector.timeout":   c.Vector.Timeout,
		"search.cache_ttl": c.Search.CacheTTL,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// RequestTimeout returns the per-request timeout, 30s when unset.
func (c LexicalConfig) RequestTimeout() time.Duration {
	return durationOr(c.Timeout, 30*time.Second)
}

// RequestTimeout returns the per-call timeout, 30s when unset.
func (c VectorConfig) RequestTimeout() time.Duration {
	return durationOr(c.Timeout, 30*time.Second)
}

// ResponseCacheTTL returns how long cached search responses live. Zero
// disables the cache.
func (c SearchConfig) ResponseCacheTTL() time.Duration {
	if c.CacheSize <= 0 {
		return 0
	}
	return durationOr(c.CacheTTL, 5*time.Minute)
}

func durationOr(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
