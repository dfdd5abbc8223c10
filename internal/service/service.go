package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/openiti-search/internal/config"
	"github.com/dshills/openiti-search/internal/embedder"
	"github.com/dshills/openiti-search/internal/ingest"
	"github.com/dshills/openiti-search/internal/lexical"
	"github.com/dshills/openiti-search/internal/searcher"
	"github.com/dshills/openiti-search/internal/storage"
	"github.com/dshills/openiti-search/pkg/types"
)

// pingTimeout bounds each store ping of a health check.
const pingTimeout = 5 * time.Second

// Searcher runs validated queries.
type Searcher interface {
	Search(ctx context.Context, req searcher.Request) (*searcher.Response, error)
	Trace() types.Trace
	InvalidateCache()
}

// Ingester runs a corpus ingestion.
type Ingester interface {
	IngestCorpus(ctx context.Context) (*ingest.Statistics, error)
	Running() bool
}

// Pinger is a store that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Service. Embedder and Vector are nil
// when embeddings are disabled.
type Deps struct {
	Storage  storage.Storage
	Searcher Searcher
	Ingester Ingester
	Embedder embedder.Embedder
	Lexical  Pinger
	Vector   Pinger
}

// Service is the operation surface shared by the MCP tools and the CLI.
type Service struct {
	storage  storage.Storage
	searcher Searcher
	ingester Ingester
	embedder embedder.Embedder
	lexical  Pinger
	vector   Pinger

	search    config.SearchConfig
	embedding config.EmbeddingConfig
	logger    *zap.Logger
}

// New creates a Service.
func New(deps Deps, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if deps.Storage == nil || deps.Searcher == nil || deps.Lexical == nil {
		return nil, errors.New("storage, searcher and lexical store are required")
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		storage:   deps.Storage,
		searcher:  deps.Searcher,
		ingester:  deps.Ingester,
		embedder:  deps.Embedder,
		lexical:   deps.Lexical,
		vector:    deps.Vector,
		search:    cfg.Search,
		embedding: cfg.Embedding,
		logger:    logger,
	}, nil
}

// SearchParams are the caller-facing search arguments. Filter fields are
// comma-separated lists; PriOnly nil means the configured default.
type SearchParams struct {
	Query   string
	Mode    string
	Tier    string
	Page    int
	Size    int
	PriOnly *bool
	Langs   string
	Period  string
	Region  string
	Tags    string
	Version string
}

// Search validates params and runs the query.
func (s *Service) Search(ctx context.Context, p SearchParams) (*searcher.Response, error) {
	mode, ok := types.ParseSearchMode(strings.TrimSpace(p.Mode))
	if !ok {
		return nil, types.Validation("search", "mode must be one of lexical, bm25, vector, hybrid; got %q", p.Mode)
	}
	var tier lexical.Tier
	if t := strings.TrimSpace(p.Tier); t != "" {
		parsed, err := lexical.ParseTier(t)
		if err != nil {
			return nil, types.E(types.KindValidation, "search", err)
		}
		tier = parsed
	}

	priOnly := s.search.DefaultPriOnly
	if p.PriOnly != nil {
		priOnly = *p.PriOnly
	}
	langs := SplitCSV(p.Langs)
	for _, l := range langs {
		if !types.ValidLang(l) {
			return nil, types.E(types.KindValidation, "search", fmt.Errorf("%w: %s", types.ErrInvalidLang, l))
		}
	}

	return s.searcher.Search(ctx, searcher.Request{
		Query: p.Query,
		Mode:  mode,
		Tier:  tier,
		Filters: types.Filters{
			PrimaryOnly:   priOnly,
			Langs:         langs,
			Periods:       SplitCSV(p.Period),
			Regions:       SplitCSV(p.Region),
			Tags:          SplitCSV(p.Tags),
			VersionLabels: SplitCSV(p.Version),
		},
		Page: p.Page,
		Size: p.Size,
	})
}

// SplitCSV splits a comma-separated list, dropping blank items. An empty
// result is nil.
func SplitCSV(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Chunk is one stored chunk with its neighbour links.
type Chunk struct {
	ChunkID     string   `json:"chunk_id"`
	VersionID   string   `json:"version_id"`
	WorkID      string   `json:"work_id"`
	AuthorID    string   `json:"author_id"`
	ChunkIndex  int      `json:"chunk_index"`
	HeadingText *string  `json:"heading_text"`
	HeadingPath []string `json:"heading_path"`
	TextRaw     string   `json:"text_raw"`
	PrevChunkID *string  `json:"prev_chunk_id"`
	NextChunkID *string  `json:"next_chunk_id"`
}

// GetChunk loads one chunk by id.
func (s *Service) GetChunk(ctx context.Context, chunkID string) (*Chunk, error) {
	chunkID = strings.TrimSpace(chunkID)
	if chunkID == "" {
		return nil, types.Validation("get_chunk", "chunk_id is required")
	}
	rec, err := s.storage.GetChunk(ctx, chunkID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, types.E(types.KindNotFound, "get_chunk", errors.New("chunk not found"))
	}
	if err != nil {
		return nil, types.E(types.KindStorage, "get_chunk", err)
	}
	return &Chunk{
		ChunkID:     rec.ChunkID,
		VersionID:   rec.VersionID,
		WorkID:      rec.WorkID,
		AuthorID:    rec.AuthorID,
		ChunkIndex:  rec.ChunkIndex,
		HeadingText: rec.HeadingText,
		HeadingPath: rec.HeadingPath,
		TextRaw:     rec.TextRaw,
		PrevChunkID: rec.PrevChunkID,
		NextChunkID: rec.NextChunkID,
	}, nil
}

// EmbedResult carries unit vectors in input order.
type EmbedResult struct {
	Vectors [][]float32 `json:"vectors"`
	types.Trace
}

// Embed embeds texts with the given role ("query" or "passage", default
// passage) under the configured batch and length limits.
func (s *Service) Embed(ctx context.Context, texts []string, role string) (*EmbedResult, error) {
	if err := embedder.ValidateLimits(texts, s.embedding.MaxBatchSize, s.embedding.MaxTextLength); err != nil {
		return nil, types.E(types.KindValidation, "embed", err)
	}
	r := embedder.RolePassage
	switch strings.TrimSpace(role) {
	case "", string(embedder.RolePassage):
	case string(embedder.RoleQuery):
		r = embedder.RoleQuery
	default:
		return nil, types.Validation("embed", "input_type must be query or passage, got %q", role)
	}
	if s.embedder == nil {
		return nil, types.E(types.KindEmbedding, "embed", embedder.ErrNoProviderEnabled)
	}

	resp, err := s.embedder.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts, Role: r})
	if err != nil {
		return nil, err
	}
	out := &EmbedResult{Vectors: make([][]float32, len(resp.Embeddings)), Trace: s.searcher.Trace()}
	for i, emb := range resp.Embeddings {
		out.Vectors[i] = emb.Vector
	}
	return out, nil
}

// Health reports store reachability.
type Health struct {
	OK            bool `json:"ok"`
	Catalog       bool `json:"catalog"`
	Lexical       bool `json:"lexical"`
	Vector        bool `json:"vector"`
	VectorEnabled bool `json:"vector_enabled"`
}

// Health pings every configured store concurrently. OK requires all of
// them; a disabled vector store is not counted.
func (s *Service) Health(ctx context.Context) *Health {
	h := &Health{VectorEnabled: s.vector != nil}

	var g errgroup.Group
	g.Go(func() error {
		h.Catalog = s.ping(ctx, "catalog", s.storage)
		return nil
	})
	g.Go(func() error {
		h.Lexical = s.ping(ctx, "lexical", s.lexical)
		return nil
	})
	if s.vector != nil {
		g.Go(func() error {
			h.Vector = s.ping(ctx, "vector", s.vector)
			return nil
		})
	}
	_ = g.Wait()

	h.OK = h.Catalog && h.Lexical && (h.Vector || !h.VectorEnabled)
	return h
}

func (s *Service) ping(ctx context.Context, name string, p Pinger) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.String("store", name), zap.Error(err))
		return false
	}
	return true
}

// FailureReport is one failed version in a status report.
type FailureReport struct {
	VersionID    string    `json:"version_id"`
	Error        string    `json:"error"`
	Kind         string    `json:"kind,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	FailedAt     time.Time `json:"failed_at"`
}

// StatusReport summarizes the catalog and ingest progress.
type StatusReport struct {
	SchemaVersion  string          `json:"schema_version"`
	Authors        int             `json:"authors"`
	Works          int             `json:"works"`
	Versions       int             `json:"versions"`
	Chunks         int             `json:"chunks"`
	StatusCounts   map[string]int  `json:"status_counts"`
	RecentFailures []FailureReport `json:"recent_failures"`
	DatabaseSizeMB float64         `json:"database_size_mb"`
	ChunksLinked   bool            `json:"chunks_linked"`
	IngestRunning  bool            `json:"ingest_running"`
}

// Status reads the corpus status from the catalog.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	st, err := s.storage.GetStatus(ctx)
	if err != nil {
		return nil, types.E(types.KindStorage, "status", err)
	}

	report := &StatusReport{
		SchemaVersion:  st.SchemaVersion,
		Authors:        st.Authors,
		Works:          st.Works,
		Versions:       st.Versions,
		Chunks:         st.Chunks,
		StatusCounts:   make(map[string]int, len(storage.AllStatuses)),
		RecentFailures: make([]FailureReport, 0, len(st.RecentFailures)),
		DatabaseSizeMB: st.DatabaseSizeMB,
		ChunksLinked:   st.Health.ChunksLinked,
		IngestRunning:  s.ingester != nil && s.ingester.Running(),
	}
	for _, status := range storage.AllStatuses {
		report.StatusCounts[string(status)] = st.StatusCounts[status]
	}
	for _, f := range st.RecentFailures {
		fr := FailureReport{VersionID: f.VersionID, AttemptCount: f.AttemptCount, FailedAt: f.LastStepAt}
		if f.ErrorMessage != nil {
			fr.Error = *f.ErrorMessage
		}
		if kind, ok := f.ErrorContext["kind"].(string); ok {
			fr.Kind = kind
		}
		report.RecentFailures = append(report.RecentFailures, fr)
	}
	return report, nil
}

// Ingest runs a full corpus ingestion and drops cached search responses
// afterwards, also when the run was only partly successful.
func (s *Service) Ingest(ctx context.Context) (*ingest.Statistics, error) {
	if s.ingester == nil {
		return nil, types.Validation("ingest", "ingestion is not configured")
	}
	stats, err := s.ingester.IngestCorpus(ctx)
	if stats != nil {
		s.searcher.InvalidateCache()
	}
	if err != nil {
		return stats, err
	}
	s.logger.Info("ingest run finished",
		zap.String("run_id", stats.RunID),
		zap.Int("discovered", stats.Discovered),
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Int("chunks", stats.Chunks),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}
