package searcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/openiti-search/internal/config"
	"github.com/dshills/openiti-search/internal/embedder"
	"github.com/dshills/openiti-search/internal/facets"
	"github.com/dshills/openiti-search/internal/lexical"
	"github.com/dshills/openiti-search/internal/normalize"
	"github.com/dshills/openiti-search/internal/sanitize"
	"github.com/dshills/openiti-search/internal/vector"
	"github.com/dshills/openiti-search/pkg/types"
)

// WarningVectorFallback is reported when a hybrid query was answered by
// the lexical retriever alone.
const WarningVectorFallback = "vector_unavailable_fallback_lexical"

var (
	// ErrVectorDisabled is returned (classified as a vector error) when the
	// engine was built without a vector retriever.
	ErrVectorDisabled = errors.New("vector search is disabled")
)

// LexicalSearcher is the read side of the full-text index.
type LexicalSearcher interface {
	Search(ctx context.Context, q lexical.Query) (*lexical.Result, error)
	FilterChunkIDs(ctx context.Context, ids []string, f types.Filters) (map[string]struct{}, error)
	FetchSources(ctx context.Context, ids []string) (map[string]types.Source, error)
}

// VectorSearcher is the read side of the vector store.
type VectorSearcher interface {
	Search(ctx context.Context, vec []float32, f types.Filters, limit, offset int) ([]vector.Hit, error)
	Count(ctx context.Context, f types.Filters) (int, error)
}

// Request contains parameters for a search operation.
type Request struct {
	Query   string
	Mode    types.SearchMode
	Tier    lexical.Tier
	Filters types.Filters
	Page    int
	Size    int

	// Variants and Expansions replace the configured lexicon when non-nil.
	Variants   []string
	Expansions []string
}

// Response is one page of ranked hits.
type Response struct {
	Query         string                         `json:"query"`
	RequestedMode types.SearchMode               `json:"requested_mode"`
	EffectiveMode types.SearchMode               `json:"effective_mode"`
	Warnings      []string                       `json:"warnings"`
	Total         int                            `json:"total"`
	Page          int                            `json:"page"`
	Size          int                            `json:"size"`
	Results       []types.SearchHit              `json:"results"`
	Facets        map[string][]types.FacetBucket `json:"facets"`
	CacheHit      bool                           `json:"cache_hit"`
	Duration      time.Duration                  `json:"-"`
	types.Trace
}

// Deps are the collaborators of an Engine. Vector and Embedder are either
// both set or both nil; without them vector mode fails and hybrid mode
// always degrades to lexical.
type Deps struct {
	Lexical    LexicalSearcher
	Vector     VectorSearcher
	Embedder   embedder.Embedder
	Normalizer *normalize.Normalizer
	Labels     *facets.Labels
}

// Engine answers lexical, vector and hybrid queries.
type Engine struct {
	lexical    LexicalSearcher
	vector     VectorSearcher
	embedder   embedder.Embedder
	normalizer *normalize.Normalizer
	labels     *facets.Labels

	cfg         config.SearchConfig
	hybrid      config.HybridConfig
	defaultTier lexical.Tier
	variants    lexicon
	expansions  lexicon
	trace       types.Trace

	cache    *lru.Cache[[32]byte, *cacheEntry]
	cacheMu  sync.RWMutex
	cacheTTL time.Duration

	logger *zap.Logger
}

// New creates an Engine. The response cache is enabled when
// cfg.CacheSize is positive.
func New(deps Deps, cfg config.SearchConfig, hybrid config.HybridConfig, logger *zap.Logger) (*Engine, error) {
	if deps.Lexical == nil {
		return nil, errors.New("lexical searcher is required")
	}
	if deps.Normalizer == nil {
		return nil, errors.New("normalizer is required")
	}
	if (deps.Vector == nil) != (deps.Embedder == nil) {
		return nil, errors.New("vector searcher and embedder must be configured together")
	}
	tier, err := lexical.ParseTier(cfg.DefaultTier)
	if err != nil {
		return nil, fmt.Errorf("search.default_tier: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		lexical:     deps.Lexical,
		vector:      deps.Vector,
		embedder:    deps.Embedder,
		normalizer:  deps.Normalizer,
		labels:      deps.Labels,
		cfg:         cfg,
		hybrid:      hybrid,
		defaultTier: tier,
		variants:    newLexicon(cfg.Variants, deps.Normalizer),
		expansions:  newLexicon(cfg.Expansions, deps.Normalizer),
		trace:       types.Trace{NormalizationVersion: deps.Normalizer.Version()},
		cacheTTL:    cfg.ResponseCacheTTL(),
		logger:      logger,
	}
	if deps.Embedder != nil {
		e.trace.EmbeddingModel = deps.Embedder.Model()
		e.trace.EmbeddingModelVersion = deps.Embedder.ModelVersion()
	}
	if e.cacheTTL > 0 && cfg.CacheSize > 0 {
		cache, err := lru.New[[32]byte, *cacheEntry](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create response cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// Trace returns the model and normalization versions stamped on responses.
func (e *Engine) Trace() types.Trace {
	return e.trace
}

// Search performs a search based on the request parameters.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if err := e.validateRequest(&req); err != nil {
		return nil, err
	}

	if cached := e.checkCache(req); cached != nil {
		cached.CacheHit = true
		cached.Duration = time.Since(start)
		return cached, nil
	}

	q := e.baseQuery(req)

	var (
		resp *Response
		err  error
	)
	switch req.Mode {
	case types.ModeLexical:
		resp, err = e.lexicalSearch(ctx, req, q)
	case types.ModeVector:
		resp, err = e.vectorSearch(ctx, req)
	case types.ModeHybrid:
		resp, err = e.hybridSearch(ctx, req, q)
	default:
		return nil, types.Validation("search", "unsupported search mode: %s", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	resp.Duration = time.Since(start)
	e.logger.Debug("search complete",
		zap.String("requested_mode", string(resp.RequestedMode)),
		zap.String("effective_mode", string(resp.EffectiveMode)),
		zap.Int("total", resp.Total),
		zap.Int("results", len(resp.Results)),
		zap.Duration("duration", resp.Duration))

	// Degraded answers are not cached so the vector side is retried.
	if len(resp.Warnings) == 0 {
		e.storeInCache(req, resp)
	}
	return resp, nil
}

func (e *Engine) validateRequest(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return types.Validation("search", "query cannot be empty")
	}
	if limit := e.cfg.MaxQueryLength; limit > 0 && utf8.RuneCountInString(req.Query) > limit {
		return types.Validation("search", "query exceeds max length %d", limit)
	}

	if req.Size == 0 {
		req.Size = e.cfg.DefaultSize
	}
	if req.Size < 1 || (e.cfg.MaxSize > 0 && req.Size > e.cfg.MaxSize) {
		return types.Validation("search", "size must be between 1 and %d", e.cfg.MaxSize)
	}
	if req.Page == 0 {
		req.Page = 1
	}
	if req.Page < 1 {
		return types.Validation("search", "page must be >= 1")
	}

	mode, ok := types.ParseSearchMode(string(req.Mode))
	if !ok {
		return types.Validation("search", "unsupported search mode: %s", req.Mode)
	}
	req.Mode = mode

	if req.Tier == "" {
		req.Tier = e.defaultTier
	} else if _, err := lexical.ParseTier(string(req.Tier)); err != nil {
		return types.E(types.KindValidation, "search", err)
	}
	return nil
}

// baseQuery builds the lexical query shared by every mode; only From, Size
// and WithAggs vary.
func (e *Engine) baseQuery(req Request) lexical.Query {
	normalized := e.normalizer.Normalize(req.Query)

	variants := e.variants.lookup(normalized)
	if req.Variants != nil {
		variants = e.normalizeTerms(req.Variants)
	}
	expansions := e.expansions.lookup(normalized)
	if req.Expansions != nil {
		expansions = e.normalizeTerms(req.Expansions)
	}

	return lexical.Query{
		Text:       req.Query,
		Normalized: normalized,
		Variants:   variants,
		Expansions: expansions,
		Tier:       req.Tier,
		Filters:    req.Filters,
	}
}

func (e *Engine) normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if n := e.normalizer.Normalize(strings.TrimSpace(t)); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func (e *Engine) newResponse(req Request) *Response {
	return &Response{
		Query:         req.Query,
		RequestedMode: req.Mode,
		EffectiveMode: req.Mode,
		Warnings:      []string{},
		Page:          req.Page,
		Size:          req.Size,
		Results:       []types.SearchHit{},
		Facets:        map[string][]types.FacetBucket{},
		Trace:         e.trace,
	}
}

func offset(req Request) int {
	return (req.Page - 1) * req.Size
}

// lexicalSearch runs the page query with facet aggregations.
func (e *Engine) lexicalSearch(ctx context.Context, req Request, q lexical.Query) (*Response, error) {
	q.From = offset(req)
	q.Size = req.Size
	q.WithAggs = true

	res, err := e.lexical.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	resp := e.newResponse(req)
	resp.Total = res.Total
	for _, h := range res.Hits {
		resp.Results = append(resp.Results, types.SearchHit{
			ChunkID:   h.ChunkID,
			Score:     h.Score,
			Source:    h.Source,
			Highlight: sanitize.HighlightFields(h.Highlight),
		})
	}
	resp.Facets = e.labels.Build(res.Aggregations)
	return resp, nil
}

// embedQuery embeds the query text with the query role.
func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.embedder == nil || e.vector == nil {
		return nil, types.E(types.KindVector, "search.embed_query", ErrVectorDisabled)
	}
	emb, err := e.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text, Role: embedder.RoleQuery})
	if err != nil {
		if k := types.KindOf(err); k != types.KindEmbedding && k != types.KindVector {
			err = types.E(types.KindEmbedding, "search.embed_query", err)
		}
		return nil, err
	}
	return emb.Vector, nil
}

// vectorCandidates embeds the query and returns limit hits starting at
// offset together with the filtered point count.
func (e *Engine) vectorCandidates(ctx context.Context, req Request, limit, off int) ([]vector.Hit, int, error) {
	vec, err := e.embedQuery(ctx, req.Query)
	if err != nil {
		return nil, 0, err
	}
	hits, err := e.vector.Search(ctx, vec, req.Filters, limit, off)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.vector.Count(ctx, req.Filters)
	if err != nil {
		return nil, 0, err
	}
	return hits, total, nil
}

// vectorSearch serves vector mode. Hits are re-checked against the
// lexical filters and hydrated from the lexical store where possible.
func (e *Engine) vectorSearch(ctx context.Context, req Request) (*Response, error) {
	hits, total, err := e.vectorCandidates(ctx, req, req.Size, offset(req))
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	if len(ids) > 0 {
		allowed, err := e.lexical.FilterChunkIDs(ctx, ids, req.Filters)
		if err != nil {
			return nil, err
		}
		kept := hits[:0]
		for _, h := range hits {
			if _, ok := allowed[h.ChunkID]; ok {
				kept = append(kept, h)
			}
		}
		hits = kept
	}

	ids = ids[:0]
	for _, h := range hits {
		ids = append(ids, h.ChunkID)
	}
	sources, err := e.lexical.FetchSources(ctx, ids)
	if err != nil {
		return nil, err
	}

	resp := e.newResponse(req)
	resp.Total = total
	for _, h := range hits {
		resp.Results = append(resp.Results, types.SearchHit{
			ChunkID: h.ChunkID,
			Score:   h.Score,
			Source:  sourceOr(sources[h.ChunkID], h.Payload),
		})
	}
	return resp, nil
}

// hybridSearch fuses lexical and vector candidates with Reciprocal Rank
// Fusion. Vector store failures degrade to the lexical page query;
// embedding and lexical failures propagate.
func (e *Engine) hybridSearch(ctx context.Context, req Request, q lexical.Query) (*Response, error) {
	pool := candidatePool(req.Page, req.Size, e.hybrid.CandidatePool)

	var (
		lexRes   *lexical.Result
		vecHits  []vector.Hit
		vecTotal int
		vecErr   error
	)

	// A plain Group: a vector error must not cancel the lexical call.
	var g errgroup.Group
	g.Go(func() error {
		cq := q
		cq.From = 0
		cq.Size = pool
		cq.WithAggs = false
		var err error
		lexRes, err = e.lexical.Search(ctx, cq)
		return err
	})
	g.Go(func() error {
		vecHits, vecTotal, vecErr = e.vectorCandidates(ctx, req, pool, 0)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if vecErr != nil {
		if ctx.Err() != nil || !degradable(vecErr) {
			return nil, vecErr
		}
		e.logger.Warn("vector retrieval unavailable, falling back to lexical",
			zap.String("query", req.Query),
			zap.String("kind", string(types.KindOf(vecErr))),
			zap.Error(vecErr))

		resp, err := e.lexicalSearch(ctx, req, q)
		if err != nil {
			return nil, err
		}
		resp.EffectiveMode = types.ModeLexical
		resp.Warnings = append(resp.Warnings, WarningVectorFallback)
		return resp, nil
	}

	fused := applyRRF(lexRes.Hits, vecHits, e.hybrid.RRF.K)
	page := window(fused, offset(req), req.Size)

	ids := make([]string, len(page))
	for i, r := range page {
		ids[i] = r.chunkID
	}
	sources, err := e.lexical.FetchSources(ctx, ids)
	if err != nil {
		return nil, err
	}

	lexByID := make(map[string]lexical.Hit, len(lexRes.Hits))
	for _, h := range lexRes.Hits {
		if _, dup := lexByID[h.ChunkID]; !dup {
			lexByID[h.ChunkID] = h
		}
	}
	payloadByID := make(map[string]types.Source, len(vecHits))
	for _, h := range vecHits {
		if _, dup := payloadByID[h.ChunkID]; !dup {
			payloadByID[h.ChunkID] = h.Payload
		}
	}

	resp := e.newResponse(req)
	resp.Total = lexRes.Total
	if vecTotal > resp.Total {
		resp.Total = vecTotal
	}
	for _, r := range page {
		hit := types.SearchHit{
			ChunkID: r.chunkID,
			Score:   r.score,
			Source:  sourceOr(sources[r.chunkID], payloadByID[r.chunkID]),
		}
		if lh, ok := lexByID[r.chunkID]; ok {
			hit.Highlight = sanitize.HighlightFields(lh.Highlight)
		}
		resp.Results = append(resp.Results, hit)
	}
	return resp, nil
}

// degradable reports whether a vector-side error allows a lexical answer.
// Only vector store failures qualify; embedding failures propagate.
func degradable(err error) bool {
	return types.KindOf(err) == types.KindVector
}

// candidatePool sizes the per-retriever top-k for hybrid fusion.
func candidatePool(page, size int, cfg config.CandidatePoolConfig) int {
	k := page * size * cfg.Multiplier
	if k > cfg.Max {
		k = cfg.Max
	}
	if k < cfg.Min {
		k = cfg.Min
	}
	return k
}

// sourceOr returns primary unless it is empty, then fallback, never nil.
func sourceOr(primary, fallback types.Source) types.Source {
	if len(primary) > 0 {
		return primary
	}
	if fallback != nil {
		return fallback
	}
	return types.Source{}
}
