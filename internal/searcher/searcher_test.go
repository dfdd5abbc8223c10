package searcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/dshills/openiti-search/internal/config"
	"github.com/dshills/openiti-search/internal/embedder"
	"github.com/dshills/openiti-search/internal/facets"
	"github.com/dshills/openiti-search/internal/lexical"
	"github.com/dshills/openiti-search/internal/normalize"
	"github.com/dshills/openiti-search/internal/vector"
	"github.com/dshills/openiti-search/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeLexical serves a fixed ranked list, paginated per query.
type fakeLexical struct {
	mu       sync.Mutex
	hits     []lexical.Hit
	total    int
	aggs     map[string][]lexical.Bucket
	err      error
	allowed  map[string]bool // nil allows every id
	sources  map[string]types.Source
	queries  []lexical.Query
	fetched  [][]string
	filtered [][]string
}

func (f *fakeLexical) Search(_ context.Context, q lexical.Query) (*lexical.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	res := &lexical.Result{Total: f.total, Hits: []lexical.Hit{}}
	for i := q.From; i < len(f.hits) && i < q.From+q.Size; i++ {
		res.Hits = append(res.Hits, f.hits[i])
	}
	if q.WithAggs {
		res.Aggregations = f.aggs
	}
	return res, nil
}

func (f *fakeLexical) FilterChunkIDs(_ context.Context, ids []string, _ types.Filters) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filtered = append(f.filtered, append([]string{}, ids...))
	out := make(map[string]struct{})
	for _, id := range ids {
		if f.allowed == nil || f.allowed[id] {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeLexical) FetchSources(_ context.Context, ids []string) (map[string]types.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, append([]string{}, ids...))
	out := make(map[string]types.Source)
	for _, id := range ids {
		if src, ok := f.sources[id]; ok {
			out[id] = src
		}
	}
	return out, nil
}

type vectorCall struct {
	limit, offset int
	filters       types.Filters
}

type fakeVector struct {
	mu       sync.Mutex
	hits     []vector.Hit
	total    int
	err      error
	countErr error
	calls    []vectorCall
}

func (f *fakeVector) Search(_ context.Context, _ []float32, flt types.Filters, limit, offset int) ([]vector.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, vectorCall{limit: limit, offset: offset, filters: flt})
	if f.err != nil {
		return nil, f.err
	}
	var out []vector.Hit
	for i := offset; i < len(f.hits) && i < offset+limit; i++ {
		out = append(out, f.hits[i])
	}
	return out, nil
}

func (f *fakeVector) Count(context.Context, types.Filters) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.total, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	err   error
	roles []embedder.Role
}

func (f *fakeEmbedder) GenerateEmbedding(_ context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles = append(f.roles, req.Role)
	if f.err != nil {
		return nil, f.err
	}
	return &embedder.Embedding{Vector: []float32{1, 0, 0, 0}, Dimension: 4, Model: "fake-model"}, nil
}

func (f *fakeEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	resp := &embedder.BatchEmbeddingResponse{Provider: "fake", Model: "fake-model"}
	for _, text := range req.Texts {
		emb, err := f.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text, Role: req.Role})
		if err != nil {
			return nil, err
		}
		resp.Embeddings = append(resp.Embeddings, emb)
	}
	return resp, nil
}

func (f *fakeEmbedder) Dimension() int       { return 4 }
func (f *fakeEmbedder) Provider() string     { return "fake" }
func (f *fakeEmbedder) Model() string        { return "fake-model" }
func (f *fakeEmbedder) ModelVersion() string { return "r1" }
func (f *fakeEmbedder) Close() error         { return nil }

func lexHit(id string, score float64) lexical.Hit {
	return lexical.Hit{
		ChunkID:   id,
		Score:     score,
		Source:    types.Source{"chunk_id": id, "content": "text of " + id},
		Highlight: map[string][]string{"content": {"<b>x</b><em>" + id + "</em>"}},
	}
}

func vecHit(id string, score float64) vector.Hit {
	return vector.Hit{ChunkID: id, Score: score, Payload: types.Source{"chunk_id": id, "from": "payload"}}
}

type harness struct {
	lex    *fakeLexical
	vec    *fakeVector
	emb    *fakeEmbedder
	engine *Engine
}

func newHarness(t *testing.T, cacheSize int) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Search.CacheSize = cacheSize

	h := &harness{
		lex: &fakeLexical{
			hits:  []lexical.Hit{lexHit("A", 9), lexHit("B", 7)},
			total: 2,
			aggs: map[string][]lexical.Bucket{
				"region": {{Key: "Iraq_RE", DocCount: 2}},
			},
			sources: map[string]types.Source{
				"A": {"chunk_id": "A", "from": "lexical"},
				"B": {"chunk_id": "B", "from": "lexical"},
			},
		},
		vec: &fakeVector{hits: []vector.Hit{vecHit("B", 0.9), vecHit("C", 0.8)}, total: 40},
		emb: &fakeEmbedder{},
	}
	labels := facets.NewLabels(map[string]map[string]string{"region": {"Iraq_RE": "Iraq"}})

	engine, err := New(Deps{
		Lexical:    h.lex,
		Vector:     h.vec,
		Embedder:   h.emb,
		Normalizer: normalize.New(normalize.Options{Version: "norm-v1", RemoveDiacritics: true, NormalizePersianKafYa: true}),
		Labels:     labels,
	}, cfg.Search, cfg.Hybrid, zap.NewNop())
	require.NoError(t, err)
	h.engine = engine
	return h
}

func TestApplyRRF_Example(t *testing.T) {
	lex := []lexical.Hit{{ChunkID: "A"}, {ChunkID: "B"}}
	vec := []vector.Hit{{ChunkID: "B"}, {ChunkID: "C"}}

	fused := applyRRF(lex, vec, 60)

	require.Len(t, fused, 3)
	assert.Equal(t, "B", fused[0].chunkID)
	assert.Equal(t, "A", fused[1].chunkID)
	assert.Equal(t, "C", fused[2].chunkID)
	assert.InDelta(t, 1.0/62+1.0/61, fused[0].score, 1e-12)
	assert.InDelta(t, 1.0/61, fused[1].score, 1e-12)
	assert.InDelta(t, 1.0/62, fused[2].score, 1e-12)
}

func TestApplyRRF_TiesBreakByChunkID(t *testing.T) {
	fused := applyRRF([]lexical.Hit{{ChunkID: "z::1"}}, []vector.Hit{{ChunkID: "a::1"}}, 60)
	require.Len(t, fused, 2)
	assert.Equal(t, "a::1", fused[0].chunkID)
	assert.Equal(t, "z::1", fused[1].chunkID)
}

func TestApplyRRF_DuplicatesCountOnce(t *testing.T) {
	fused := applyRRF([]lexical.Hit{{ChunkID: "A"}, {ChunkID: "A"}, {ChunkID: ""}}, nil, 0)
	require.Len(t, fused, 1)
	assert.InDelta(t, 1.0/61, fused[0].score, 1e-12, "default k and best rank")
}

func TestCandidatePool(t *testing.T) {
	cfg := config.CandidatePoolConfig{Min: 100, Max: 1000, Multiplier: 5}
	tests := []struct {
		page, size, want int
	}{
		{1, 10, 100},
		{1, 20, 100},
		{3, 20, 300},
		{10, 100, 1000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, candidatePool(tt.page, tt.size, cfg), "page %d size %d", tt.page, tt.size)
	}
}

func TestWindow(t *testing.T) {
	results := []rankedResult{{chunkID: "a"}, {chunkID: "b"}, {chunkID: "c"}}
	assert.Len(t, window(results, 0, 2), 2)
	assert.Equal(t, "c", window(results, 2, 2)[0].chunkID)
	assert.Nil(t, window(results, 3, 2))
}

func TestLexicon(t *testing.T) {
	n := normalize.New(normalize.DefaultOptions())
	l := newLexicon(map[string][]string{
		"كتاب": {"كتب", "كِتاب", ""},
		"قال":  {"يقول"},
	}, n)

	assert.Equal(t, []string{"کتب"}, l.lookup("کتاب"), "self and empty alternatives dropped")
	assert.Equal(t, []string{"کتب", "یقول"}, l.lookup("کتاب قال"))
	assert.Nil(t, l.lookup("other"))
	assert.Nil(t, lexicon(nil).lookup("کتاب"))
}

func TestSearch_Lexical(t *testing.T) {
	h := newHarness(t, 0)

	resp, err := h.engine.Search(context.Background(), Request{
		Query:   "  كِتاب  ",
		Mode:    "bm25",
		Filters: types.Filters{PrimaryOnly: true, Langs: []string{"ara"}},
		Page:    1,
		Size:    10,
	})
	require.NoError(t, err)

	require.Len(t, h.lex.queries, 1)
	q := h.lex.queries[0]
	assert.Equal(t, "كِتاب", q.Text)
	assert.Equal(t, "کتاب", q.Normalized)
	assert.Equal(t, lexical.TierFullPipeline, q.Tier)
	assert.True(t, q.WithAggs)
	assert.Equal(t, 0, q.From)
	assert.Equal(t, 10, q.Size)
	assert.True(t, q.Filters.PrimaryOnly)

	assert.Equal(t, types.ModeLexical, resp.RequestedMode)
	assert.Equal(t, types.ModeLexical, resp.EffectiveMode)
	assert.Empty(t, resp.Warnings)
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "A", resp.Results[0].ChunkID)
	assert.Equal(t, map[string][]string{"content": {"x<em>A</em>"}}, resp.Results[0].Highlight)
	assert.Equal(t, []types.FacetBucket{{Key: "Iraq_RE", Label: "Iraq", Count: 2}}, resp.Facets["region"])
	assert.Contains(t, resp.Facets, "period")
	assert.Equal(t, types.Trace{EmbeddingModel: "fake-model", EmbeddingModelVersion: "r1", NormalizationVersion: "norm-v1"}, resp.Trace)
	assert.Empty(t, h.emb.roles, "lexical mode never embeds")
}

func TestSearch_LexicalPagination(t *testing.T) {
	h := newHarness(t, 0)
	resp, err := h.engine.Search(context.Background(), Request{Query: "q", Page: 2, Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, h.lex.queries[0].From)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "B", resp.Results[0].ChunkID)
}

func TestSearch_VariantsAreNormalized(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.engine.Search(context.Background(), Request{
		Query:      "q",
		Tier:       lexical.TierVariantAware,
		Variants:   []string{"كِتاب", " "},
		Expansions: []string{},
	})
	require.NoError(t, err)
	q := h.lex.queries[0]
	assert.Equal(t, []string{"کتاب"}, q.Variants)
	assert.Empty(t, q.Expansions)
	assert.Equal(t, lexical.TierVariantAware, q.Tier)
}

func TestSearch_Hybrid(t *testing.T) {
	h := newHarness(t, 0)

	resp, err := h.engine.Search(context.Background(), Request{Query: "q", Mode: types.ModeHybrid, Size: 10})
	require.NoError(t, err)

	assert.Equal(t, types.ModeHybrid, resp.EffectiveMode)
	assert.Equal(t, 40, resp.Total, "max of lexical and vector totals")

	ids := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		ids[i] = r.ChunkID
	}
	assert.Equal(t, []string{"B", "A", "C"}, ids)

	// candidates at pool size, no aggregations
	require.Len(t, h.lex.queries, 1)
	assert.Equal(t, 100, h.lex.queries[0].Size)
	assert.Equal(t, 0, h.lex.queries[0].From)
	assert.False(t, h.lex.queries[0].WithAggs)
	require.Len(t, h.vec.calls, 1)
	assert.Equal(t, vectorCall{limit: 100, offset: 0}, h.vec.calls[0])
	assert.Equal(t, []embedder.Role{embedder.RoleQuery}, h.emb.roles)

	// lexical sources first, vector payload as fallback
	assert.Equal(t, "lexical", resp.Results[0].Source["from"])
	assert.Equal(t, "payload", resp.Results[2].Source["from"])
	assert.Equal(t, map[string][]string{"content": {"x<em>B</em>"}}, resp.Results[0].Highlight)
	assert.Nil(t, resp.Results[2].Highlight, "no lexical hit, no highlight")
	assert.InDelta(t, 1.0/62+1.0/61, resp.Results[0].Score, 1e-12)
	assert.Empty(t, resp.Facets["region"])
}

func TestSearch_HybridSecondPage(t *testing.T) {
	h := newHarness(t, 0)
	resp, err := h.engine.Search(context.Background(), Request{Query: "q", Mode: types.ModeHybrid, Page: 2, Size: 2})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "C", resp.Results[0].ChunkID)
	assert.Equal(t, [][]string{{"C"}}, h.lex.fetched)
}

func TestSearch_HybridDegradesToLexical(t *testing.T) {
	failures := map[string]func(h *harness){
		"vector search": func(h *harness) {
			h.vec.err = types.E(types.KindVector, "vector.search", errors.New("connection refused"))
		},
		"vector count": func(h *harness) {
			h.vec.countErr = types.E(types.KindVector, "vector.count", errors.New("timeout"))
		},
	}

	for name, fail := range failures {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, 0)
			req := Request{
				Query:   "q",
				Filters: types.Filters{Langs: []string{"ara"}, Tags: []string{"x"}},
				Page:    1,
				Size:    1,
			}

			want, err := h.engine.Search(context.Background(), req)
			require.NoError(t, err)

			fail(h)
			req.Mode = types.ModeHybrid
			got, err := h.engine.Search(context.Background(), req)
			require.NoError(t, err)

			assert.Equal(t, types.ModeHybrid, got.RequestedMode)
			assert.Equal(t, types.ModeLexical, got.EffectiveMode)
			assert.Equal(t, []string{WarningVectorFallback}, got.Warnings)

			diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Response{}, "RequestedMode", "Warnings", "Duration"))
			assert.Empty(t, diff, "degraded hybrid must equal the lexical answer")

			last := h.lex.queries[len(h.lex.queries)-1]
			assert.Equal(t, h.lex.queries[0], last, "page query re-run unchanged")
		})
	}
}

func TestSearch_HybridEmbeddingErrorPropagates(t *testing.T) {
	failures := map[string]error{
		"embedding":                   types.E(types.KindEmbedding, "embedder.generate_batch", embedder.ErrProviderFailed),
		"unclassified embedder error": errors.New("boom"),
	}

	for name, cause := range failures {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, 0)
			h.emb.err = cause

			resp, err := h.engine.Search(context.Background(), Request{Query: "q", Mode: types.ModeHybrid, Page: 1, Size: 1})
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.True(t, types.IsKind(err, types.KindEmbedding))
			assert.ErrorIs(t, err, cause)
		})
	}
}

func TestSearch_HybridLexicalErrorPropagates(t *testing.T) {
	h := newHarness(t, 0)
	h.lex.err = types.E(types.KindLexical, "lexical.search", errors.New("cluster red"))

	_, err := h.engine.Search(context.Background(), Request{Query: "q", Mode: types.ModeHybrid})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindLexical))
}

func TestSearch_HybridWithoutVectorDegrades(t *testing.T) {
	cfg := config.DefaultConfig()
	lex := &fakeLexical{hits: []lexical.Hit{lexHit("A", 1)}, total: 1}
	engine, err := New(Deps{Lexical: lex, Normalizer: normalize.New(normalize.DefaultOptions())}, cfg.Search, cfg.Hybrid, nil)
	require.NoError(t, err)

	resp, err := engine.Search(context.Background(), Request{Query: "q", Mode: types.ModeHybrid})
	require.NoError(t, err)
	assert.Equal(t, types.ModeLexical, resp.EffectiveMode)
	assert.Equal(t, []string{WarningVectorFallback}, resp.Warnings)
	assert.Empty(t, resp.Trace.EmbeddingModel)

	_, err = engine.Search(context.Background(), Request{Query: "q", Mode: types.ModeVector})
	assert.ErrorIs(t, err, ErrVectorDisabled)
	assert.True(t, types.IsKind(err, types.KindVector))
}

func TestSearch_Vector(t *testing.T) {
	h := newHarness(t, 0)
	h.lex.allowed = map[string]bool{"B": true, "C": true}
	h.vec.hits = []vector.Hit{vecHit("X", 0.99), vecHit("B", 0.9), vecHit("C", 0.8), vecHit("D", 0.7)}
	filters := types.Filters{PrimaryOnly: true, Periods: []string{"Abbasid"}}

	resp, err := h.engine.Search(context.Background(), Request{Query: "q", Mode: types.ModeVector, Filters: filters, Page: 1, Size: 3})
	require.NoError(t, err)

	require.Len(t, h.vec.calls, 1)
	assert.Equal(t, vectorCall{limit: 3, offset: 0, filters: filters}, h.vec.calls[0])
	assert.Equal(t, [][]string{{"X", "B", "C"}}, h.lex.filtered)
	assert.Equal(t, [][]string{{"B", "C"}}, h.lex.fetched)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, "B", resp.Results[0].ChunkID)
	assert.InDelta(t, 0.9, resp.Results[0].Score, 1e-9)
	assert.Equal(t, "lexical", resp.Results[0].Source["from"])
	assert.Equal(t, "payload", resp.Results[1].Source["from"])
	assert.Equal(t, 40, resp.Total)
	assert.Equal(t, types.ModeVector, resp.EffectiveMode)
	assert.Empty(t, resp.Facets)
	assert.Empty(t, h.lex.queries, "vector mode runs no lexical query")
}

func TestSearch_VectorOffset(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.engine.Search(context.Background(), Request{Query: "q", Mode: types.ModeVector, Page: 3, Size: 5})
	require.NoError(t, err)
	assert.Equal(t, 10, h.vec.calls[0].offset)
	assert.Empty(t, h.lex.filtered, "nothing to verify")
}

func TestSearch_VectorErrorIsNotDegraded(t *testing.T) {
	h := newHarness(t, 0)
	h.vec.err = types.E(types.KindVector, "vector.search", errors.New("unavailable"))

	_, err := h.engine.Search(context.Background(), Request{Query: "q", Mode: types.ModeVector})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindVector))
	assert.Empty(t, h.lex.queries)
}

func TestSearch_Validation(t *testing.T) {
	h := newHarness(t, 0)
	long := make([]rune, 257)
	for i := range long {
		long[i] = 'ب'
	}

	tests := []struct {
		name string
		req  Request
	}{
		{"empty query", Request{Query: "   "}},
		{"query too long", Request{Query: string(long)}},
		{"size too large", Request{Query: "q", Size: 101}},
		{"negative size", Request{Query: "q", Size: -1}},
		{"negative page", Request{Query: "q", Page: -1}},
		{"unknown mode", Request{Query: "q", Mode: "semantic"}},
		{"unknown tier", Request{Query: "q", Tier: "fuzzy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Search(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, types.IsKind(err, types.KindValidation), "got %v", err)
		})
	}
	assert.Empty(t, h.lex.queries)
}

func TestSearch_Defaults(t *testing.T) {
	h := newHarness(t, 0)
	resp, err := h.engine.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 20, resp.Size)
	assert.Equal(t, types.ModeLexical, resp.RequestedMode)
}

func TestSearch_Cache(t *testing.T) {
	h := newHarness(t, 10)
	req := Request{Query: "q", Filters: types.Filters{Langs: []string{"fas", "ara"}}}

	first, err := h.engine.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	first.Results[0].Source["from"] = "mutated"

	req.Filters.Langs = []string{"ara", "fas"}
	second, err := h.engine.Search(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Len(t, h.lex.queries, 1, "served from cache")
	assert.Equal(t, "A", second.Results[0].Source["chunk_id"])
	assert.NotEqual(t, "mutated", second.Results[0].Source["from"])
	assert.Equal(t, 1, h.engine.CacheLen())

	h.engine.InvalidateCache()
	assert.Equal(t, 0, h.engine.CacheLen())
	_, err = h.engine.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, h.lex.queries, 2)
}

func TestSearch_DegradedResponsesAreNotCached(t *testing.T) {
	h := newHarness(t, 10)
	h.vec.err = types.E(types.KindVector, "vector.search", errors.New("down"))

	_, err := h.engine.Search(context.Background(), Request{Query: "q", Mode: types.ModeHybrid})
	require.NoError(t, err)
	assert.Equal(t, 0, h.engine.CacheLen())
}

func TestComputeQueryHash(t *testing.T) {
	base := Request{Query: "q", Mode: types.ModeLexical, Tier: lexical.TierFullPipeline, Page: 1, Size: 20}

	other := base
	other.Page = 2
	assert.NotEqual(t, computeQueryHash(base), computeQueryHash(other))

	other = base
	other.Filters.PrimaryOnly = true
	assert.NotEqual(t, computeQueryHash(base), computeQueryHash(other))

	other = base
	other.Variants = []string{}
	assert.NotEqual(t, computeQueryHash(base), computeQueryHash(other), "empty override differs from lexicon")
}

func TestNew_Validation(t *testing.T) {
	cfg := config.DefaultConfig()
	n := normalize.New(normalize.DefaultOptions())

	_, err := New(Deps{Normalizer: n}, cfg.Search, cfg.Hybrid, nil)
	assert.Error(t, err, "lexical required")

	_, err = New(Deps{Lexical: &fakeLexical{}}, cfg.Search, cfg.Hybrid, nil)
	assert.Error(t, err, "normalizer required")

	_, err = New(Deps{Lexical: &fakeLexical{}, Normalizer: n, Vector: &fakeVector{}}, cfg.Search, cfg.Hybrid, nil)
	assert.Error(t, err, "vector without embedder")

	bad := cfg.Search
	bad.DefaultTier = "fuzzy"
	_, err = New(Deps{Lexical: &fakeLexical{}, Normalizer: n}, bad, cfg.Hybrid, nil)
	assert.Error(t, err)
}
