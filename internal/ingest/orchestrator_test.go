package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dshills/openiti-search/internal/config"
	"github.com/dshills/openiti-search/internal/discovery"
	"github.com/dshills/openiti-search/internal/embedder"
	"github.com/dshills/openiti-search/internal/lexical"
	"github.com/dshills/openiti-search/internal/storage"
	"github.com/dshills/openiti-search/internal/vector"
	"github.com/dshills/openiti-search/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLexical struct {
	mu      sync.Mutex
	docs    map[string]lexical.Document
	bulks   int
	failFor string // version id whose documents are rejected
	ensured bool
}

func newFakeLexical() *fakeLexical {
	return &fakeLexical{docs: make(map[string]lexical.Document)}
}

func (f *fakeLexical) Index() string { return "chunks_test" }

func (f *fakeLexical) EnsureIndex(context.Context) error {
	f.ensured = true
	return nil
}

func (f *fakeLexical) BulkIndex(_ context.Context, docs []lexical.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulks++
	for _, d := range docs {
		if d.VersionID == f.failFor {
			return types.E(types.KindLexical, "lexical.bulk", &lexical.BulkError{Failed: 1, Samples: []string{d.ChunkID + ": mapper_parsing_exception"}})
		}
		f.docs[d.ChunkID] = d
	}
	return nil
}

func (f *fakeLexical) DeleteDocuments(_ context.Context, chunkIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range chunkIDs {
		delete(f.docs, id)
	}
	return nil
}

func (f *fakeLexical) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.docs))
	for id := range f.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type fakeVector struct {
	mu     sync.Mutex
	points map[string]vector.Point
	dim    int
}

func newFakeVector() *fakeVector {
	return &fakeVector{points: make(map[string]vector.Point)}
}

func (f *fakeVector) Collection() string { return "vectors_test" }

func (f *fakeVector) EnsureCollection(_ context.Context, dim int) error {
	f.dim = dim
	return nil
}

func (f *fakeVector) Upsert(_ context.Context, points []vector.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range points {
		f.points[p.ChunkID] = p
	}
	return nil
}

func (f *fakeVector) Delete(_ context.Context, chunkIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range chunkIDs {
		delete(f.points, id)
	}
	return nil
}

// failingChunks rejects chunk writes and passes everything else through.
type failingChunks struct {
	storage.Storage
}

func (failingChunks) UpsertChunks(context.Context, []*storage.ChunkRecord) error {
	return errors.New("database is locked")
}

type harness struct {
	store   storage.Storage
	lex     *fakeLexical
	vec     *fakeVector
	orch    *Orchestrator
	root    string
	ingestC config.IngestConfig
}

func newHarness(t *testing.T, withVectors bool) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{store: store, lex: newFakeLexical(), root: t.TempDir()}
	deps := Deps{Storage: store, Lexical: h.lex}
	if withVectors {
		h.vec = newFakeVector()
		cfg := config.DefaultConfig().Embedding
		cfg.Dimension = 16
		emb, err := embedder.New(cfg, nil, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = emb.Close() })
		deps.Vector = h.vec
		deps.Embedder = emb
	}

	h.ingestC = config.IngestConfig{
		CorpusRoot:       h.root,
		WorkLimit:        10,
		OnlyPri:          false,
		Langs:            []string{types.LangArabic},
		ChunkTargetWords: 3,
		ChunkOverlap:     0,
		BulkBatch:        2,
		Workers:          2,
	}
	h.orch, err = New(deps, h.ingestC, nil)
	require.NoError(t, err)
	return h
}

// writeDoc creates data/<author>/<work>/<file> and returns its document.
func (h *harness) writeDoc(t *testing.T, author, work, file, body string) types.DiscoveredDocument {
	t.Helper()
	rel := filepath.ToSlash(filepath.Join("data", author, work, file))
	abs := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(body), 0o644))

	authorID, workID, versionID := discovery.InferIDs(rel)
	return types.DiscoveredDocument{
		AuthorID:  authorID,
		WorkID:    workID,
		VersionID: versionID,
		Path:      abs,
		RepoPath:  rel,
		IsPrimary: true,
		Lang:      types.LangArabic,
	}
}

const sevenWords = "######OpenITI#\n### | باب الأول\nقال أبو عثمان الجاحظ في كتاب الحيوان"

func TestRun_CompletesDocument(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	doc := h.writeDoc(t, "0255Jahiz", "0255Jahiz.Hayawan", "0255Jahiz.Hayawan.Shamela0001-ara1", sevenWords)

	stats, err := h.orch.Run(ctx, []types.DiscoveredDocument{doc}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, stats.RunID)
	assert.Equal(t, 1, stats.Discovered)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Failed)

	state, err := h.store.GetIngestState(ctx, doc.VersionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusComplete, state.Status)
	assert.Equal(t, 1, state.AttemptCount)
	require.NotNil(t, state.LexicalIndex)
	assert.Equal(t, "chunks_test", *state.LexicalIndex)
	require.NotNil(t, state.VectorCollection)
	assert.Equal(t, "vectors_test", *state.VectorCollection)

	version, err := h.store.GetVersion(ctx, doc.VersionID)
	require.NoError(t, err)
	require.NotNil(t, version.Checksum)
	assert.Len(t, *version.Checksum, 64)
	require.NotNil(t, version.WordCount)
	assert.Equal(t, len(strings.Fields(sevenWords)), *version.WordCount)

	// every chunk is in all three stores and linked in order
	chunks, err := h.store.ListChunksByVersion(ctx, doc.VersionID)
	require.NoError(t, err)
	require.Equal(t, stats.Chunks, len(chunks))
	require.Greater(t, len(chunks), 2, "more than one bulk batch")
	assert.Equal(t, len(chunks), len(h.lex.ids()))
	assert.Len(t, h.vec.points, len(chunks))
	assert.Equal(t, 16, h.vec.dim)
	assert.True(t, h.lex.ensured)

	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		if i == 0 {
			assert.Nil(t, c.PrevChunkID)
		} else {
			require.NotNil(t, c.PrevChunkID)
			assert.Equal(t, chunks[i-1].ChunkID, *c.PrevChunkID)
		}
		if i == len(chunks)-1 {
			assert.Nil(t, c.NextChunkID)
		} else {
			require.NotNil(t, c.NextChunkID)
			assert.Equal(t, chunks[i+1].ChunkID, *c.NextChunkID)
		}
		require.NotNil(t, c.HeadingText)
		assert.Equal(t, "| باب الأول", *c.HeadingText)
	}

	p := h.vec.points[chunks[0].ChunkID]
	assert.Equal(t, doc.VersionID, p.Payload.VersionID)
	assert.Equal(t, 0, p.Payload.ChunkIndex)
	assert.Len(t, p.Vector, 16)
}

func TestRun_IsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	doc := h.writeDoc(t, "0255Jahiz", "0255Jahiz.Hayawan", "0255Jahiz.Hayawan.Shamela0001-ara1", sevenWords)
	docs := []types.DiscoveredDocument{doc}

	first, err := h.orch.Run(ctx, docs, nil)
	require.NoError(t, err)
	before, err := h.store.ListChunksByVersion(ctx, doc.VersionID)
	require.NoError(t, err)
	lexBefore := h.lex.ids()

	second, err := h.orch.Run(ctx, docs, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	after, err := h.store.ListChunksByVersion(ctx, doc.VersionID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ChunkID, after[i].ChunkID)
		assert.Equal(t, before[i].TextNorm, after[i].TextNorm)
		assert.Equal(t, before[i].NextChunkID, after[i].NextChunkID)
	}
	assert.Equal(t, lexBefore, h.lex.ids())

	state, err := h.store.GetIngestState(ctx, doc.VersionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusComplete, state.Status)
	assert.Equal(t, 2, state.AttemptCount)

	// A shorter edition of the same version drops the tail everywhere.
	h.writeDoc(t, "0255Jahiz", "0255Jahiz.Hayawan", "0255Jahiz.Hayawan.Shamela0001-ara1",
		"######OpenITI#\n### | باب الأول\nقال أبو عثمان")
	third, err := h.orch.Run(ctx, docs, nil)
	require.NoError(t, err)
	require.Equal(t, 1, third.Completed)

	shrunk, err := h.store.ListChunksByVersion(ctx, doc.VersionID)
	require.NoError(t, err)
	require.Less(t, len(shrunk), len(before))
	assert.Equal(t, third.Chunks, len(shrunk))
	assert.Nil(t, shrunk[len(shrunk)-1].NextChunkID)

	n, err := h.store.CountChunks(ctx, doc.VersionID)
	require.NoError(t, err)
	assert.Equal(t, len(shrunk), n)
	assert.Len(t, h.lex.ids(), len(shrunk))
	assert.Len(t, h.vec.points, len(shrunk))
	for _, c := range before[len(shrunk):] {
		assert.NotContains(t, h.lex.ids(), c.ChunkID)
		assert.NotContains(t, h.vec.points, c.ChunkID)
		_, err := h.store.GetChunk(ctx, c.ChunkID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func TestRun_ClassifiesStorageFailures(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	doc := h.writeDoc(t, "0255Jahiz", "0255Jahiz.Hayawan", "0255Jahiz.Hayawan.A-ara1", sevenWords)

	orch, err := New(Deps{Storage: failingChunks{h.store}, Lexical: h.lex}, h.ingestC, nil)
	require.NoError(t, err)

	stats, err := orch.Run(ctx, []types.DiscoveredDocument{doc}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	state, err := h.store.GetIngestState(ctx, doc.VersionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, state.Status)
	assert.Equal(t, string(types.KindStorage), state.ErrorContext["kind"])
	assert.Contains(t, *state.ErrorMessage, "database is locked")
}

func TestRun_IsolatesFailures(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	good := h.writeDoc(t, "0255Jahiz", "0255Jahiz.Hayawan", "0255Jahiz.Hayawan.A-ara1", sevenWords)
	empty := h.writeDoc(t, "0310Tabari", "0310Tabari.Tarikh", "0310Tabari.Tarikh.B-ara1", "ـــ َُ\n")
	rejected := h.writeDoc(t, "0356Isfahani", "0356Isfahani.Aghani", "0356Isfahani.Aghani.C-ara1", sevenWords)
	missing := types.DiscoveredDocument{
		AuthorID: "0400X", WorkID: "0400X.Y", VersionID: "0400X.Y.Z-ara1",
		Path: filepath.Join(h.root, "nope"), RepoPath: "data/0400X/0400X.Y/0400X.Y.Z-ara1", Lang: types.LangArabic,
	}
	h.lex.failFor = rejected.VersionID

	stats, err := h.orch.Run(ctx, []types.DiscoveredDocument{good, empty, rejected, missing}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 3, stats.Failed)
	assert.Len(t, stats.Failures, 3)

	state, err := h.store.GetIngestState(ctx, good.VersionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusComplete, state.Status)
	assert.Equal(t, "chunks_test", *state.LexicalIndex)
	assert.Nil(t, state.VectorCollection)

	state, err = h.store.GetIngestState(ctx, empty.VersionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, state.Status)
	require.NotNil(t, state.ErrorMessage)
	assert.Equal(t, "empty text after normalization", *state.ErrorMessage)

	state, err = h.store.GetIngestState(ctx, rejected.VersionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, state.Status)
	assert.Contains(t, *state.ErrorMessage, "mapper_parsing_exception")
	assert.Equal(t, string(types.KindLexical), state.ErrorContext["kind"])

	state, err = h.store.GetIngestState(ctx, missing.VersionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, state.Status)

	status, err := h.store.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.StatusCounts[storage.StatusComplete])
	assert.Equal(t, 3, status.StatusCounts[storage.StatusFailed])
}

func TestRun_EnrichesFromMetadata(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	doc := h.writeDoc(t, "0255Jahiz", "0255Jahiz.Hayawan", "0255Jahiz.Hayawan.Shamela0001-ara1", sevenWords)

	ah := 255
	ce := discovery.AHToCE(ah)
	index := discovery.NewMetadataIndex()
	index.Add(doc.RepoPath, "0255Jahiz.Hayawan.Shamela0001-ara1", &discovery.Metadata{
		AuthorAr:     "الجاحظ",
		AuthorLat:    "Jāḥiẓ",
		WorkTitleAr:  "الحيوان",
		Book:         "0255Jahiz.Hayawan",
		Status:       "pri",
		VersionLabel: "PRI",
		DateAH:       &ah,
		DateCE:       &ce,
		Period:       "Abbasid",
		Region:       []string{"Basra_RE"},
		Tags:         []string{"_ADAB"},
	})

	_, err := h.orch.Run(ctx, []types.DiscoveredDocument{doc}, index)
	require.NoError(t, err)

	author, err := h.store.GetAuthor(ctx, doc.AuthorID)
	require.NoError(t, err)
	require.NotNil(t, author.NameAr)
	assert.Equal(t, "الجاحظ", *author.NameAr)

	work, err := h.store.GetWork(ctx, doc.WorkID)
	require.NoError(t, err)
	assert.Equal(t, "0255Jahiz.Hayawan", work.Metadata["book"])

	version, err := h.store.GetVersion(ctx, doc.VersionID)
	require.NoError(t, err)
	assert.Equal(t, "Abbasid", version.Metadata["period"])
	assert.Equal(t, []interface{}{"_ADAB"}, version.Metadata["tags"])

	d := h.lex.docs[doc.VersionID+"::0"]
	assert.Equal(t, "Abbasid", d.Period)
	assert.Equal(t, "PRI", d.VersionLabel)
	assert.Equal(t, []string{"Basra_RE"}, d.Region)
	assert.Equal(t, lexical.DocumentType, d.Type)
	assert.Nil(t, d.Title)
	require.NotNil(t, d.DateAH)
	assert.Equal(t, 255, *d.DateAH)

	p := h.vec.points[doc.VersionID+"::0"]
	assert.Equal(t, "Abbasid", p.Payload.Period)
	assert.Equal(t, []string{"_ADAB"}, p.Payload.Tags)
}

func TestIngestCorpus_WalksFilesystem(t *testing.T) {
	h := newHarness(t, false)
	h.writeDoc(t, "0255Jahiz", "0255Jahiz.Hayawan", "0255Jahiz.Hayawan.Shamela0001-ara1", sevenWords)
	h.writeDoc(t, "0310Tabari", "0310Tabari.Tarikh", "0310Tabari.Tarikh.Shamela0002-ara1", sevenWords)
	h.writeDoc(t, "0310Tabari", "0310Tabari.Tarikh", "notes.jpg", "######OpenITI#")

	stats, err := h.orch.IngestCorpus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Discovered)
	assert.Equal(t, 2, stats.Completed)
}

func TestIngestCorpus_RequiresRoot(t *testing.T) {
	h := newHarness(t, false)
	h.orch.cfg.CorpusRoot = ""
	_, err := h.orch.IngestCorpus(context.Background())
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	h := newHarness(t, false)
	require.True(t, h.orch.lock.TryAcquire())
	assert.True(t, h.orch.Running())

	_, err := h.orch.Run(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrRunInProgress)

	h.orch.lock.Release()
	_, err = h.orch.Run(context.Background(), nil, nil)
	assert.NoError(t, err)
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t, false)
	doc := h.writeDoc(t, "0255Jahiz", "0255Jahiz.Hayawan", "0255Jahiz.Hayawan.A-ara1", sevenWords)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := h.orch.Run(ctx, []types.DiscoveredDocument{doc}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	if stats != nil {
		assert.Equal(t, 0, stats.Failed, "cancellation is not a document failure")
	}
}

func TestNew_Validation(t *testing.T) {
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer store.Close()

	cfg := config.DefaultConfig().Ingest

	_, err = New(Deps{Storage: store}, cfg, nil)
	assert.Error(t, err, "lexical index required")

	_, err = New(Deps{Storage: store, Lexical: newFakeLexical(), Vector: newFakeVector()}, cfg, nil)
	assert.Error(t, err, "vector store without embedder")

	cfg.ChunkOverlap = cfg.ChunkTargetWords
	_, err = New(Deps{Storage: store, Lexical: newFakeLexical()}, cfg, nil)
	assert.Error(t, err)
}
