package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/openiti-search/internal/chunker"
	"github.com/dshills/openiti-search/internal/config"
	"github.com/dshills/openiti-search/internal/discovery"
	"github.com/dshills/openiti-search/internal/embedder"
	"github.com/dshills/openiti-search/internal/lexical"
	"github.com/dshills/openiti-search/internal/normalize"
	"github.com/dshills/openiti-search/internal/storage"
	"github.com/dshills/openiti-search/internal/vector"
	"github.com/dshills/openiti-search/pkg/types"
)

var (
	// ErrRunInProgress is returned when a run is requested while another is active.
	ErrRunInProgress = errors.New("an ingest run is already in progress")
	// ErrEmptyText marks documents with no words left after normalization.
	ErrEmptyText = errors.New("empty text after normalization")
)

// maxFailureMessages bounds the per-run failure list kept in Statistics.
const maxFailureMessages = 100

// LexicalIndexer writes chunk documents to the full-text index.
type LexicalIndexer interface {
	Index() string
	EnsureIndex(ctx context.Context) error
	BulkIndex(ctx context.Context, docs []lexical.Document) error
	DeleteDocuments(ctx context.Context, chunkIDs []string) error
}

// VectorWriter writes chunk vectors to the vector store.
type VectorWriter interface {
	Collection() string
	EnsureCollection(ctx context.Context, dim int) error
	Upsert(ctx context.Context, points []vector.Point) error
	Delete(ctx context.Context, chunkIDs []string) error
}

// Deps are the collaborators of an Orchestrator. Embedder and Vector may
// both be nil, which disables the vector stage.
type Deps struct {
	Storage    storage.Storage
	Lexical    LexicalIndexer
	Vector     VectorWriter
	Embedder   embedder.Embedder
	Normalizer *normalize.Normalizer
}

// Orchestrator drives documents through
// discovered -> parsed -> indexed_lexical -> indexed_vector -> complete,
// persisting each step so that interrupted runs can be inspected and
// resumed by re-running.
type Orchestrator struct {
	deps    Deps
	cfg     config.IngestConfig
	chunker *chunker.Chunker
	lock    RunLock
	logger  *zap.Logger
}

// Failure is one document that could not be ingested.
type Failure struct {
	VersionID string
	Error     string
}

// Statistics summarises one run.
type Statistics struct {
	RunID      string
	Discovered int
	Completed  int
	Failed     int
	Chunks     int
	Duration   time.Duration
	Failures   []Failure
}

// New creates an Orchestrator. The chunk window settings come from cfg.
func New(deps Deps, cfg config.IngestConfig, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Storage == nil || deps.Lexical == nil {
		return nil, errors.New("ingest requires storage and a lexical index")
	}
	if (deps.Vector == nil) != (deps.Embedder == nil) {
		return nil, errors.New("ingest requires both a vector store and an embedder, or neither")
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.New(normalize.DefaultOptions())
	}
	ch, err := chunker.New(cfg.ChunkTargetWords, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("invalid chunk settings: %w", err)
	}
	if cfg.BulkBatch <= 0 {
		cfg.BulkBatch = 500
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, chunker: ch, logger: logger}, nil
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	return o.lock.Held()
}

// IngestCorpus loads the metadata index, discovers documents under the
// configured corpus root and runs them.
func (o *Orchestrator) IngestCorpus(ctx context.Context) (*Statistics, error) {
	if !o.lock.TryAcquire() {
		return nil, ErrRunInProgress
	}
	defer o.lock.Release()

	if o.cfg.CorpusRoot == "" {
		return nil, types.Validation("ingest.corpus", "ingest.corpus_root is not set")
	}

	curated, err := discovery.LoadCuratedTags(o.cfg.CuratedTagsPath)
	if err != nil {
		return nil, types.E(types.KindPipeline, "ingest.corpus", err)
	}
	index, err := discovery.LoadMetadata(o.cfg.CorpusRoot, o.cfg.MetadataFile, curated)
	if err != nil {
		o.logger.Warn("metadata index unavailable, walking the corpus tree", zap.Error(err))
		index = nil
	}

	d := discovery.New(o.cfg.CorpusRoot, discovery.Options{
		Target:  o.cfg.WorkLimit,
		OnlyPri: o.cfg.OnlyPri,
		Langs:   o.cfg.Langs,
	}, o.logger)
	docs, err := d.Discover(ctx, index)
	if err != nil {
		return nil, types.E(types.KindPipeline, "ingest.discover", err)
	}
	return o.run(ctx, docs, index)
}

// Run ingests docs using index for enrichment. index may be nil.
func (o *Orchestrator) Run(ctx context.Context, docs []types.DiscoveredDocument, index *discovery.MetadataIndex) (*Statistics, error) {
	if !o.lock.TryAcquire() {
		return nil, ErrRunInProgress
	}
	defer o.lock.Release()
	return o.run(ctx, docs, index)
}

func (o *Orchestrator) run(ctx context.Context, docs []types.DiscoveredDocument, index *discovery.MetadataIndex) (*Statistics, error) {
	start := time.Now()
	stats := &Statistics{RunID: uuid.NewString(), Discovered: len(docs)}
	logger := o.logger.With(zap.String("run_id", stats.RunID))
	logger.Info("ingest run starting", zap.Int("documents", len(docs)), zap.Int("workers", o.cfg.Workers))

	if err := o.deps.Lexical.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	if o.deps.Embedder != nil {
		if err := o.deps.Vector.EnsureCollection(ctx, o.deps.Embedder.Dimension()); err != nil {
			return nil, err
		}
	}

	var (
		completed int32
		chunks    int32
		mu        sync.Mutex
	)
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Workers)

	for i := range docs {
		doc := docs[i]
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			meta, _ := index.ForDocument(doc)
			n, err := o.ingestDocument(ctx, doc, meta, logger)
			if err == nil {
				atomic.AddInt32(&completed, 1)
				atomic.AddInt32(&chunks, int32(n))
				return nil
			}
			if ctx.Err() != nil {
				// interrupted documents keep their last persisted step
				return ctx.Err()
			}

			o.markFailed(ctx, doc.VersionID, err, logger)
			mu.Lock()
			stats.Failed++
			if len(stats.Failures) < maxFailureMessages {
				stats.Failures = append(stats.Failures, Failure{VersionID: doc.VersionID, Error: err.Error()})
			}
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	stats.Completed = int(completed)
	stats.Chunks = int(chunks)
	stats.Duration = time.Since(start)

	logger.Info("ingest run finished",
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Int("chunks", stats.Chunks),
		zap.Duration("duration", stats.Duration))

	if err != nil {
		return stats, types.E(types.KindPipeline, "ingest.run", err)
	}
	return stats, nil
}

// ingestDocument runs one document end to end and returns its chunk count.
func (o *Orchestrator) ingestDocument(ctx context.Context, doc types.DiscoveredDocument, meta *discovery.Metadata, logger *zap.Logger) (int, error) {
	logger = logger.With(zap.String("version_id", doc.VersionID))
	if err := doc.Validate(); err != nil {
		return 0, err
	}
	prog := newProgress()

	author, work, version := catalogRecords(doc, meta)
	if err := o.deps.Storage.UpsertAuthor(ctx, author); err != nil {
		return 0, types.E(types.KindStorage, "ingest.author", err)
	}
	if err := o.deps.Storage.UpsertWork(ctx, work); err != nil {
		return 0, types.E(types.KindStorage, "ingest.work", err)
	}
	if err := o.deps.Storage.UpsertVersion(ctx, version); err != nil {
		return 0, types.E(types.KindStorage, "ingest.version", err)
	}
	if err := o.setState(ctx, doc.VersionID, storage.StatusDiscovered, nil); err != nil {
		return 0, err
	}

	data, err := os.ReadFile(doc.Path)
	if err != nil {
		return 0, types.E(types.KindPipeline, "ingest.read", fmt.Errorf("failed to read %s: %w", doc.RepoPath, err))
	}
	sum := sha256.Sum256(data)
	raw := strings.ToValidUTF8(string(data), "")

	checksum := hex.EncodeToString(sum[:])
	words := len(strings.Fields(raw))
	chars := utf8.RuneCountInString(raw)
	version.Checksum = &checksum
	version.WordCount = &words
	version.CharCount = &chars
	if err := o.deps.Storage.UpsertVersion(ctx, version); err != nil {
		return 0, types.E(types.KindStorage, "ingest.version", err)
	}
	if err := o.advance(ctx, prog, doc.VersionID, storage.StatusParsed, -1); err != nil {
		return 0, err
	}

	normalized := o.deps.Normalizer.Normalize(raw)
	if normalized == "" {
		return 0, ErrEmptyText
	}
	chunks, err := o.chunker.ChunkDocument(doc, raw, normalized)
	if err != nil {
		return 0, err
	}

	for start := 0; start < len(chunks); start += o.cfg.BulkBatch {
		end := start + o.cfg.BulkBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := o.flush(ctx, prog, doc, chunks[start:end], meta); err != nil {
			return 0, err
		}
	}

	if err := o.pruneStale(ctx, doc.VersionID, len(chunks), logger); err != nil {
		return 0, err
	}
	if _, err := o.deps.Storage.SetChunkLinks(ctx, doc.VersionID, len(chunks)); err != nil {
		return 0, types.E(types.KindStorage, "ingest.link", err)
	}
	if err := o.advance(ctx, prog, doc.VersionID, storage.StatusComplete, prog.lastChunk); err != nil {
		return 0, err
	}
	logger.Debug("document ingested", zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

// flush writes one batch: catalog rows, then lexical documents, then vectors.
func (o *Orchestrator) flush(ctx context.Context, prog *progress, doc types.DiscoveredDocument, batch []types.Chunk, meta *discovery.Metadata) error {
	records := make([]*storage.ChunkRecord, len(batch))
	docs := make([]lexical.Document, len(batch))
	for i, c := range batch {
		records[i] = chunkRecord(c)
		docs[i] = lexicalDocument(doc, c, meta)
	}
	last := batch[len(batch)-1].Index

	if err := o.deps.Storage.UpsertChunks(ctx, records); err != nil {
		return types.E(types.KindStorage, "ingest.chunks", err)
	}
	if err := o.deps.Lexical.BulkIndex(ctx, docs); err != nil {
		return err
	}
	if err := o.advance(ctx, prog, doc.VersionID, storage.StatusIndexedLexical, last); err != nil {
		return err
	}

	if o.deps.Embedder == nil {
		return nil
	}
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.TextNorm
	}
	resp, err := o.deps.Embedder.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts, Role: embedder.RolePassage})
	if err != nil {
		return err
	}
	points := make([]vector.Point, len(batch))
	for i, c := range batch {
		points[i] = vector.Point{
			ChunkID: c.ChunkID,
			Vector:  resp.Embeddings[i].Vector,
			Payload: vectorPayload(doc, c, meta),
		}
	}
	if err := o.deps.Vector.Upsert(ctx, points); err != nil {
		return err
	}
	return o.advance(ctx, prog, doc.VersionID, storage.StatusIndexedVector, last)
}

// pruneStale removes chunks left by an earlier run that produced more than
// count chunks. Index entries go first; the catalog rows are dropped by
// SetChunkLinks, so a failed delete is retried by the next run.
func (o *Orchestrator) pruneStale(ctx context.Context, versionID string, count int, logger *zap.Logger) error {
	stale, err := o.deps.Storage.StaleChunkIDs(ctx, versionID, count)
	if err != nil {
		return types.E(types.KindStorage, "ingest.prune", err)
	}
	if len(stale) == 0 {
		return nil
	}
	if err := o.deps.Lexical.DeleteDocuments(ctx, stale); err != nil {
		return err
	}
	if o.deps.Vector != nil {
		if err := o.deps.Vector.Delete(ctx, stale); err != nil {
			return err
		}
	}
	logger.Info("pruned stale chunks", zap.Int("chunks", len(stale)))
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, prog *progress, versionID string, status storage.IngestStatus, lastChunk int) error {
	if err := prog.advance(status, lastChunk); err != nil {
		return types.E(types.KindPipeline, "ingest.advance", err)
	}
	var idx *int
	if lastChunk >= 0 {
		idx = &lastChunk
	}
	return o.setState(ctx, versionID, status, idx)
}

func (o *Orchestrator) setState(ctx context.Context, versionID string, status storage.IngestStatus, lastChunk *int) error {
	u := &storage.StateUpdate{
		VersionID:      versionID,
		Status:         status,
		LastChunkIndex: lastChunk,
		LexicalIndex:   o.deps.Lexical.Index(),
	}
	if o.deps.Vector != nil {
		u.VectorCollection = o.deps.Vector.Collection()
	}
	if err := o.deps.Storage.SetIngestState(ctx, u); err != nil {
		return types.E(types.KindStorage, "ingest.state", err)
	}
	return nil
}

// markFailed records err on the document. The failure is logged, and a
// failure to record it only logged, so one document never stops the run.
func (o *Orchestrator) markFailed(ctx context.Context, versionID string, cause error, logger *zap.Logger) {
	logger.Warn("document failed", zap.String("version_id", versionID), zap.Error(cause))
	msg := cause.Error()
	u := &storage.StateUpdate{
		VersionID:    versionID,
		Status:       storage.StatusFailed,
		ErrorMessage: &msg,
		ErrorContext: storage.Metadata{"kind": string(types.KindOf(cause))},
		LexicalIndex: o.deps.Lexical.Index(),
	}
	if err := o.deps.Storage.SetIngestState(ctx, u); err != nil {
		logger.Error("failed to record document failure", zap.String("version_id", versionID), zap.Error(err))
	}
}
