// Package ingest writes discovered corpus documents into the catalog, the
// lexical index and the vector store.
//
// # Basic Usage
//
//	orch, err := ingest.New(ingest.Deps{
//	    Storage:    store,
//	    Lexical:    lexClient,
//	    Vector:     vecClient,
//	    Embedder:   emb,
//	    Normalizer: norm,
//	}, cfg.Ingest, logger)
//
//	stats, err := orch.IngestCorpus(ctx)
//	fmt.Printf("run %s: %d complete, %d failed\n", stats.RunID, stats.Completed, stats.Failed)
//
// # Pipeline
//
// Each document moves through a persisted state machine:
//
//  1. discovered: author, work and version rows upserted
//  2. parsed: checksum, word and character counts recorded
//  3. indexed_lexical: a batch of chunk rows and index documents written
//  4. indexed_vector: the same batch embedded with the passage role and upserted
//  5. complete: prev/next links set over the whole version
//
// Steps 3 and 4 repeat once per ingest.bulk_batch chunks. Any error moves
// the document to failed with the error message; other documents carry on.
//
// # Concurrency
//
// Documents run on a bounded errgroup of ingest.workers goroutines. Chunks
// of one document are always written in order by a single goroutine. A
// RunLock rejects a second run in the same process with ErrRunInProgress.
//
// Re-running is safe: every write is an upsert keyed by a deterministic ID,
// and attempt_count grows by one each time a document is re-discovered.
package ingest
