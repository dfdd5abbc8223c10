// Package storage provides the SQLite catalog of the corpus.
//
// The catalog holds:
//   - authors, works and versions discovered in the corpus
//   - chunks with their normalized text and neighbour links
//   - per-version ingest state
//
// Search indexes live elsewhere; the catalog is the source of truth for
// chunk text and for resuming ingestion.
//
// # Database Schema
//
// Tables:
//   - authors: author_id, Arabic and Latin names, metadata JSON
//   - works: work_id, author_id, titles, metadata JSON
//   - versions: version_id, work_id, is_pri, lang, repo_path, checksum, counts
//   - chunks: chunk_id ("<version_id>::<index>"), text, heading, prev/next links
//   - ingest_state: status, last chunk index, error, attempt count
//
// # Upsert Semantics
//
// Upserts are idempotent. Nullable scalars keep the stored value when the
// incoming value is nil, and metadata objects merge shallowly with incoming
// keys winning:
//
//	err := db.UpsertAuthor(ctx, &storage.Author{
//	    AuthorID: "0255Jahiz",
//	    NameAr:   &nameAr,
//	    Metadata: storage.Metadata{"date_ah": 255},
//	})
//
// Chunk upserts refresh text, offsets and metadata but never touch links.
// Call SetChunkLinks with the chunk count after all chunks of a version are
// written. Rows at or above the count are pruned before linking:
//
//	if err := db.UpsertChunks(ctx, records); err != nil {
//	    return err
//	}
//	linked, err := db.SetChunkLinks(ctx, versionID, len(records))
//
// # Transactions
//
// Use transactions for atomic operations:
//
//	tx, err := db.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	_ = tx.UpsertAuthor(ctx, author)
//	_ = tx.UpsertWork(ctx, work)
//
//	if err := tx.Commit(); err != nil {
//	    return err
//	}
//
// The pool holds a single connection, so code holding a Tx must not call
// the parent storage until it commits or rolls back.
//
// # Build Tags
//
// CGO Build (sqlite_cgo tag) uses github.com/mattn/go-sqlite3:
//
//	CGO_ENABLED=1 go build -tags "sqlite_cgo"
//
// Pure Go Build (default or purego tag) uses modernc.org/sqlite:
//
//	CGO_ENABLED=0 go build -tags "purego"
package storage
