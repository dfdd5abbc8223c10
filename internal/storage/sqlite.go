package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidRecord is returned when a record is missing a required key
	ErrInvalidRecord = errors.New("invalid record")
)

// recentFailuresLimit bounds CorpusStatus.RecentFailures.
const recentFailuresLimit = 10

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// withTx runs fn inside a transaction. The pool holds a single connection,
// so fn must only use the querier it is given.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rowScanner is implemented by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// Catalog operations

func (s *SQLiteStorage) upsertAuthorWithQuerier(ctx context.Context, q querier, author *Author) error {
	if author == nil || author.AuthorID == "" {
		return fmt.Errorf("%w: author_id is required", ErrInvalidRecord)
	}
	merged, err := mergeStoredMetadata(ctx, q, "SELECT metadata FROM authors WHERE author_id = ?", author.AuthorID, author.Metadata)
	if err != nil {
		return fmt.Errorf("failed to read author metadata: %w", err)
	}

	query := `
		INSERT INTO authors (author_id, name_ar, name_latn, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(author_id) DO UPDATE SET
			name_ar = COALESCE(excluded.name_ar, authors.name_ar),
			name_latn = COALESCE(excluded.name_latn, authors.name_latn),
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`
	now := time.Now()
	_, err = q.ExecContext(ctx, query, author.AuthorID, author.NameAr, author.NameLatn, merged, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert author: %w", err)
	}
	author.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpsertAuthor(ctx context.Context, author *Author) error {
	return s.withTx(ctx, func(q querier) error {
		return s.upsertAuthorWithQuerier(ctx, q, author)
	})
}

func (s *SQLiteStorage) getAuthorWithQuerier(ctx context.Context, q querier, authorID string) (*Author, error) {
	query := `
		SELECT author_id, name_ar, name_latn, metadata, created_at, updated_at
		FROM authors
		WHERE author_id = ?
	`
	var author Author
	var nameAr, nameLatn sql.NullString
	var meta string
	err := q.QueryRowContext(ctx, query, authorID).Scan(
		&author.AuthorID, &nameAr, &nameLatn, &meta, &author.CreatedAt, &author.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	author.NameAr = stringPtr(nameAr)
	author.NameLatn = stringPtr(nameLatn)
	if author.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	return &author, nil
}

func (s *SQLiteStorage) GetAuthor(ctx context.Context, authorID string) (*Author, error) {
	return s.getAuthorWithQuerier(ctx, s.querier(), authorID)
}

func (s *SQLiteStorage) upsertWorkWithQuerier(ctx context.Context, q querier, work *Work) error {
	if work == nil || work.WorkID == "" || work.AuthorID == "" {
		return fmt.Errorf("%w: work_id and author_id are required", ErrInvalidRecord)
	}
	merged, err := mergeStoredMetadata(ctx, q, "SELECT metadata FROM works WHERE work_id = ?", work.WorkID, work.Metadata)
	if err != nil {
		return fmt.Errorf("failed to read work metadata: %w", err)
	}

	query := `
		INSERT INTO works (work_id, author_id, title_ar, title_latn, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(work_id) DO UPDATE SET
			author_id = excluded.author_id,
			title_ar = COALESCE(excluded.title_ar, works.title_ar),
			title_latn = COALESCE(excluded.title_latn, works.title_latn),
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`
	now := time.Now()
	_, err = q.ExecContext(ctx, query, work.WorkID, work.AuthorID, work.TitleAr, work.TitleLatn, merged, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert work: %w", err)
	}
	work.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpsertWork(ctx context.Context, work *Work) error {
	return s.withTx(ctx, func(q querier) error {
		return s.upsertWorkWithQuerier(ctx, q, work)
	})
}

func (s *SQLiteStorage) getWorkWithQuerier(ctx context.Context, q querier, workID string) (*Work, error) {
	query := `
		SELECT work_id, author_id, title_ar, title_latn, metadata, created_at, updated_at
		FROM works
		WHERE work_id = ?
	`
	var work Work
	var titleAr, titleLatn sql.NullString
	var meta string
	err := q.QueryRowContext(ctx, query, workID).Scan(
		&work.WorkID, &work.AuthorID, &titleAr, &titleLatn, &meta, &work.CreatedAt, &work.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	work.TitleAr = stringPtr(titleAr)
	work.TitleLatn = stringPtr(titleLatn)
	if work.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	return &work, nil
}

func (s *SQLiteStorage) GetWork(ctx context.Context, workID string) (*Work, error) {
	return s.getWorkWithQuerier(ctx, s.querier(), workID)
}

func (s *SQLiteStorage) upsertVersionWithQuerier(ctx context.Context, q querier, version *Version) error {
	if version == nil || version.VersionID == "" || version.WorkID == "" || version.RepoPath == "" {
		return fmt.Errorf("%w: version_id, work_id and repo_path are required", ErrInvalidRecord)
	}
	merged, err := mergeStoredMetadata(ctx, q, "SELECT metadata FROM versions WHERE version_id = ?", version.VersionID, version.Metadata)
	if err != nil {
		return fmt.Errorf("failed to read version metadata: %w", err)
	}

	query := `
		INSERT INTO versions (version_id, work_id, is_pri, lang, repo_path, checksum_sha256,
		                      word_count, char_count, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(version_id) DO UPDATE SET
			work_id = excluded.work_id,
			is_pri = excluded.is_pri,
			lang = excluded.lang,
			repo_path = excluded.repo_path,
			checksum_sha256 = COALESCE(excluded.checksum_sha256, versions.checksum_sha256),
			word_count = COALESCE(excluded.word_count, versions.word_count),
			char_count = COALESCE(excluded.char_count, versions.char_count),
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`
	now := time.Now()
	_, err = q.ExecContext(ctx, query,
		version.VersionID, version.WorkID, version.IsPri, version.Lang, version.RepoPath,
		version.Checksum, version.WordCount, version.CharCount, merged, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert version: %w", err)
	}
	version.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpsertVersion(ctx context.Context, version *Version) error {
	return s.withTx(ctx, func(q querier) error {
		return s.upsertVersionWithQuerier(ctx, q, version)
	})
}

func (s *SQLiteStorage) getVersionWithQuerier(ctx context.Context, q querier, versionID string) (*Version, error) {
	query := `
		SELECT version_id, work_id, is_pri, lang, repo_path, checksum_sha256,
		       word_count, char_count, metadata, created_at, updated_at
		FROM versions
		WHERE version_id = ?
	`
	var v Version
	var checksum sql.NullString
	var words, chars sql.NullInt64
	var meta string
	err := q.QueryRowContext(ctx, query, versionID).Scan(
		&v.VersionID, &v.WorkID, &v.IsPri, &v.Lang, &v.RepoPath, &checksum,
		&words, &chars, &meta, &v.CreatedAt, &v.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Checksum = stringPtr(checksum)
	v.WordCount = intPtr(words)
	v.CharCount = intPtr(chars)
	if v.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLiteStorage) GetVersion(ctx context.Context, versionID string) (*Version, error) {
	return s.getVersionWithQuerier(ctx, s.querier(), versionID)
}

// Chunk operations

// upsertChunksWithQuerier inserts or refreshes chunk rows. Neighbour links
// are left alone and rebuilt by SetChunkLinks.
func (s *SQLiteStorage) upsertChunksWithQuerier(ctx context.Context, q querier, chunks []*ChunkRecord) error {
	query := `
		INSERT INTO chunks (chunk_id, version_id, work_id, author_id, chunk_index, heading_text, heading_path,
		                    start_char_offset, end_char_offset, text_raw, text_norm, word_count, token_count,
		                    metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			text_raw = excluded.text_raw,
			text_norm = excluded.text_norm,
			heading_text = excluded.heading_text,
			heading_path = excluded.heading_path,
			start_char_offset = excluded.start_char_offset,
			end_char_offset = excluded.end_char_offset,
			word_count = excluded.word_count,
			token_count = excluded.token_count,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`
	now := time.Now()
	for _, c := range chunks {
		if c == nil || c.ChunkID == "" || c.VersionID == "" {
			return fmt.Errorf("%w: chunk_id and version_id are required", ErrInvalidRecord)
		}
		headingPath, err := encodeHeadingPath(c.HeadingPath)
		if err != nil {
			return err
		}
		meta, err := encodeMetadata(c.Metadata)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, query,
			c.ChunkID, c.VersionID, c.WorkID, c.AuthorID, c.ChunkIndex, c.HeadingText, headingPath,
			c.StartCharOffset, c.EndCharOffset, c.TextRaw, c.TextNorm, c.WordCount, c.TokenCount,
			meta, now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", c.ChunkID, err)
		}
		c.UpdatedAt = now
	}
	return nil
}

func (s *SQLiteStorage) UpsertChunks(ctx context.Context, chunks []*ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.withTx(ctx, func(q querier) error {
		return s.upsertChunksWithQuerier(ctx, q, chunks)
	})
}

// staleChunkIDsWithQuerier lists chunks of the version at or above count,
// left behind by an earlier run that produced more chunks.
func (s *SQLiteStorage) staleChunkIDsWithQuerier(ctx context.Context, q querier, versionID string, count int) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT chunk_id FROM chunks WHERE version_id = ? AND chunk_index >= ? ORDER BY chunk_index`,
		versionID, count)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStorage) StaleChunkIDs(ctx context.Context, versionID string, count int) ([]string, error) {
	return s.staleChunkIDsWithQuerier(ctx, s.querier(), versionID, count)
}

// setChunkLinksWithQuerier drops chunks of the version at or above count,
// then points each remaining chunk at its chunk_index neighbours. It
// returns the number of rows linked.
func (s *SQLiteStorage) setChunkLinksWithQuerier(ctx context.Context, q querier, versionID string, count int) (int, error) {
	if count < 0 {
		return 0, fmt.Errorf("%w: negative chunk count %d", ErrInvalidRecord, count)
	}
	if _, err := q.ExecContext(ctx,
		`DELETE FROM chunks WHERE version_id = ? AND chunk_index >= ?`, versionID, count); err != nil {
		return 0, fmt.Errorf("failed to prune stale chunks: %w", err)
	}

	query := `
		UPDATE chunks SET
			prev_chunk_id = (
				SELECT c2.chunk_id FROM chunks c2
				WHERE c2.version_id = chunks.version_id AND c2.chunk_index = chunks.chunk_index - 1
			),
			next_chunk_id = (
				SELECT c2.chunk_id FROM chunks c2
				WHERE c2.version_id = chunks.version_id AND c2.chunk_index = chunks.chunk_index + 1
			)
		WHERE version_id = ?
	`
	result, err := q.ExecContext(ctx, query, versionID)
	if err != nil {
		return 0, fmt.Errorf("failed to link chunks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStorage) SetChunkLinks(ctx context.Context, versionID string, count int) (int, error) {
	var n int
	err := s.withTx(ctx, func(q querier) error {
		var err error
		n, err = s.setChunkLinksWithQuerier(ctx, q, versionID, count)
		return err
	})
	return n, err
}

const chunkColumns = `
	chunk_id, version_id, work_id, author_id, chunk_index, heading_text, heading_path,
	start_char_offset, end_char_offset, text_raw, text_norm, word_count, token_count,
	prev_chunk_id, next_chunk_id, metadata, created_at, updated_at
`

func scanChunk(row rowScanner) (*ChunkRecord, error) {
	var c ChunkRecord
	var headingText, headingPath, prev, next sql.NullString
	var start, end, words, tokens sql.NullInt64
	var meta string
	err := row.Scan(
		&c.ChunkID, &c.VersionID, &c.WorkID, &c.AuthorID, &c.ChunkIndex, &headingText, &headingPath,
		&start, &end, &c.TextRaw, &c.TextNorm, &words, &tokens,
		&prev, &next, &meta, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.HeadingText = stringPtr(headingText)
	c.StartCharOffset = intPtr(start)
	c.EndCharOffset = intPtr(end)
	c.TokenCount = intPtr(tokens)
	c.PrevChunkID = stringPtr(prev)
	c.NextChunkID = stringPtr(next)
	if words.Valid {
		c.WordCount = int(words.Int64)
	}
	if headingPath.Valid && headingPath.String != "" {
		if err := json.Unmarshal([]byte(headingPath.String), &c.HeadingPath); err != nil {
			return nil, fmt.Errorf("failed to decode heading path: %w", err)
		}
	}
	if c.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStorage) getChunkWithQuerier(ctx context.Context, q querier, chunkID string) (*ChunkRecord, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE chunk_id = ?`
	c, err := scanChunk(q.QueryRowContext(ctx, query, chunkID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStorage) GetChunk(ctx context.Context, chunkID string) (*ChunkRecord, error) {
	return s.getChunkWithQuerier(ctx, s.querier(), chunkID)
}

func (s *SQLiteStorage) listChunksByVersionWithQuerier(ctx context.Context, q querier, versionID string) ([]*ChunkRecord, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE version_id = ? ORDER BY chunk_index`
	rows, err := q.QueryContext(ctx, query, versionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chunks []*ChunkRecord
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStorage) ListChunksByVersion(ctx context.Context, versionID string) ([]*ChunkRecord, error) {
	return s.listChunksByVersionWithQuerier(ctx, s.querier(), versionID)
}

func (s *SQLiteStorage) countChunksWithQuerier(ctx context.Context, q querier, versionID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE version_id = ?", versionID).Scan(&n)
	return n, err
}

func (s *SQLiteStorage) CountChunks(ctx context.Context, versionID string) (int, error) {
	return s.countChunksWithQuerier(ctx, s.querier(), versionID)
}

// Ingest state operations

// ValidStatus reports whether status is one of the known ingest statuses.
func ValidStatus(status IngestStatus) bool {
	for _, s := range AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (s *SQLiteStorage) setIngestStateWithQuerier(ctx context.Context, q querier, u *StateUpdate) error {
	if u == nil || u.VersionID == "" {
		return fmt.Errorf("%w: version_id is required", ErrInvalidRecord)
	}
	if !ValidStatus(u.Status) {
		return fmt.Errorf("%w: unknown ingest status %q", ErrInvalidRecord, u.Status)
	}
	errContext, err := encodeMetadata(u.ErrorContext)
	if err != nil {
		return err
	}

	// A first row counts as an attempt when it starts the pipeline.
	initialAttempts := 0
	if u.Status == StatusDiscovered {
		initialAttempts = 1
	}

	query := `
		INSERT INTO ingest_state (version_id, status, last_step_at, last_chunk_index, lexical_index,
		                          vector_collection, error_message, error_context, attempt_count,
		                          created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(version_id) DO UPDATE SET
			status = excluded.status,
			last_step_at = excluded.last_step_at,
			last_chunk_index = excluded.last_chunk_index,
			lexical_index = COALESCE(excluded.lexical_index, ingest_state.lexical_index),
			vector_collection = COALESCE(excluded.vector_collection, ingest_state.vector_collection),
			error_message = excluded.error_message,
			error_context = excluded.error_context,
			attempt_count = ingest_state.attempt_count + CASE WHEN excluded.status = 'discovered' THEN 1 ELSE 0 END,
			updated_at = excluded.updated_at
	`
	now := time.Now()
	_, err = q.ExecContext(ctx, query,
		u.VersionID, string(u.Status), now, u.LastChunkIndex, nullString(u.LexicalIndex),
		nullString(u.VectorCollection), u.ErrorMessage, errContext, initialAttempts, now, now)
	if err != nil {
		return fmt.Errorf("failed to set ingest state: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SetIngestState(ctx context.Context, update *StateUpdate) error {
	return s.setIngestStateWithQuerier(ctx, s.querier(), update)
}

const stateColumns = `
	version_id, status, last_step_at, last_chunk_index, lexical_index, vector_collection,
	error_message, error_context, attempt_count, locked_by, locked_at, created_at, updated_at
`

func scanIngestState(row rowScanner) (*IngestState, error) {
	var st IngestState
	var status string
	var lastChunk sql.NullInt64
	var lexical, vector, errMsg, lockedBy sql.NullString
	var lockedAt sql.NullTime
	var errContext string
	err := row.Scan(
		&st.VersionID, &status, &st.LastStepAt, &lastChunk, &lexical, &vector,
		&errMsg, &errContext, &st.AttemptCount, &lockedBy, &lockedAt, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.Status = IngestStatus(status)
	st.LastChunkIndex = intPtr(lastChunk)
	st.LexicalIndex = stringPtr(lexical)
	st.VectorCollection = stringPtr(vector)
	st.ErrorMessage = stringPtr(errMsg)
	st.LockedBy = stringPtr(lockedBy)
	if lockedAt.Valid {
		st.LockedAt = &lockedAt.Time
	}
	if st.ErrorContext, err = decodeMetadata(errContext); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteStorage) getIngestStateWithQuerier(ctx context.Context, q querier, versionID string) (*IngestState, error) {
	query := `SELECT ` + stateColumns + ` FROM ingest_state WHERE version_id = ?`
	st, err := scanIngestState(q.QueryRowContext(ctx, query, versionID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStorage) GetIngestState(ctx context.Context, versionID string) (*IngestState, error) {
	return s.getIngestStateWithQuerier(ctx, s.querier(), versionID)
}

// listIngestStatesWithQuerier returns states most recently updated first.
// An empty status matches all rows and a non-positive limit means no limit.
func (s *SQLiteStorage) listIngestStatesWithQuerier(ctx context.Context, q querier, status IngestStatus, limit int) ([]*IngestState, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT ` + stateColumns + `
		FROM ingest_state
		WHERE (? = '' OR status = ?)
		ORDER BY updated_at DESC, version_id
		LIMIT ?
	`
	rows, err := q.QueryContext(ctx, query, string(status), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var states []*IngestState
	for rows.Next() {
		st, err := scanIngestState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *SQLiteStorage) ListIngestStates(ctx context.Context, status IngestStatus, limit int) ([]*IngestState, error) {
	return s.listIngestStatesWithQuerier(ctx, s.querier(), status, limit)
}

// Status operations

func (s *SQLiteStorage) getStatusWithQuerier(ctx context.Context, q querier) (*CorpusStatus, error) {
	version, err := readSchemaVersion(ctx, q)
	if err != nil {
		return nil, err
	}
	status := &CorpusStatus{
		SchemaVersion: version.String(),
		StatusCounts:  make(map[IngestStatus]int, len(AllStatuses)),
	}

	counts := []struct {
		table string
		dest  *int
	}{
		{"authors", &status.Authors},
		{"works", &status.Works},
		{"versions", &status.Versions},
		{"chunks", &status.Chunks},
	}
	for _, c := range counts {
		if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}

	rows, err := q.QueryContext(ctx, "SELECT status, COUNT(*) FROM ingest_state GROUP BY status")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		status.StatusCounts[IngestStatus(st)] = n
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	status.RecentFailures, err = s.listIngestStatesWithQuerier(ctx, q, StatusFailed, recentFailuresLimit)
	if err != nil {
		return nil, err
	}

	// Every linked version has exactly one chunk without a successor.
	var tails, linkedVersions int
	err = q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM chunks WHERE next_chunk_id IS NULL),
			(SELECT COUNT(DISTINCT version_id) FROM chunks)
	`).Scan(&tails, &linkedVersions)
	if err != nil {
		return nil, err
	}

	// Calculate database size
	var pageCount, pageSize int
	err = q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	if err == nil {
		_ = q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		status.DatabaseSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	status.Health = HealthStatus{
		DatabaseAccessible: true,
		ChunksLinked:       tails == linkedVersions,
	}
	return status, nil
}

func (s *SQLiteStorage) GetStatus(ctx context.Context) (*CorpusStatus, error) {
	return s.getStatusWithQuerier(ctx, s.querier())
}

// Helpers

// mergeStoredMetadata loads the JSON object selected by query and overlays
// incoming on it. Keys in incoming win; nested objects are replaced whole.
func mergeStoredMetadata(ctx context.Context, q querier, query, key string, incoming Metadata) (string, error) {
	var stored string
	err := q.QueryRowContext(ctx, query, key).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}
	existing, err := decodeMetadata(stored)
	if err != nil {
		return "", err
	}
	return encodeMetadata(MergeMetadata(existing, incoming))
}

// MergeMetadata returns a shallow merge of base and overlay, overlay winning.
func MergeMetadata(base, overlay Metadata) Metadata {
	out := make(Metadata, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func encodeMetadata(m Metadata) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (Metadata, error) {
	m := Metadata{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

func encodeHeadingPath(path []string) (interface{}, error) {
	if len(path) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(path)
	if err != nil {
		return nil, fmt.Errorf("failed to encode heading path: %w", err)
	}
	return string(b), nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Transaction implementations

func (t *sqliteTx) UpsertAuthor(ctx context.Context, author *Author) error {
	return t.storage.upsertAuthorWithQuerier(ctx, t.querier(), author)
}

func (t *sqliteTx) UpsertWork(ctx context.Context, work *Work) error {
	return t.storage.upsertWorkWithQuerier(ctx, t.querier(), work)
}

func (t *sqliteTx) UpsertVersion(ctx context.Context, version *Version) error {
	return t.storage.upsertVersionWithQuerier(ctx, t.querier(), version)
}

func (t *sqliteTx) GetAuthor(ctx context.Context, authorID string) (*Author, error) {
	return t.storage.getAuthorWithQuerier(ctx, t.querier(), authorID)
}

func (t *sqliteTx) GetWork(ctx context.Context, workID string) (*Work, error) {
	return t.storage.getWorkWithQuerier(ctx, t.querier(), workID)
}

func (t *sqliteTx) GetVersion(ctx context.Context, versionID string) (*Version, error) {
	return t.storage.getVersionWithQuerier(ctx, t.querier(), versionID)
}

func (t *sqliteTx) UpsertChunks(ctx context.Context, chunks []*ChunkRecord) error {
	return t.storage.upsertChunksWithQuerier(ctx, t.querier(), chunks)
}

func (t *sqliteTx) StaleChunkIDs(ctx context.Context, versionID string, count int) ([]string, error) {
	return t.storage.staleChunkIDsWithQuerier(ctx, t.querier(), versionID, count)
}

func (t *sqliteTx) SetChunkLinks(ctx context.Context, versionID string, count int) (int, error) {
	return t.storage.setChunkLinksWithQuerier(ctx, t.querier(), versionID, count)
}

func (t *sqliteTx) GetChunk(ctx context.Context, chunkID string) (*ChunkRecord, error) {
	return t.storage.getChunkWithQuerier(ctx, t.querier(), chunkID)
}

func (t *sqliteTx) ListChunksByVersion(ctx context.Context, versionID string) ([]*ChunkRecord, error) {
	return t.storage.listChunksByVersionWithQuerier(ctx, t.querier(), versionID)
}

func (t *sqliteTx) CountChunks(ctx context.Context, versionID string) (int, error) {
	return t.storage.countChunksWithQuerier(ctx, t.querier(), versionID)
}

func (t *sqliteTx) SetIngestState(ctx context.Context, update *StateUpdate) error {
	return t.storage.setIngestStateWithQuerier(ctx, t.querier(), update)
}

func (t *sqliteTx) GetIngestState(ctx context.Context, versionID string) (*IngestState, error) {
	return t.storage.getIngestStateWithQuerier(ctx, t.querier(), versionID)
}

func (t *sqliteTx) ListIngestStates(ctx context.Context, status IngestStatus, limit int) ([]*IngestState, error) {
	return t.storage.listIngestStatesWithQuerier(ctx, t.querier(), status, limit)
}

func (t *sqliteTx) GetStatus(ctx context.Context) (*CorpusStatus, error) {
	return t.storage.getStatusWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) Ping(ctx context.Context) error {
	var one int
	return t.tx.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	// SQLite does not support true nested transactions
	return nil, errors.New("nested transactions not supported")
}
