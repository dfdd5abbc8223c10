package storage

import (
	"context"
	"time"
)

// Storage defines the relational catalog of the corpus: authors, works,
// versions, chunks and per-version ingest state.
type Storage interface {
	// Catalog operations. Scalars merge with COALESCE and metadata merges
	// shallowly with new keys winning.
	UpsertAuthor(ctx context.Context, author *Author) error
	UpsertWork(ctx context.Context, work *Work) error
	UpsertVersion(ctx context.Context, version *Version) error
	GetAuthor(ctx context.Context, authorID string) (*Author, error)
	GetWork(ctx context.Context, workID string) (*Work, error)
	GetVersion(ctx context.Context, versionID string) (*Version, error)

	// Chunk operations
	UpsertChunks(ctx context.Context, chunks []*ChunkRecord) error
	StaleChunkIDs(ctx context.Context, versionID string, count int) ([]string, error)
	SetChunkLinks(ctx context.Context, versionID string, count int) (int, error)
	GetChunk(ctx context.Context, chunkID string) (*ChunkRecord, error)
	ListChunksByVersion(ctx context.Context, versionID string) ([]*ChunkRecord, error)
	CountChunks(ctx context.Context, versionID string) (int, error)

	// Ingest state operations
	SetIngestState(ctx context.Context, update *StateUpdate) error
	GetIngestState(ctx context.Context, versionID string) (*IngestState, error)
	ListIngestStates(ctx context.Context, status IngestStatus, limit int) ([]*IngestState, error)

	// Status operations
	GetStatus(ctx context.Context) (*CorpusStatus, error)

	// Database operations
	Ping(ctx context.Context) error
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// Metadata is a free-form JSON object attached to catalog rows.
type Metadata map[string]interface{}

// Author is one corpus author, keyed by its directory name.
type Author struct {
	AuthorID  string
	NameAr    *string
	NameLatn  *string
	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Work is one title by an author.
type Work struct {
	WorkID    string
	AuthorID  string
	TitleAr   *string
	TitleLatn *string
	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Version is one edition file of a work.
type Version struct {
	VersionID string
	WorkID    string
	IsPri     bool
	Lang      string
	RepoPath  string
	Checksum  *string // hex SHA-256 of the raw file
	WordCount *int
	CharCount *int
	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChunkRecord is the persisted form of a chunk.
type ChunkRecord struct {
	ChunkID         string
	VersionID       string
	WorkID          string
	AuthorID        string
	ChunkIndex      int
	HeadingText     *string
	HeadingPath     []string
	StartCharOffset *int
	EndCharOffset   *int
	TextRaw         string
	TextNorm        string
	WordCount       int
	TokenCount      *int
	PrevChunkID     *string // set only by SetChunkLinks
	NextChunkID     *string
	Metadata        Metadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IngestStatus is the pipeline stage a version last completed.
type IngestStatus string

const (
	StatusDiscovered     IngestStatus = "discovered"
	StatusParsed         IngestStatus = "parsed"
	StatusIndexedLexical IngestStatus = "indexed_lexical"
	StatusIndexedVector  IngestStatus = "indexed_vector"
	StatusComplete       IngestStatus = "complete"
	StatusFailed         IngestStatus = "failed"
)

// AllStatuses lists the statuses in pipeline order, failed last.
var AllStatuses = []IngestStatus{
	StatusDiscovered, StatusParsed, StatusIndexedLexical, StatusIndexedVector, StatusComplete, StatusFailed,
}

// IngestState is the persisted progress of one version through the pipeline.
// LockedBy and LockedAt are reserved for distributed workers and not written.
type IngestState struct {
	VersionID        string
	Status           IngestStatus
	LastStepAt       time.Time
	LastChunkIndex   *int
	LexicalIndex     *string
	VectorCollection *string
	ErrorMessage     *string
	ErrorContext     Metadata
	AttemptCount     int
	LockedBy         *string
	LockedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StateUpdate moves a version to a new status. LastChunkIndex and
// ErrorMessage replace the stored values, nil clears them. Entering
// StatusDiscovered counts a new attempt.
type StateUpdate struct {
	VersionID        string
	Status           IngestStatus
	LastChunkIndex   *int
	LexicalIndex     string
	VectorCollection string
	ErrorMessage     *string
	ErrorContext     Metadata
}

// CorpusStatus summarizes catalog contents and ingest progress.
type CorpusStatus struct {
	SchemaVersion  string
	Authors        int
	Works          int
	Versions       int
	Chunks         int
	StatusCounts   map[IngestStatus]int
	RecentFailures []*IngestState
	DatabaseSizeMB float64
	Health         HealthStatus
}

// HealthStatus represents the health of the catalog
type HealthStatus struct {
	DatabaseAccessible bool
	ChunksLinked       bool
}
