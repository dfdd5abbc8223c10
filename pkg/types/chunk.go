package types

import "fmt"

// Supported corpus language codes
const (
	LangArabic  = "ara"
	LangPersian = "fas"
	LangOttoman = "ota"
)

// ValidLang reports whether lang is one of the supported language codes.
func ValidLang(lang string) bool {
	switch lang {
	case LangArabic, LangPersian, LangOttoman:
		return true
	}
	return false
}

// DiscoveredDocument is one selected version file ready for ingestion.
type DiscoveredDocument struct {
	AuthorID  string
	WorkID    string
	VersionID string
	Path      string // Absolute path on disk
	RepoPath  string // Path relative to the corpus root, slash separated
	IsPrimary bool
	Lang      string
}

// Validate checks the identifiers and language of a discovered document
func (d *DiscoveredDocument) Validate() error {
	if d.AuthorID == "" || d.WorkID == "" || d.VersionID == "" {
		return fmt.Errorf("document %q: missing identifiers", d.RepoPath)
	}
	if !ValidLang(d.Lang) {
		return fmt.Errorf("%w: %s", ErrInvalidLang, d.Lang)
	}
	return nil
}

// Chunk is the atomic retrievable unit: one window of normalized text within a version.
type Chunk struct {
	ChunkID     string
	VersionID   string
	WorkID      string
	AuthorID    string
	Index       int
	HeadingText string
	HeadingPath []string
	TextRaw     string
	TextNorm    string
	WordCount   int
}

// ValidateContent checks if the chunk is well formed
func (c *Chunk) ValidateContent() error {
	if c.ChunkID == "" {
		return ErrInvalidChunkID
	}
	if c.TextNorm == "" {
		return ErrEmptyContent
	}
	if c.Index < 0 {
		return fmt.Errorf("chunk %s: negative index %d", c.ChunkID, c.Index)
	}
	return nil
}
