package chunker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dshills/openiti-search/pkg/types"
)

const (
	// DefaultTargetWords is the default window size in words
	DefaultTargetWords = 300

	// DefaultOverlapWords is the default number of words shared by adjacent windows
	DefaultOverlapWords = 0
)

// ErrInvalidTarget is returned when the window size is not positive
var ErrInvalidTarget = errors.New("chunk target must be > 0")

var headingPrefix = regexp.MustCompile(`^#+\s*`)

// Window is one contiguous slice of the word sequence.
type Window struct {
	Index int
	Start int // offset of Words[0] in the full sequence
	Words []string
}

// Windows splits words into windows of at most target words, advancing by
// target-overlap. Emission stops after the first window that reaches the
// end of the sequence, so a trailing window is never a pure overlap.
func Windows(words []string, target, overlap int) ([]Window, error) {
	if target <= 0 {
		return nil, ErrInvalidTarget
	}
	step := target
	if target > overlap {
		step = target - overlap
	}

	n := len(words)
	windows := make([]Window, 0, Count(n, target, overlap))
	for start, idx := 0, 0; start < n; start, idx = start+step, idx+1 {
		end := start + target
		if end > n {
			end = n
		}
		windows = append(windows, Window{Index: idx, Start: start, Words: words[start:end]})
		if end == n {
			break
		}
	}
	return windows, nil
}

// Count returns how many windows Windows emits for n words:
// 0 when n is 0, 1 when n <= target, else ceil((n-target)/step)+1.
func Count(n, target, overlap int) int {
	if n <= 0 || target <= 0 {
		return 0
	}
	if n <= target {
		return 1
	}
	step := target
	if target > overlap {
		step = target - overlap
	}
	return (n-target+step-1)/step + 1
}

// HeadingContext returns the last heading-like line of raw with its leading
// hashes stripped, and the heading path built from it. A line is heading-like
// when it starts with '#' or contains "### ". Both results are empty when no
// such line exists.
func HeadingContext(raw string) (string, []string) {
	var heading string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") && !strings.Contains(line, "### ") {
			continue
		}
		if h := strings.TrimSpace(headingPrefix.ReplaceAllString(line, "")); h != "" {
			heading = h
		}
	}
	if heading == "" {
		return "", nil
	}
	return heading, []string{heading}
}

// ChunkID builds the deterministic chunk identifier for a window of a version.
func ChunkID(versionID string, index int) string {
	return fmt.Sprintf("%s::%d", versionID, index)
}

// Chunker turns normalized document text into chunk rows.
type Chunker struct {
	target  int
	overlap int
}

// New creates a Chunker. overlap must be smaller than target.
func New(target, overlap int) (*Chunker, error) {
	if target <= 0 {
		return nil, ErrInvalidTarget
	}
	if overlap < 0 || overlap >= target {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", target, overlap)
	}
	return &Chunker{target: target, overlap: overlap}, nil
}

// Target returns the configured window size.
func (c *Chunker) Target() int { return c.target }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// ChunkDocument windows the normalized text of doc. The heading is taken
// from the raw text once and attached to every chunk. The display text of a
// chunk is its normalized window; raw offsets are not tracked.
func (c *Chunker) ChunkDocument(doc types.DiscoveredDocument, raw, normalized string) ([]types.Chunk, error) {
	words := strings.Fields(normalized)
	windows, err := Windows(words, c.target, c.overlap)
	if err != nil {
		return nil, err
	}

	headingText, headingPath := HeadingContext(raw)

	chunks := make([]types.Chunk, 0, len(windows))
	for _, w := range windows {
		text := strings.Join(w.Words, " ")
		chunks = append(chunks, types.Chunk{
			ChunkID:     ChunkID(doc.VersionID, w.Index),
			VersionID:   doc.VersionID,
			WorkID:      doc.WorkID,
			AuthorID:    doc.AuthorID,
			Index:       w.Index,
			HeadingText: headingText,
			HeadingPath: headingPath,
			TextRaw:     text,
			TextNorm:    text,
			WordCount:   len(w.Words),
		})
	}
	return chunks, nil
}
