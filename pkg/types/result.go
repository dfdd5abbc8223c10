package types

// SearchMode selects which retrievers serve a query.
type SearchMode string

const (
	ModeLexical SearchMode = "lexical"
	ModeVector  SearchMode = "vector"
	ModeHybrid  SearchMode = "hybrid"
)

// ParseSearchMode accepts the mode names plus "bm25" as an alias for lexical.
func ParseSearchMode(s string) (SearchMode, bool) {
	switch s {
	case "", "lexical", "bm25":
		return ModeLexical, true
	case "vector":
		return ModeVector, true
	case "hybrid":
		return ModeHybrid, true
	}
	return "", false
}

// Filters narrows every retriever to the same document subset.
// Empty slices and a false PrimaryOnly mean no constraint.
type Filters struct {
	PrimaryOnly   bool
	Langs         []string
	Periods       []string
	Regions       []string
	Tags          []string
	VersionLabels []string
}

// Source is the display payload of a hit, keyed by lexical document field names.
type Source map[string]interface{}

// SearchHit is one ranked result.
type SearchHit struct {
	ChunkID   string              `json:"chunk_id"`
	Score     float64             `json:"score"`
	Source    Source              `json:"source"`
	Highlight map[string][]string `json:"highlight,omitempty"`
}

// FacetBucket is one labelled aggregation bucket.
type FacetBucket struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Trace identifies the model and ruleset versions that produced a response.
type Trace struct {
	EmbeddingModel        string `json:"embedding_model"`
	EmbeddingModelVersion string `json:"embedding_model_version"`
	NormalizationVersion  string `json:"normalization_version"`
}
