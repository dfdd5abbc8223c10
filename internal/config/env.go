package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	setString(&c.Database.Path, "DATABASE_PATH")

	setString(&c.Lexical.URL, "OPENSEARCH_URL")
	setString(&c.Lexical.Index, "OPENSEARCH_INDEX_CHUNKS")
	setString(&c.Lexical.Username, "OPENSEARCH_USERNAME")
	setString(&c.Lexical.Password, "OPENSEARCH_PASSWORD")

	setString(&c.Vector.Addr, "QDRANT_ADDR")
	setString(&c.Vector.Collection, "QDRANT_COLLECTION")

	setBool(&c.Embedding.Enabled, "EMBEDDINGS_ENABLED")
	setString(&c.Embedding.Provider, "EMBEDDING_PROVIDER")
	setString(&c.Embedding.Model, "EMBEDDING_MODEL")
	setString(&c.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	setString(&c.Embedding.APIKey, "EMBEDDING_API_KEY")
	setInt(&c.Embedding.BatchSize, "EMBEDDING_BATCH_SIZE")
	setInt(&c.Embedding.Dimension, "EMBEDDING_DIMENSION")

	setString(&c.Ingest.CorpusRoot, "CORPUS_ROOT")
	setString(&c.Ingest.CuratedTagsPath, "CURATED_TAGS_PATH")
	setInt(&c.Ingest.WorkLimit, "INGEST_WORK_LIMIT")
	setBool(&c.Ingest.OnlyPri, "INGEST_ONLY_PRI")
	setInt(&c.Ingest.Workers, "INGEST_WORKERS")
	setInt(&c.Ingest.ChunkTargetWords, "CHUNK_TARGET_WORDS")
	setInt(&c.Ingest.ChunkOverlap, "CHUNK_MAX_OVERLAP_WORDS")
	setInt(&c.Ingest.BulkBatch, "OPENSEARCH_BULK_BATCH")
	if v := os.Getenv("INGEST_LANGS"); v != "" {
		c.Ingest.Langs = SplitCSV(v)
	}

	setString(&c.Facets.LabelsPath, "FACET_LABELS_PATH")
	setString(&c.Logging.Level, "LOG_LEVEL")
}

// SplitCSV splits a comma-separated list, dropping blank entries.
// It returns nil when nothing remains.
func SplitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	}
}
