package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dshills/openiti-search/internal/normalize"
	"github.com/dshills/openiti-search/pkg/types"
)

// Common errors
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrProviderFailed    = errors.New("embedding provider failed")
	ErrUnsupportedModel  = errors.New("unsupported embedding provider")
	ErrEmptyText         = errors.New("text cannot be empty")
	ErrBatchTooLarge     = errors.New("batch size exceeds limit")
	ErrTextTooLong       = errors.New("text exceeds maximum length")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrNoProviderEnabled = errors.New("embeddings are disabled")
)

// Role selects the instruction prefix a text is embedded with. Asymmetric
// retrieval models expect queries and passages to be marked differently.
type Role string

const (
	RoleQuery   Role = "query"
	RolePassage Role = "passage"
)

// Embedding is one unit-length vector with its provenance.
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	Hash      string // cache key of the prepared text
}

// EmbeddingRequest asks for a single embedding.
type EmbeddingRequest struct {
	Text string
	Role Role // RolePassage when empty
}

// BatchEmbeddingRequest asks for one embedding per text, in order.
type BatchEmbeddingRequest struct {
	Texts []string
	Role  Role
}

// BatchEmbeddingResponse holds embeddings in request order.
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
}

// Embedder interface defines methods for generating embeddings
type Embedder interface {
	// GenerateEmbedding generates a single embedding for the given text
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)

	// GenerateBatch embeds every text, splitting the work into provider
	// sized sub-batches
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)

	Dimension() int
	Provider() string
	Model() string

	// ModelVersion is the operator-supplied model revision reported in traces
	ModelVersion() string

	// Close releases any resources held by the embedder
	Close() error
}

// backend turns prepared texts into raw vectors, one per text and in order.
type backend interface {
	embed(ctx context.Context, texts []string) ([][]float32, error)
	name() string
	close()
}

// Client is the Embedder used by ingestion and search. It prepares each
// text (script normalization plus role prefix), serves repeats from the
// cache, calls the backend in sub-batches and returns unit vectors.
type Client struct {
	backend      backend
	model        string
	modelVersion string
	dimension    int
	batchSize    int
	cache        *Cache
	normalizer   *normalize.Normalizer
	logger       *zap.Logger
}

// GenerateEmbedding embeds a single text.
func (c *Client) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, types.E(types.KindValidation, "embedder.generate", err)
	}
	resp, err := c.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Role: req.Role})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

// GenerateBatch embeds every text of req. Cached texts are not sent to the
// provider again.
func (c *Client) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, types.E(types.KindValidation, "embedder.generate_batch", err)
	}

	out := make([]*Embedding, len(req.Texts))
	var (
		pending []int
		inputs  []string
		hashes  = make([]string, len(req.Texts))
	)
	for i, text := range req.Texts {
		prepared := c.prepare(text, req.Role)
		hashes[i] = ComputeHash(c.model + "\x00" + prepared)
		if c.cache != nil {
			if emb, ok := c.cache.Get(hashes[i]); ok {
				out[i] = emb
				continue
			}
		}
		pending = append(pending, i)
		inputs = append(inputs, prepared)
	}

	for start := 0; start < len(inputs); start += c.batchSize {
		end := start + c.batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		vectors, err := c.backend.embed(ctx, inputs[start:end])
		if err != nil {
			return nil, types.E(types.KindEmbedding, "embedder.generate_batch", fmt.Errorf("%w: %v", ErrProviderFailed, err))
		}
		if len(vectors) != end-start {
			return nil, types.E(types.KindEmbedding, "embedder.generate_batch",
				fmt.Errorf("%w: %d vectors for %d texts", ErrProviderFailed, len(vectors), end-start))
		}
		for j, vec := range vectors {
			if c.dimension > 0 && len(vec) != c.dimension {
				return nil, types.E(types.KindEmbedding, "embedder.generate_batch",
					fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), c.dimension))
			}
			idx := pending[start+j]
			emb := &Embedding{
				Vector:    NormalizeVector(vec),
				Dimension: len(vec),
				Provider:  c.backend.name(),
				Model:     c.model,
				Hash:      hashes[idx],
			}
			if c.cache != nil {
				c.cache.Set(emb.Hash, emb)
			}
			out[idx] = emb
		}
	}

	if len(inputs) > 0 {
		c.logger.Debug("generated embeddings",
			zap.Int("requested", len(req.Texts)),
			zap.Int("computed", len(inputs)))
	}
	return &BatchEmbeddingResponse{Embeddings: out, Provider: c.backend.name(), Model: c.model}, nil
}

func (c *Client) prepare(text string, role Role) string {
	if c.normalizer != nil {
		text = c.normalizer.Normalize(text)
	}
	if role == "" {
		role = RolePassage
	}
	return string(role) + ": " + text
}

func (c *Client) Dimension() int       { return c.dimension }
func (c *Client) Provider() string     { return c.backend.name() }
func (c *Client) Model() string        { return c.model }
func (c *Client) ModelVersion() string { return c.modelVersion }

func (c *Client) Close() error {
	c.backend.close()
	if c.cache != nil {
		c.cache.Clear()
	}
	return nil
}

// Cache provides in-memory LRU caching of embeddings by content hash
type Cache struct {
	cache *lru.Cache[string, *Embedding]
}

// NewCache creates a new embedding cache with LRU eviction
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = 10000
	}
	cache, err := lru.New[string, *Embedding](maxLen)
	if err != nil {
		cache, _ = lru.New[string, *Embedding](10000)
	}
	return &Cache{
		cache: cache,
	}
}

// Get retrieves a deep copy of an embedding from cache
// Returns a copy to prevent caller mutations from affecting cached values
func (c *Cache) Get(hash string) (*Embedding, bool) {
	emb, ok := c.cache.Get(hash)
	if !ok {
		return nil, false
	}

	vectorCopy := make([]float32, len(emb.Vector))
	copy(vectorCopy, emb.Vector)

	return &Embedding{
		Vector:    vectorCopy,
		Dimension: emb.Dimension,
		Provider:  emb.Provider,
		Model:     emb.Model,
		Hash:      emb.Hash,
	}, true
}

// Set stores a copy of an embedding with automatic LRU eviction
func (c *Cache) Set(hash string, emb *Embedding) {
	stored := *emb
	stored.Vector = append([]float32(nil), emb.Vector...)
	c.cache.Add(hash, &stored)
}

// Size returns the current cache size
func (c *Cache) Size() int {
	return c.cache.Len()
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.cache.Purge()
}

// ComputeHash computes SHA-256 hash of text for caching
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// ValidateRequest validates an embedding request
func ValidateRequest(req EmbeddingRequest) error {
	if req.Text == "" {
		return ErrEmptyText
	}
	return validateRole(req.Role)
}

// ValidateBatchRequest validates a batch embedding request
func ValidateBatchRequest(req BatchEmbeddingRequest) error {
	if len(req.Texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}

	for i, text := range req.Texts {
		if text == "" {
			return fmt.Errorf("%w: text at index %d is empty", ErrInvalidInput, i)
		}
	}

	return validateRole(req.Role)
}

// ValidateLimits enforces the caller-facing bounds of the embed operation:
// at most maxBatch texts, each non-blank and at most maxLen characters.
func ValidateLimits(texts []string, maxBatch, maxLen int) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}
	if maxBatch > 0 && len(texts) > maxBatch {
		return fmt.Errorf("%w: %d texts, max %d", ErrBatchTooLarge, len(texts), maxBatch)
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("%w: text at index %d", ErrEmptyText, i)
		}
		if n := len([]rune(text)); maxLen > 0 && n > maxLen {
			return fmt.Errorf("%w: text at index %d has %d characters, max %d", ErrTextTooLong, i, n, maxLen)
		}
	}
	return nil
}

func validateRole(r Role) error {
	switch r {
	case "", RoleQuery, RolePassage:
		return nil
	}
	return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, r)
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}

	result := make([]float32, len(v))
	if sum == 0 {
		copy(result, v)
		return result
	}

	norm := math.Sqrt(sum)
	for i, val := range v {
		result[i] = float32(float64(val) / norm)
	}

	return result
}
