package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Provider configuration
const (
	ProviderOpenAI = "openai"
	ProviderJina   = "jina"
	ProviderTEI    = "tei"
	ProviderLocal  = "local"

	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultJinaBaseURL   = "https://api.jina.ai/v1"

	LocalDimension = 384

	DefaultBatchSize = 64

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0

	maxErrorBody = 512
)

// HTTPProvider calls a remote embedding service. OpenAI and Jina share the
// /embeddings request shape; a text-embeddings-inference server takes
// {"inputs": [...]} on /embed and answers with a bare array of vectors.
type HTTPProvider struct {
	provider   string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryConfig
}

// HTTPOptions configures an HTTPProvider.
type HTTPOptions struct {
	Provider          string
	BaseURL           string
	APIKey            string
	Model             string
	RequestsPerSecond float64 // <= 0 disables throttling
	Timeout           time.Duration
	Transport         http.RoundTripper
	Retry             *RetryConfig
}

// NewHTTPProvider validates opts and returns a provider.
func NewHTTPProvider(opts HTTPOptions) (*HTTPProvider, error) {
	provider := strings.ToLower(opts.Provider)
	baseURL := opts.BaseURL
	switch provider {
	case ProviderOpenAI:
		if baseURL == "" {
			baseURL = DefaultOpenAIBaseURL
		}
	case ProviderJina:
		if baseURL == "" {
			baseURL = DefaultJinaBaseURL
		}
	case ProviderTEI:
		if baseURL == "" {
			return nil, fmt.Errorf("%w: tei requires embedding.base_url", ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, opts.Provider)
	}
	if provider != ProviderTEI && opts.APIKey == "" {
		return nil, fmt.Errorf("%w: %s requires embedding.api_key", ErrInvalidInput, provider)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	return &HTTPProvider{
		provider:   provider,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     opts.APIKey,
		model:      opts.Model,
		httpClient: &http.Client{Timeout: timeout, Transport: opts.Transport},
		limiter:    rate.NewLimiter(limit, 1),
		retry:      retry,
	}, nil
}

func (p *HTTPProvider) name() string { return p.provider }

func (p *HTTPProvider) close() {
	p.httpClient.CloseIdleConnections()
}

func (p *HTTPProvider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	return retryWithBackoff(ctx, p.retry, func() ([][]float32, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return p.callAPI(ctx, texts)
	})
}

func (p *HTTPProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	url := p.baseURL + "/embeddings"
	var reqBody interface{} = map[string]interface{}{
		"input": texts,
		"model": p.model,
	}
	if p.provider == ProviderTEI {
		url = p.baseURL + "/embed"
		reqBody = map[string]interface{}{"inputs": texts, "normalize": true}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bodyBytes)}
	}

	if p.provider == ProviderTEI {
		var vectors [][]float32
		if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
			return nil, permanent(fmt.Errorf("decode response: %w", err))
		}
		return vectors, nil
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, permanent(fmt.Errorf("decode response: %w", err))
	}

	sort.SliceStable(apiResp.Data, func(i, j int) bool {
		return apiResp.Data[i].Index < apiResp.Data[j].Index
	})
	vectors := make([][]float32, len(apiResp.Data))
	for i, d := range apiResp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// StatusError is a non-200 answer from an embedding service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// LocalProvider computes deterministic feature-hashing vectors offline.
// Each whitespace token adds a signed unit to the bucket chosen by its
// SHA-256 digest, so texts sharing words have a positive cosine. It needs
// no model files and serves development, tests and air-gapped installs.
type LocalProvider struct {
	dimension int
}

// NewLocalProvider creates a local provider with the given dimension.
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{dimension: dimension}
}

func (l *LocalProvider) name() string { return ProviderLocal }

func (l *LocalProvider) close() {}

func (l *LocalProvider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = l.vector(text)
	}
	return vectors, nil
}

func (l *LocalProvider) vector(text string) []float32 {
	v := make([]float32, l.dimension)
	for _, tok := range strings.Fields(text) {
		sum := sha256.Sum256([]byte(tok))
		bucket := binary.BigEndian.Uint64(sum[:8]) % uint64(l.dimension)
		if sum[8]&1 == 0 {
			v[bucket]++
		} else {
			v[bucket]--
		}
	}
	return v
}
