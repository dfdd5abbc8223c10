package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestNewHTTPProvider_Validation(t *testing.T) {
	_, err := NewHTTPProvider(HTTPOptions{Provider: "cohere", APIKey: "k"})
	assert.ErrorIs(t, err, ErrUnsupportedModel)

	_, err = NewHTTPProvider(HTTPOptions{Provider: ProviderOpenAI})
	assert.ErrorIs(t, err, ErrInvalidInput, "openai needs a key")

	_, err = NewHTTPProvider(HTTPOptions{Provider: ProviderTEI})
	assert.ErrorIs(t, err, ErrInvalidInput, "tei needs a base url")

	p, err := NewHTTPProvider(HTTPOptions{Provider: "JINA", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultJinaBaseURL, p.baseURL)
	assert.Equal(t, ProviderJina, p.name())
}

func TestHTTPProvider_OpenAICompatible(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"query: a", "query: b"}, body.Input)
		assert.Equal(t, "e5", body.Model)

		// out of order on purpose
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,2]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer server.Close()

	p, err := NewHTTPProvider(HTTPOptions{
		Provider: ProviderOpenAI,
		BaseURL:  server.URL + "/v1/",
		APIKey:   "test-key",
		Model:    "e5",
		Retry:    fastRetry(),
	})
	require.NoError(t, err)
	defer p.close()

	vecs, err := p.embed(context.Background(), []string{"query: a", "query: b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 2}}, vecs)
}

func TestHTTPProvider_TEI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		var body struct {
			Inputs []string `json:"inputs"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"passage: x"}, body.Inputs)
		_, _ = w.Write([]byte(`[[0.5,0.5]]`))
	}))
	defer server.Close()

	p, err := NewHTTPProvider(HTTPOptions{Provider: ProviderTEI, BaseURL: server.URL})
	require.NoError(t, err)

	vecs, err := p.embed(context.Background(), []string{"passage: x"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.5, 0.5}}, vecs)
}

func TestHTTPProvider_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
	}))
	defer server.Close()

	p, err := NewHTTPProvider(HTTPOptions{Provider: ProviderOpenAI, BaseURL: server.URL, APIKey: "k", Retry: fastRetry()})
	require.NoError(t, err)

	vecs, err := p.embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPProvider_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer server.Close()

	p, err := NewHTTPProvider(HTTPOptions{Provider: ProviderOpenAI, BaseURL: server.URL, APIKey: "k", Retry: fastRetry()})
	require.NoError(t, err)

	_, err = p.embed(context.Background(), []string{"x"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Contains(t, se.Body, "bad key")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPProvider_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
	}))
	defer server.Close()

	p, err := NewHTTPProvider(HTTPOptions{
		Provider:          ProviderOpenAI,
		BaseURL:           server.URL,
		APIKey:            "k",
		RequestsPerSecond: 0.001,
	})
	require.NoError(t, err)

	// the first request consumes the only token
	_, err = p.embed(context.Background(), []string{"x"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.embed(ctx, []string{"x"})
	assert.Error(t, err)
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := retryWithBackoff(ctx, *fastRetry(), func() (int, error) {
		calls++
		return 0, assert.AnError
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(assert.AnError))
	assert.True(t, retryable(&StatusError{Code: http.StatusTooManyRequests}))
	assert.True(t, retryable(&StatusError{Code: http.StatusBadGateway}))
	assert.False(t, retryable(&StatusError{Code: http.StatusBadRequest}))
	assert.False(t, retryable(permanent(assert.AnError)))
}
