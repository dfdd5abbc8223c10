package lexical

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"go.uber.org/zap"

	"github.com/dshills/openiti-search/pkg/types"
)

// DefaultIndex is the chunk index name used when none is configured.
const DefaultIndex = "openiti_chunks"

// ErrEmptyIndex is returned when a client is built without an index name.
var ErrEmptyIndex = errors.New("lexical index name is required")

// Options configures a Client.
type Options struct {
	URL       string
	Index     string
	Username  string
	Password  string
	Timeout   time.Duration
	Transport http.RoundTripper // nil uses the default transport
}

// Client reads and writes chunk documents in one OpenSearch index.
type Client struct {
	os      *opensearch.Client
	index   string
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a client. It does not contact the cluster.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.Index == "" {
		return nil, ErrEmptyIndex
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	osClient, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{opts.URL},
		Username:  opts.Username,
		Password:  opts.Password,
		Transport: opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &Client{
		os:      osClient,
		index:   opts.Index,
		timeout: opts.Timeout,
		logger:  logger,
	}, nil
}

// Index returns the index name the client targets.
func (c *Client) Index() string {
	return c.index
}

// Ping checks that the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "lexical.ping", func(ctx context.Context) (*opensearchapi.Response, error) {
		return c.os.Ping(c.os.Ping.WithContext(ctx))
	}, nil)
}

// EnsureIndex creates the chunk index with its analyzers when it is missing.
func (c *Client) EnsureIndex(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.os.Indices.Exists([]string{c.index}, c.os.Indices.Exists.WithContext(ctx))
	if err != nil {
		return types.E(types.KindLexical, "lexical.ensure_index", err)
	}
	_ = res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return types.E(types.KindLexical, "lexical.ensure_index", fmt.Errorf("unexpected status %d", res.StatusCode))
	}

	c.logger.Info("creating lexical index", zap.String("index", c.index))
	return c.call(ctx, "lexical.ensure_index", func(ctx context.Context) (*opensearchapi.Response, error) {
		return c.os.Indices.Create(c.index,
			c.os.Indices.Create.WithBody(strings.NewReader(indexMapping)),
			c.os.Indices.Create.WithContext(ctx))
	}, nil)
}

// call runs fn under the client timeout, classifies failures as lexical
// errors and decodes a successful body into out when out is non-nil.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context) (*opensearchapi.Response, error), out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := fn(ctx)
	if err != nil {
		return types.E(types.KindLexical, op, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return types.E(types.KindLexical, op, fmt.Errorf("status %d: %s", res.StatusCode, bytes.TrimSpace(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return types.E(types.KindLexical, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// indexMapping defines the analyzed content subfields the query tiers target.
const indexMapping = `{
  "settings": {
    "analysis": {
      "analyzer": {
        "openiti_nostem": {
          "type": "custom",
          "tokenizer": "standard",
          "filter": ["lowercase", "decimal_digit", "arabic_normalization"]
        },
        "openiti_exact": {
          "type": "custom",
          "tokenizer": "whitespace",
          "filter": ["lowercase"]
        }
      }
    }
  },
  "mappings": {
    "properties": {
      "chunk_id": {"type": "keyword"},
      "work_id": {"type": "keyword"},
      "version_id": {"type": "keyword"},
      "author_id": {"type": "keyword"},
      "lang": {"type": "keyword"},
      "is_pri": {"type": "boolean"},
      "title": {"type": "text", "analyzer": "arabic"},
      "content": {
        "type": "text",
        "analyzer": "arabic",
        "fields": {
          "nostem": {"type": "text", "analyzer": "openiti_nostem"},
          "exact": {"type": "text", "analyzer": "openiti_exact"},
          "persian": {"type": "text", "analyzer": "persian"}
        }
      },
      "author_name_ar": {"type": "text", "analyzer": "arabic"},
      "author_name_lat": {"type": "text"},
      "work_title_ar": {"type": "text", "analyzer": "arabic"},
      "work_title_lat": {"type": "text"},
      "date_ah": {"type": "integer"},
      "date_ce": {"type": "integer"},
      "period": {"type": "keyword"},
      "period_tag": {"type": "keyword"},
      "region": {"type": "keyword"},
      "tags": {"type": "keyword"},
      "version_label": {"type": "keyword"},
      "type": {"type": "keyword"}
    }
  }
}`
