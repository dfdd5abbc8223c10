package lexical

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/dshills/openiti-search/pkg/types"
)

// Hit is one lexical match.
type Hit struct {
	ChunkID   string
	Score     float64
	Source    types.Source
	Highlight map[string][]string
}

// Bucket is one terms aggregation bucket. Key is nil when the cluster
// returned none.
type Bucket struct {
	Key      interface{}
	DocCount int
}

// Result is a page of lexical hits with the total match count.
type Result struct {
	Hits         []Hit
	Total        int
	Aggregations map[string][]Bucket
}

type searchResponse struct {
	Hits struct {
		Total json.RawMessage `json:"total"`
		Hits  []struct {
			ID        string              `json:"_id"`
			Score     *float64            `json:"_score"`
			Source    types.Source        `json:"_source"`
			Highlight map[string][]string `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]struct {
		Buckets []struct {
			Key      interface{} `json:"key"`
			DocCount int         `json:"doc_count"`
		} `json:"buckets"`
	} `json:"aggregations"`
}

// Search runs q against the index.
func (c *Client) Search(ctx context.Context, q Query) (*Result, error) {
	var resp searchResponse
	if err := c.search(ctx, "lexical.search", BuildQuery(q), &resp); err != nil {
		return nil, err
	}

	total, err := parseTotal(resp.Hits.Total)
	if err != nil {
		return nil, types.E(types.KindLexical, "lexical.search", err)
	}

	result := &Result{Total: total, Hits: make([]Hit, 0, len(resp.Hits.Hits))}
	for _, h := range resp.Hits.Hits {
		hit := Hit{
			ChunkID:   h.ID,
			Source:    h.Source,
			Highlight: h.Highlight,
		}
		if id, ok := h.Source["chunk_id"].(string); ok && id != "" {
			hit.ChunkID = id
		}
		if h.Score != nil {
			hit.Score = *h.Score
		}
		if hit.Source == nil {
			hit.Source = types.Source{}
		}
		result.Hits = append(result.Hits, hit)
	}

	if len(resp.Aggregations) > 0 {
		result.Aggregations = make(map[string][]Bucket, len(resp.Aggregations))
		for name, agg := range resp.Aggregations {
			buckets := make([]Bucket, 0, len(agg.Buckets))
			for _, b := range agg.Buckets {
				buckets = append(buckets, Bucket{Key: b.Key, DocCount: b.DocCount})
			}
			result.Aggregations[name] = buckets
		}
	}
	return result, nil
}

// FilterChunkIDs returns the subset of ids whose documents satisfy f.
func (c *Client) FilterChunkIDs(ctx context.Context, ids []string, f types.Filters) (map[string]struct{}, error) {
	allowed := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return allowed, nil
	}

	filter := append(FilterClauses(f), map[string]interface{}{
		"ids": map[string]interface{}{"values": ids},
	})
	body := map[string]interface{}{
		"size":    len(ids),
		"_source": false,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filter},
		},
	}

	var resp searchResponse
	if err := c.search(ctx, "lexical.filter_ids", body, &resp); err != nil {
		return nil, err
	}
	for _, h := range resp.Hits.Hits {
		allowed[h.ID] = struct{}{}
	}
	return allowed, nil
}

// FetchSources loads stored documents by chunk id. Missing ids are absent
// from the result.
func (c *Client) FetchSources(ctx context.Context, ids []string) (map[string]types.Source, error) {
	sources := make(map[string]types.Source, len(ids))
	if len(ids) == 0 {
		return sources, nil
	}

	payload, err := json.Marshal(map[string][]string{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("failed to encode mget body: %w", err)
	}

	var resp struct {
		Docs []struct {
			ID     string       `json:"_id"`
			Found  bool         `json:"found"`
			Source types.Source `json:"_source"`
		} `json:"docs"`
	}
	err = c.call(ctx, "lexical.fetch_sources", func(ctx context.Context) (*opensearchapi.Response, error) {
		return c.os.Mget(bytes.NewReader(payload),
			c.os.Mget.WithIndex(c.index),
			c.os.Mget.WithContext(ctx))
	}, &resp)
	if err != nil {
		return nil, err
	}

	for _, d := range resp.Docs {
		if d.Found && d.Source != nil {
			sources[d.ID] = d.Source
		}
	}
	return sources, nil
}

func (c *Client) search(ctx context.Context, op string, body map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode query: %w", err)
	}
	return c.call(ctx, op, func(ctx context.Context) (*opensearchapi.Response, error) {
		return c.os.Search(
			c.os.Search.WithContext(ctx),
			c.os.Search.WithIndex(c.index),
			c.os.Search.WithBody(bytes.NewReader(payload)),
		)
	}, out)
}

// parseTotal accepts both the object form {"value": n} and a bare number.
func parseTotal(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var obj struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Value, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("unexpected hits.total %s", raw)
	}
	return n, nil
}
