package lexical

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"go.uber.org/zap"

	"github.com/dshills/openiti-search/pkg/types"
)

// DocumentType marks passage documents in the index.
const DocumentType = "Passage"

// maxBulkSamples bounds the item errors kept on a BulkError.
const maxBulkSamples = 3

// Document is one chunk as stored in the lexical index. Its _id is ChunkID.
type Document struct {
	ChunkID       string   `json:"chunk_id"`
	WorkID        string   `json:"work_id"`
	VersionID     string   `json:"version_id"`
	AuthorID      string   `json:"author_id"`
	Lang          string   `json:"lang"`
	IsPri         bool     `json:"is_pri"`
	Title         *string  `json:"title"`
	Content       string   `json:"content"`
	AuthorNameAr  string   `json:"author_name_ar,omitempty"`
	AuthorNameLat string   `json:"author_name_lat,omitempty"`
	WorkTitleAr   string   `json:"work_title_ar,omitempty"`
	WorkTitleLat  string   `json:"work_title_lat,omitempty"`
	DateAH        *int     `json:"date_ah,omitempty"`
	DateCE        *int     `json:"date_ce,omitempty"`
	Period        string   `json:"period,omitempty"`
	PeriodTag     string   `json:"period_tag,omitempty"`
	Region        []string `json:"region"`
	Tags          []string `json:"tags"`
	VersionLabel  string   `json:"version_label,omitempty"`
	Type          string   `json:"type"`
}

// BulkError reports item-level failures of an otherwise accepted bulk request.
type BulkError struct {
	Failed  int
	Samples []string
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("bulk indexing had %d failed items, sample: [%s]", e.Failed, strings.Join(e.Samples, "; "))
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error,omitempty"`
	} `json:"items"`
}

// BulkIndex writes docs as index actions keyed by chunk id. Item failures
// are returned as a *BulkError wrapped in a lexical error.
func (c *Client) BulkIndex(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range docs {
		d := docs[i]
		if d.Type == "" {
			d.Type = DocumentType
		}
		if d.Region == nil {
			d.Region = []string{}
		}
		if d.Tags == nil {
			d.Tags = []string{}
		}
		action := map[string]map[string]string{"index": {"_index": c.index, "_id": d.ChunkID}}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("failed to encode document %s: %w", d.ChunkID, err)
		}
	}

	var resp bulkResponse
	err := c.call(ctx, "lexical.bulk", func(ctx context.Context) (*opensearchapi.Response, error) {
		return c.os.Bulk(bytes.NewReader(buf.Bytes()), c.os.Bulk.WithContext(ctx))
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Errors {
		c.logger.Debug("bulk indexed", zap.Int("documents", len(docs)))
		return nil
	}

	return types.E(types.KindLexical, "lexical.bulk", resp.itemErrors())
}

// DeleteDocuments removes documents by chunk id. Ids that are not in the
// index are skipped.
func (c *Client) DeleteDocuments(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range chunkIDs {
		action := map[string]map[string]string{"delete": {"_index": c.index, "_id": id}}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("failed to encode bulk action: %w", err)
		}
	}

	var resp bulkResponse
	err := c.call(ctx, "lexical.delete", func(ctx context.Context) (*opensearchapi.Response, error) {
		return c.os.Bulk(bytes.NewReader(buf.Bytes()), c.os.Bulk.WithContext(ctx))
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Errors {
		c.logger.Debug("bulk deleted", zap.Int("documents", len(chunkIDs)))
		return nil
	}
	return types.E(types.KindLexical, "lexical.delete", resp.itemErrors())
}

func (r *bulkResponse) itemErrors() *BulkError {
	bulkErr := &BulkError{}
	for _, item := range r.Items {
		for _, result := range item {
			if len(result.Error) == 0 || string(result.Error) == "null" {
				continue
			}
			bulkErr.Failed++
			if len(bulkErr.Samples) < maxBulkSamples {
				bulkErr.Samples = append(bulkErr.Samples, fmt.Sprintf("%s: %s", result.ID, result.Error))
			}
		}
	}
	return bulkErr
}
