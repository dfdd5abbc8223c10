// Package facets turns lexical aggregation buckets into labelled facet
// lists for search responses.
package facets

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dshills/openiti-search/internal/lexical"
	"github.com/dshills/openiti-search/pkg/types"
)

// Names lists the facets every lexical response carries, in display order.
var Names = []string{"period", "region", "tags", "lang", "version"}

// Labels maps (facet, key) to a display label. The zero value and a nil
// *Labels label every key with itself.
type Labels struct {
	byFacet map[string]map[string]string
}

// NewLabels builds a table from facet -> key -> label.
func NewLabels(table map[string]map[string]string) *Labels {
	l := &Labels{byFacet: make(map[string]map[string]string, len(table))}
	for facet, keys := range table {
		inner := make(map[string]string, len(keys))
		for k, v := range keys {
			inner[k] = v
		}
		l.byFacet[facet] = inner
	}
	return l
}

// LoadLabels reads a facet label CSV. A missing file or empty path yields an
// empty table.
func LoadLabels(path string) (*Labels, error) {
	if path == "" {
		return NewLabels(nil), nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewLabels(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open facet labels: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ParseLabels(f)
}

// ParseLabels parses CSV with a header naming facet, key, label_en and
// optionally active. Rows that are inactive or miss a field are skipped.
func ParseLabels(r io.Reader) (*Labels, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return NewLabels(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read facet labels header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}

	table := make(map[string]map[string]string)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read facet labels row: %w", err)
		}
		get := func(name, fallback string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return fallback
			}
			return strings.TrimSpace(record[i])
		}

		if !active(get("active", "true")) {
			continue
		}
		facet, key, label := get("facet", ""), get("key", ""), get("label_en", "")
		if facet == "" || key == "" || label == "" {
			continue
		}
		if table[facet] == nil {
			table[facet] = make(map[string]string)
		}
		table[facet][key] = label
	}
	return &Labels{byFacet: table}, nil
}

func active(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Label returns the label for key within facet, or key itself.
func (l *Labels) Label(facet, key string) string {
	if l == nil {
		return key
	}
	if label, ok := l.byFacet[facet][key]; ok {
		return label
	}
	return key
}

// Len returns the number of labelled keys across all facets.
func (l *Labels) Len() int {
	if l == nil {
		return 0
	}
	n := 0
	for _, keys := range l.byFacet {
		n += len(keys)
	}
	return n
}

// Build labels the aggregation buckets of every facet in Names. Facets
// without an aggregation get an empty list; buckets keep their order and
// buckets with a nil key are dropped.
func (l *Labels) Build(aggs map[string][]lexical.Bucket) map[string][]types.FacetBucket {
	out := make(map[string][]types.FacetBucket, len(Names))
	for _, name := range Names {
		buckets := aggs[name]
		list := make([]types.FacetBucket, 0, len(buckets))
		for _, b := range buckets {
			if b.Key == nil {
				continue
			}
			key := fmt.Sprint(b.Key)
			list = append(list, types.FacetBucket{
				Key:   key,
				Label: l.Label(name, key),
				Count: b.DocCount,
			})
		}
		out[name] = list
	}
	return out
}
