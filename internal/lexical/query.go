package lexical

import (
	"fmt"

	"github.com/dshills/openiti-search/pkg/types"
)

// Tier selects how much query processing the lexical query applies.
type Tier string

const (
	TierBaseline     Tier = "baseline"
	TierNormalized   Tier = "normalized"
	TierVariantAware Tier = "variant_aware"
	TierFullPipeline Tier = "full_pipeline"
)

// ParseTier validates a tier name. Empty selects the full pipeline.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "":
		return TierFullPipeline, nil
	case TierBaseline, TierNormalized, TierVariantAware, TierFullPipeline:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown query tier %q", s)
}

// facetFields maps facet names to the keyword fields they aggregate.
var facetFields = []struct{ name, field string }{
	{"period", "period"},
	{"region", "region"},
	{"tags", "tags"},
	{"lang", "lang"},
	{"version", "version_label"},
}

// facetBucketLimit bounds the buckets returned per facet.
const facetBucketLimit = 50

// Query describes one lexical search. Variants and Expansions are expected
// to be normalized already.
type Query struct {
	Text       string
	Normalized string
	Variants   []string
	Expansions []string
	Tier       Tier
	Filters    types.Filters
	From       int
	Size       int
	WithAggs   bool
}

// BuildQuery renders q as an OpenSearch search body.
func BuildQuery(q Query) map[string]interface{} {
	body := map[string]interface{}{
		"from":             q.From,
		"size":             q.Size,
		"track_total_hits": true,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   []interface{}{tierClause(q)},
				"filter": FilterClauses(q.Filters),
			},
		},
		"highlight": map[string]interface{}{
			"fields": map[string]interface{}{
				"content":        map[string]interface{}{},
				"content.nostem": map[string]interface{}{},
			},
		},
	}
	if q.WithAggs {
		body["aggs"] = facetAggs()
	}
	return body
}

func tierClause(q Query) map[string]interface{} {
	normalized := q.Normalized
	if normalized == "" {
		normalized = q.Text
	}

	switch q.Tier {
	case TierBaseline:
		return multiMatch(q.Text, "title^2", "content.exact^4")

	case TierNormalized:
		return multiMatch(normalized, "title^2", "content.nostem^4", "content.exact^2")

	case TierVariantAware:
		should := []interface{}{
			multiMatch(normalized, "title^2", "content^4", "content.nostem^3", "content.persian^2", "content.exact^1"),
		}
		for _, v := range distinctTerms(normalized, q.Variants) {
			should = append(should, multiMatch(v, "content^3", "content.nostem^2", "content.persian^2"))
		}
		return shouldClause(should)

	default:
		should := []interface{}{
			multiMatch(normalized, "title^3", "content^5", "content.nostem^4", "content.persian^3", "content.exact^2"),
		}
		terms := append(append([]string{}, q.Variants...), q.Expansions...)
		for _, v := range distinctTerms(normalized, terms) {
			should = append(should, multiMatch(v, "title^1", "content^3", "content.nostem^3", "content.persian^2"))
		}
		return shouldClause(should)
	}
}

func multiMatch(query string, fields ...string) map[string]interface{} {
	return map[string]interface{}{
		"multi_match": map[string]interface{}{
			"query":    query,
			"type":     "best_fields",
			"operator": "or",
			"fields":   fields,
		},
	}
}

func shouldClause(should []interface{}) map[string]interface{} {
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"should":               should,
			"minimum_should_match": 1,
		},
	}
}

// distinctTerms drops empty terms, duplicates and the main query itself.
func distinctTerms(main string, terms []string) []string {
	seen := map[string]struct{}{main: {}}
	var out []string
	for _, t := range terms {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// FilterClauses renders the shared filter predicate. Every retriever and
// the re-verification step use the same clauses.
func FilterClauses(f types.Filters) []interface{} {
	clauses := []interface{}{}
	if f.PrimaryOnly {
		clauses = append(clauses, map[string]interface{}{
			"term": map[string]interface{}{"is_pri": true},
		})
	}
	terms := []struct {
		field  string
		values []string
	}{
		{"lang", f.Langs},
		{"period", f.Periods},
		{"region", f.Regions},
		{"tags", f.Tags},
		{"version_label", f.VersionLabels},
	}
	for _, t := range terms {
		if len(t.values) == 0 {
			continue
		}
		clauses = append(clauses, map[string]interface{}{
			"terms": map[string]interface{}{t.field: t.values},
		})
	}
	return clauses
}

func facetAggs() map[string]interface{} {
	aggs := make(map[string]interface{}, len(facetFields))
	for _, f := range facetFields {
		aggs[f.name] = map[string]interface{}{
			"terms": map[string]interface{}{"field": f.field, "size": facetBucketLimit},
		}
	}
	return aggs
}
