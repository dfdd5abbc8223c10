// Package lexical stores and queries chunk documents in OpenSearch.
//
// Documents are indexed in bulk, keyed by chunk id. Queries come in four
// tiers (baseline, normalized, variant_aware, full_pipeline) that differ in
// which analyzed content subfields they target and whether spelling
// variants and expansions are added as should clauses. All tiers share one
// filter predicate built by FilterClauses.
//
// Every failure is returned as a types.Error of kind KindLexical.
package lexical
