// Package searcher answers corpus queries over the lexical index, the
// vector store, or both fused with Reciprocal Rank Fusion.
//
// # Basic Usage
//
//	engine, err := searcher.New(searcher.Deps{
//	    Lexical:    lexClient,
//	    Vector:     vecClient,
//	    Embedder:   emb,
//	    Normalizer: norm,
//	    Labels:     labels,
//	}, cfg.Search, cfg.Hybrid, logger)
//
//	resp, err := engine.Search(ctx, searcher.Request{
//	    Query:   "كتاب الحيوان",
//	    Mode:    types.ModeHybrid,
//	    Filters: types.Filters{PrimaryOnly: true, Langs: []string{"ara"}},
//	    Page:    1,
//	    Size:    20,
//	})
//
// # Search Modes
//
// Lexical (default, also accepted as "bm25"):
//
//   - One OpenSearch query per page, built for the requested tier
//   - Facet aggregations and sanitized highlights
//
// Vector:
//
//   - The query is embedded with the query role
//   - Nearest neighbours and an exact count under the same filters
//   - Hits are re-checked against the lexical filters, then hydrated from
//     lexical sources with the vector payload as fallback
//   - Failures are returned; there is no fallback
//
// Hybrid:
//
//   - Lexical and vector candidates are fetched concurrently, each
//     clamp(page*size*multiplier, min, max) deep
//   - RRF score = Σ 1/(k + rank), ties broken by chunk id
//   - total = max(lexical total, vector total)
//   - Any vector-side failure re-runs the lexical page query and reports
//     effective_mode "lexical" with warning vector_unavailable_fallback_lexical
//   - Lexical failures are returned as-is
//
// # Query Lexicon
//
// search.variants and search.expansions map a term to alternatives. Keys
// and values are normalized once at construction; the whole query and
// each of its words are looked up. Request.Variants and Request.Expansions
// replace the lexicon for one query.
//
// # Caching
//
// Responses are cached in an LRU keyed by a SHA-256 of the validated
// request, for search.cache_ttl. Degraded responses are never cached.
// InvalidateCache drops everything and is called after ingestion.
package searcher
