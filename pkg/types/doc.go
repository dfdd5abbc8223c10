// Package types provides shared type definitions for the OpenITI search service.
//
// This package defines domain types used across ingestion and retrieval:
// discovered documents, chunks, search filters, hits, facet buckets and
// reproducibility traces.
//
// # Identifiers
//
// All identifiers derive deterministically from corpus paths so reruns map
// onto the same rows:
//
//	author_id  = "0255Jahiz"
//	work_id    = "0255Jahiz.Hayawan"
//	version_id = "0255Jahiz.Hayawan.Shamela0001234-ara1"
//	chunk_id   = "0255Jahiz.Hayawan.Shamela0001234-ara1::17"
//
// # Error Kinds
//
// Store and pipeline failures are wrapped in *Error with an ErrorKind so
// callers can branch on the failing subsystem:
//
//	res, err := engine.Search(ctx, req)
//	switch types.KindOf(err) {
//	case types.KindValidation:
//	    // client error
//	case types.KindLexical, types.KindVector:
//	    // service unavailable
//	}
//
// The hybrid searcher relies on this to degrade on vector failures while
// propagating lexical ones.
package types
