// Package vector stores and searches chunk embeddings in a Qdrant
// collection over gRPC.
//
// Point ids are derived from chunk ids with PointID so re-ingesting a chunk
// overwrites its point. Payloads mirror the lexical filter fields, and
// BuildFilter renders the same predicate the lexical store applies.
//
// Every failure is returned as a types.Error of kind KindVector.
package vector
