// Package mcp exposes the search service as Model Context Protocol tools
// over stdio.
//
// Tools:
//   - search_corpus: lexical, vector or hybrid passage search with facets
//   - get_chunk: one passage with its neighbours
//   - embed_texts: unit vectors from the configured embedding model
//   - ingest_corpus: run a full corpus ingestion
//   - get_status: ingest progress and recent failures
//   - health: store reachability
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Logs go to stderr; stdout carries only protocol messages.
//
// # Tool: search_corpus
//
//	Request:
//	{
//	  "name": "search_corpus",
//	  "arguments": {
//	    "q": "الحيوان",
//	    "mode": "hybrid",
//	    "size": 10,
//	    "langs": "ara",
//	    "period": "Abbasid"
//	  }
//	}
//
// The result is the search response as JSON: requested and effective
// mode, warnings, total, results with sanitized highlights, facets and
// the model trace. When the vector side fails during a hybrid query the
// response carries the warning "vector_unavailable_fallback_lexical".
//
// # Error Handling
//
// Failures are returned as MCPError values:
//   - -32602: invalid params
//   - -32603: internal error
//   - -32001: chunk not found
//   - -32002: ingestion already running
//   - -32003: a backing store or the embedder is unavailable
//   - -32004: empty query
package mcp
