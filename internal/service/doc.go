// Package service is the operation surface of the search system: search,
// chunk lookup, embedding, health, status and ingestion. The MCP tools and
// the CLI both call it, so argument validation and error classification
// live here once.
//
// Every error returned carries a types.ErrorKind; ClassOf turns it into
// the client, not-found, conflict, unavailable or internal class that the
// transports report.
package service
