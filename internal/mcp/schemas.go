package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func stringProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}

// searchCorpusTool returns the tool definition for search_corpus
func searchCorpusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_corpus",
		Description: "Search OpenITI passages with lexical, vector or hybrid retrieval and facet filters",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"q": stringProperty("Query text in Arabic or Persian script (max 256 characters)"),
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "Retrieval mode; bm25 is an alias of lexical",
					"enum":        []string{"lexical", "bm25", "vector", "hybrid"},
					"default":     "lexical",
				},
				"tier": map[string]interface{}{
					"type":        "string",
					"description": "Lexical query tier",
					"enum":        []string{"baseline", "normalized", "variant_aware", "full_pipeline"},
				},
				"page": map[string]interface{}{
					"type":        "integer",
					"description": "1-based result page",
					"default":     1,
					"minimum":     1,
				},
				"size": map[string]interface{}{
					"type":        "integer",
					"description": "Results per page (1-100)",
					"default":     20,
					"minimum":     1,
					"maximum":     100,
				},
				"pri_only": map[string]interface{}{
					"type":        "boolean",
					"description": "Only search primary (PRI) versions",
					"default":     true,
				},
				"langs":   stringProperty("Comma-separated language codes (ara, per)"),
				"period":  stringProperty("Comma-separated period facet keys"),
				"region":  stringProperty("Comma-separated region facet keys"),
				"tags":    stringProperty("Comma-separated tag facet keys"),
				"version": stringProperty("Comma-separated version labels (PRI, ALT)"),
			},
			Required: []string{"q"},
		},
	}
}

// getChunkTool returns the tool definition for get_chunk
func getChunkTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_chunk",
		Description: "Fetch one stored passage with its heading context and neighbouring chunk ids",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"chunk_id": stringProperty("Chunk id as returned by search_corpus"),
			},
			Required: []string{"chunk_id"},
		},
	}
}

// embedTextsTool returns the tool definition for embed_texts
func embedTextsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "embed_texts",
		Description: "Embed short texts with the configured model and return unit vectors",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"texts": map[string]interface{}{
					"type":        "array",
					"description": "Texts to embed (at most 32, each at most 256 characters)",
					"items":       map[string]interface{}{"type": "string"},
					"minItems":    1,
					"maxItems":    32,
				},
				"input_type": map[string]interface{}{
					"type":        "string",
					"description": "Embedding role prefix",
					"enum":        []string{"query", "passage"},
					"default":     "passage",
				},
			},
			Required: []string{"texts"},
		},
	}
}

// ingestCorpusTool returns the tool definition for ingest_corpus
func ingestCorpusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ingest_corpus",
		Description: "Discover, chunk and index the configured corpus into the catalog and search stores",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report catalog counts, per-status ingest counts and recent failures",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// healthTool returns the tool definition for health
func healthTool() mcp.Tool {
	return mcp.Tool{
		Name:        "health",
		Description: "Check that the catalog, lexical and vector stores answer",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
