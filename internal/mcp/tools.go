package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/dshills/openiti-search/internal/service"
)

// MCP error codes
const (
	ErrorCodeInvalidParams    = -32602 // Invalid method parameters
	ErrorCodeInternalError    = -32603 // Internal JSON-RPC error
	ErrorCodeNotFound         = -32001 // Requested chunk does not exist
	ErrorCodeIngestInProgress = -32002 // Another ingest run is already running
	ErrorCodeUnavailable      = -32003 // A backing store or the embedder is down
	ErrorCodeEmptyQuery       = -32004 // Query parameter is empty
)

// handleSearchCorpus handles the search_corpus tool invocation
func (s *Server) handleSearchCorpus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	query, ok := args["q"].(string)
	if !ok || query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "q parameter is required and cannot be empty", map[string]interface{}{
			"param":  "q",
			"reason": "missing or empty",
		})
	}

	params := service.SearchParams{
		Query:   query,
		Mode:    getStringDefault(args, "mode", ""),
		Tier:    getStringDefault(args, "tier", ""),
		Page:    getIntDefault(args, "page", 0),
		Size:    getIntDefault(args, "size", 0),
		Langs:   getStringDefault(args, "langs", ""),
		Period:  getStringDefault(args, "period", ""),
		Region:  getStringDefault(args, "region", ""),
		Tags:    getStringDefault(args, "tags", ""),
		Version: getStringDefault(args, "version", ""),
	}
	if v, ok := args["pri_only"].(bool); ok {
		params.PriOnly = &v
	}

	resp, err := s.ops.Search(ctx, params)
	if err != nil {
		return nil, s.toolError("search failed", err)
	}
	return mcp.NewToolResultText(formatJSON(resp)), nil
}

// handleGetChunk handles the get_chunk tool invocation
func (s *Server) handleGetChunk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	id, ok := args["chunk_id"].(string)
	if !ok || id == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "chunk_id parameter is required", map[string]interface{}{
			"param":  "chunk_id",
			"reason": "missing or empty",
		})
	}

	chunk, err := s.ops.GetChunk(ctx, id)
	if err != nil {
		return nil, s.toolError("chunk lookup failed", err)
	}
	return mcp.NewToolResultText(formatJSON(chunk)), nil
}

// handleEmbedTexts handles the embed_texts tool invocation
func (s *Server) handleEmbedTexts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	texts, err := getStringSlice(args, "texts")
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "texts must be an array of strings", map[string]interface{}{
			"param":  "texts",
			"reason": err.Error(),
		})
	}

	res, err := s.ops.Embed(ctx, texts, getStringDefault(args, "input_type", ""))
	if err != nil {
		return nil, s.toolError("embedding failed", err)
	}
	return mcp.NewToolResultText(formatJSON(res)), nil
}

// handleIngestCorpus handles the ingest_corpus tool invocation
func (s *Server) handleIngestCorpus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.ops.Ingest(ctx)
	if err != nil {
		return nil, s.toolError("ingestion failed", err)
	}

	response := map[string]interface{}{
		"run_id":         stats.RunID,
		"discovered":     stats.Discovered,
		"completed":      stats.Completed,
		"failed":         stats.Failed,
		"chunks_indexed": stats.Chunks,
		"duration_ms":    stats.Duration.Milliseconds(),
	}
	if len(stats.Failures) > 0 {
		// Include first few failures
		failures := stats.Failures
		if len(failures) > 5 {
			failures = failures[:5]
			response["failure_count"] = len(stats.Failures)
		}
		list := make([]map[string]string, len(failures))
		for i, f := range failures {
			list[i] = map[string]string{"version_id": f.VersionID, "error": f.Error}
		}
		response["failures"] = list
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.ops.Status(ctx)
	if err != nil {
		return nil, s.toolError("failed to get status", err)
	}
	return mcp.NewToolResultText(formatJSON(report)), nil
}

// handleHealth handles the health tool invocation
func (s *Server) handleHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(formatJSON(s.ops.Health(ctx))), nil
}

// Helper functions

// toolError maps a service error to an MCP error code.
func (s *Server) toolError(message string, err error) error {
	class := service.ClassOf(err)
	code := ErrorCodeInternalError
	switch class {
	case service.ClassClient:
		code = ErrorCodeInvalidParams
	case service.ClassNotFound:
		code = ErrorCodeNotFound
	case service.ClassConflict:
		code = ErrorCodeIngestInProgress
	case service.ClassUnavailable:
		code = ErrorCodeUnavailable
	}
	if code == ErrorCodeInternalError || code == ErrorCodeUnavailable {
		s.logger.Error(message, zap.String("class", string(class)), zap.Error(err))
	}
	return newMCPError(code, message, map[string]interface{}{
		"class": string(class),
		"error": err.Error(),
	})
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// arguments extracts the argument object; a call without arguments is an
// empty object.
func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// formatJSON formats data as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to format JSON: %s"}`, err.Error())
	}
	return string(bytes)
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// getStringSlice extracts a required array of strings.
func getStringSlice(args map[string]interface{}, key string) ([]string, error) {
	switch v := args[key].(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("item %d is %T, not a string", i, item)
			}
			out[i] = str
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("%s is required", key)
	default:
		return nil, fmt.Errorf("%s is %T, not an array", key, v)
	}
}
