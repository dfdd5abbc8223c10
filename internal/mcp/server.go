package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dshills/openiti-search/internal/ingest"
	"github.com/dshills/openiti-search/internal/searcher"
	"github.com/dshills/openiti-search/internal/service"
)

const (
	// ServerName is the MCP server name
	ServerName = "openiti-search"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Operations is the service surface the tools call.
type Operations interface {
	Search(ctx context.Context, p service.SearchParams) (*searcher.Response, error)
	GetChunk(ctx context.Context, chunkID string) (*service.Chunk, error)
	Embed(ctx context.Context, texts []string, role string) (*service.EmbedResult, error)
	Ingest(ctx context.Context) (*ingest.Statistics, error)
	Status(ctx context.Context) (*service.StatusReport, error)
	Health(ctx context.Context) *service.Health
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp    *server.MCPServer
	ops    Operations
	logger *zap.Logger
}

// NewServer creates a new MCP server instance over ops.
func NewServer(ops Operations, version string, logger *zap.Logger) (*Server, error) {
	if ops == nil {
		return nil, errors.New("operations are required")
	}
	if version == "" {
		version = ServerVersion
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp:    server.NewMCPServer(ServerName, version),
		ops:    ops,
		logger: logger,
	}
	s.registerTools()
	return s, nil
}

// Serve starts the MCP server on stdio and blocks until shutdown
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio")
	return server.ServeStdio(s.mcp)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(searchCorpusTool(), s.handleSearchCorpus)
	s.mcp.AddTool(getChunkTool(), s.handleGetChunk)
	s.mcp.AddTool(embedTextsTool(), s.handleEmbedTexts)
	s.mcp.AddTool(ingestCorpusTool(), s.handleIngestCorpus)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
	s.mcp.AddTool(healthTool(), s.handleHealth)
}
