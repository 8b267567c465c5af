package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server wraps the MCP server with its tool dependencies.
type Server struct {
	server *mcp.Server
}

// Config holds server dependencies.
type Config struct {
	Search     Searcher
	Documents  DocumentGetter
	Digest     DigestBuilder
	Status     StatusSource
	Provenance string
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	impl := &mcp.Implementation{
		Name:    "paper-digest-server",
		Version: "v0.1.0",
	}

	server := mcp.NewServer(impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_papers",
		Description: "Search indexed research papers by semantic similarity. Returns one entry per paper with its best matching excerpt. Use get_paper for full metadata.",
	}, makeSearchHandler(cfg.Search))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_paper",
		Description: "Retrieve a research paper by id, including its structured summary.",
	}, makeGetPaperHandler(cfg.Documents))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "rank_papers",
		Description: "Preview a digest: rank this week's processed papers by keyword preferences.",
	}, makeRankHandler(cfg.Digest, now))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_index_status",
		Description: "Get paper counts per pipeline stage, the active embedding provenance and the last embedding run.",
	}, makeStatusHandler(cfg.Status, cfg.Provenance))

	return &Server{server: server}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
// Used by transport handlers that need to wrap the server.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
