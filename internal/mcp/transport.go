package mcp

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// HTTPHandlerOptions configures the HTTP transport behavior.
type HTTPHandlerOptions struct {
	// Stateless disables session management. The paper tools never call
	// back into the client, so the server runs stateless by default.
	Stateless bool
}

// NewHTTPHandler serves the MCP server over Streamable HTTP. Mount it on a
// mux path such as "/mcp". A nil opts runs stateless.
func NewHTTPHandler(server *Server, opts *HTTPHandlerOptions) http.Handler {
	if opts == nil {
		opts = &HTTPHandlerOptions{Stateless: true}
	}

	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return server.MCPServer()
	}, &mcp.StreamableHTTPOptions{
		Stateless: opts.Stateless,
	})
}

// NewMux routes /mcp to the MCP handler and /health to the health check.
func NewMux(server *Server, health http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health)
	mux.Handle("/mcp", NewHTTPHandler(server, nil))
	return mux
}
