// Package mcp exposes the cached D365 metadata and the OData data surface as
// MCP tools and resources.
package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dyngate/dyngate/internal/d365"
	"github.com/dyngate/dyngate/internal/metadata"
	"github.com/dyngate/dyngate/internal/store"
)

// DataClient is the slice of the D365 client the data tools consume.
type DataClient interface {
	GetEntity(ctx context.Context, entitySet, query string, mode d365.CompanyMode) (map[string]any, error)
	CreateEntity(ctx context.Context, entitySet string, record map[string]any, company string) (map[string]any, error)
	UpdateEntity(ctx context.Context, entitySet string, keys map[string]string, changes map[string]any) error
	DeleteEntity(ctx context.Context, entitySet string, keys map[string]string) error
}

// MCPServer wraps the mcp-go server with the dyngate tool and resource
// registrations: metadata discovery over the local cache, OData CRUD against
// the live environment, sync control, and entity instructions.
type MCPServer struct {
	store  *store.Store
	client DataClient
	syncer *metadata.Syncer
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer pre-loaded with all dyngate tools and
// resources. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(st *store.Store, client DataClient, syncer *metadata.Syncer, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:  st,
		client: client,
		syncer: syncer,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"Dynamics 365 Metadata Gateway",
		"0.1.0",
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance. Useful for
// advanced configuration or testing.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode. This is the primary
// integration path for MCP clients that launch the server as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// StreamableHTTPHandler returns the Streamable HTTP handler for mounting
// into an HTTP router, used when serving remote MCP clients.
func (s *MCPServer) StreamableHTTPHandler() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.server)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
