package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dyngate/dyngate/internal/store"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// dyngate://entities — full listing of cached data entities
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			"dyngate://entities",
			"D365 Data Entities",
			mcp.WithResourceDescription(
				"Every data entity in the metadata cache with its queryable "+
					"entity set name and description.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleEntitiesResource,
	)

	// -------------------------------------------------------------------
	// dyngate://sync-status — scheduler state
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			"dyngate://sync-status",
			"Metadata Sync Status",
			mcp.WithResourceDescription(
				"Current state of the background metadata sync: last success, "+
					"failure streak, and cached entity/enum counts.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleSyncStatusResource,
	)

	// -------------------------------------------------------------------
	// dyngate://entity/{name} — full metadata for one entity (template)
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"dyngate://entity/{name}",
			"Entity Metadata",
			mcp.WithTemplateDescription(
				"Full metadata for one data entity: fields, key fields, and "+
					"navigation properties. Accepts the type name or the set name.",
			),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleEntityResource,
	)
}

// handleEntitiesResource returns the full entity listing.
func (s *MCPServer) handleEntitiesResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	entities, err := s.store.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	b, err := json.MarshalIndent(entities, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entities: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "dyngate://entities",
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

// handleSyncStatusResource returns the scheduler's observable state.
func (s *MCPServer) handleSyncStatusResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	b, err := json.MarshalIndent(s.syncer.Status(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync status: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "dyngate://sync-status",
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

// handleEntityResource returns full metadata for one entity.
func (s *MCPServer) handleEntityResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	name := strings.TrimPrefix(uri, "dyngate://entity/")
	if name == "" || name == uri {
		return nil, fmt.Errorf("invalid entity URI %q: expected dyngate://entity/{name}", uri)
	}

	meta, err := s.store.GetEntityMetadata(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("entity %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata for %q: %w", name, err)
	}

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
