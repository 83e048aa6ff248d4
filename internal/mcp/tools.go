package mcp

import (
	"context"
	"errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dyngate/dyngate/internal/d365"
	"github.com/dyngate/dyngate/internal/metadata"
	"github.com/dyngate/dyngate/internal/model"
	"github.com/dyngate/dyngate/internal/store"
)

// registerTools registers all dyngate MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Metadata discovery tools -----

	srv.AddTool(
		mcp.NewTool("dyngate_search_entities",
			mcp.WithDescription(
				"Search D365 data entities by name. Matches are scored: exact name "+
					"match first, then prefix matches, then substring matches. Returns "+
					"each entity's type name, its queryable entity set name, and a "+
					"description. Use this first to find the right entity before "+
					"fetching metadata or querying data.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("pattern",
				mcp.Required(),
				mcp.Description("Name or name fragment to search for (e.g. \"Customer\")"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of matches to return (default 20, max 100)"),
			),
			mcp.WithNumber("skip",
				mcp.Description("Number of matches to skip for pagination"),
			),
		),
		s.handleSearchEntities,
	)

	srv.AddTool(
		mcp.NewTool("dyngate_get_entity_metadata",
			mcp.WithDescription(
				"Get the full metadata for one D365 data entity: every field with its "+
					"type and constraints, the key fields, and navigation properties to "+
					"related entities. Accepts either the entity type name or the entity "+
					"set name. Use the entity set name from the response when querying data.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("entity_name",
				mcp.Required(),
				mcp.Description("Entity type name or entity set name (e.g. \"CustomerV3\" or \"CustomersV3\")"),
			),
		),
		s.handleGetEntityMetadata,
	)

	srv.AddTool(
		mcp.NewTool("dyngate_list_entities",
			mcp.WithDescription(
				"List every D365 data entity in the metadata cache with its queryable "+
					"entity set name. The list is large; prefer dyngate_search_entities "+
					"when you know roughly what you are looking for.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListEntities,
	)

	srv.AddTool(
		mcp.NewTool("dyngate_search_enums",
			mcp.WithDescription(
				"Search D365 enumeration types by name, scored the same way as entity "+
					"search. Enum fields in OData filters need the fully qualified member "+
					"syntax; use dyngate_get_enum_metadata to get it.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("pattern",
				mcp.Required(),
				mcp.Description("Name or name fragment to search for (e.g. \"NoYes\")"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of matches to return (default 20, max 100)"),
			),
			mcp.WithNumber("skip",
				mcp.Description("Number of matches to skip for pagination"),
			),
		),
		s.handleSearchEnums,
	)

	srv.AddTool(
		mcp.NewTool("dyngate_get_enum_metadata",
			mcp.WithDescription(
				"Get all members of a D365 enumeration type, each with its value and "+
					"the fully qualified OData syntax needed in $filter expressions "+
					"(e.g. Microsoft.Dynamics.DataEntities.NoYes'Yes').",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("enum_name",
				mcp.Required(),
				mcp.Description("Enumeration type name (e.g. \"NoYes\")"),
			),
		),
		s.handleGetEnumMetadata,
	)

	srv.AddTool(
		mcp.NewTool("dyngate_get_entity_enum_fields",
			mcp.WithDescription(
				"List the enum-typed fields of one entity with each field's enum type "+
					"and OData member syntax. Use this before writing $filter expressions "+
					"against enum fields.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("entity_name",
				mcp.Required(),
				mcp.Description("Entity type name or entity set name"),
			),
		),
		s.handleGetEntityEnumFields,
	)

	// ----- OData data tools -----

	srv.AddTool(
		mcp.NewTool("dyngate_get_odata_entity",
			mcp.WithDescription(
				"Query records from a D365 OData entity set with standard OData query "+
					"parameters ($filter, $select, $top, $orderby...). Company scoping is "+
					"automatic: a dataAreaId filter in the query targets that company; no "+
					"filter queries all companies. Enum values in $filter need the fully "+
					"qualified syntax from dyngate_get_enum_metadata.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("entity_set",
				mcp.Required(),
				mcp.Description("Entity set name from entity metadata (e.g. \"CustomersV3\")"),
			),
			mcp.WithString("query",
				mcp.Description("OData query string (e.g. \"$filter=dataAreaId eq 'usmf'&$top=10\")"),
			),
			mcp.WithString("company_mode",
				mcp.Description("Company scoping: auto (default), default, specific, or all"),
			),
		),
		s.handleGetODataEntity,
	)

	srv.AddTool(
		mcp.NewTool("dyngate_create_odata_entity",
			mcp.WithDescription(
				"Create one record in a D365 OData entity set. The record object maps "+
					"field names to values; check dyngate_get_entity_metadata for required "+
					"fields. dataAreaId defaults to the configured company when omitted.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("entity_set",
				mcp.Required(),
				mcp.Description("Entity set name to create the record in"),
			),
			mcp.WithObject("record",
				mcp.Required(),
				mcp.Description("Field values for the new record (e.g. {\"CustomerAccount\": \"C-001\"})"),
			),
			mcp.WithString("company",
				mcp.Description("Legal entity ID to create the record in (defaults to the configured company)"),
			),
		),
		s.handleCreateODataEntity,
	)

	srv.AddTool(
		mcp.NewTool("dyngate_update_odata_entity",
			mcp.WithDescription(
				"Update one record in a D365 OData entity set, addressed by its key "+
					"fields. Only the fields present in changes are modified. Key fields "+
					"usually include dataAreaId plus the entity's natural key; see "+
					"key_fields in dyngate_get_entity_metadata.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("entity_set",
				mcp.Required(),
				mcp.Description("Entity set name containing the record"),
			),
			mcp.WithObject("keys",
				mcp.Required(),
				mcp.Description("Key field values identifying the record (e.g. {\"dataAreaId\": \"usmf\", \"CustomerAccount\": \"C-001\"})"),
			),
			mcp.WithObject("changes",
				mcp.Required(),
				mcp.Description("Field values to set"),
			),
		),
		s.handleUpdateODataEntity,
	)

	srv.AddTool(
		mcp.NewTool("dyngate_delete_odata_entity",
			mcp.WithDescription(
				"Delete one record from a D365 OData entity set, addressed by its key "+
					"fields.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("entity_set",
				mcp.Required(),
				mcp.Description("Entity set name containing the record"),
			),
			mcp.WithObject("keys",
				mcp.Required(),
				mcp.Description("Key field values identifying the record"),
			),
		),
		s.handleDeleteODataEntity,
	)

	// ----- Sync control tools -----

	srv.AddTool(
		mcp.NewTool("dyngate_sync_now",
			mcp.WithDescription(
				"Force an immediate metadata sync from the D365 environment, replacing "+
					"the entire local cache. Takes a minute or more against a full "+
					"environment; only needed after environment schema changes.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
		),
		s.handleSyncNow,
	)

	srv.AddTool(
		mcp.NewTool("dyngate_sync_status",
			mcp.WithDescription(
				"Report the metadata sync scheduler's state: whether a sync is running, "+
					"when the last one succeeded, failure streak, and cached entity/enum counts.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleSyncStatus,
	)

	// ----- Instruction tools -----

	srv.AddTool(
		mcp.NewTool("dyngate_get_entity_instructions",
			mcp.WithDescription(
				"Get curated usage instructions for an entity, if any have been saved. "+
					"Returns operation-specific guidance plus general guidance. Check this "+
					"before non-trivial create or update operations.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("entity_name",
				mcp.Required(),
				mcp.Description("Entity name the instructions apply to"),
			),
			mcp.WithString("operation_type",
				mcp.Description("Operation to get guidance for: query, create, update, delete, or general. Omit for all."),
			),
		),
		s.handleGetEntityInstructions,
	)

	srv.AddTool(
		mcp.NewTool("dyngate_save_entity_instruction",
			mcp.WithDescription(
				"Save usage instructions for an entity and operation, for future "+
					"sessions. One instruction exists per entity/operation pair; mode "+
					"controls whether new text replaces or appends to an existing one.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("entity_name",
				mcp.Required(),
				mcp.Description("Entity name the instructions apply to"),
			),
			mcp.WithString("instructions",
				mcp.Required(),
				mcp.Description("The instruction text to save"),
			),
			mcp.WithString("operation_type",
				mcp.Description("Operation the guidance applies to: query, create, update, delete, or general (default)"),
			),
			mcp.WithString("mode",
				mcp.Description("replace (default) or append when an instruction already exists"),
			),
		),
		s.handleSaveEntityInstruction,
	)

	srv.AddTool(
		mcp.NewTool("dyngate_rate_instruction",
			mcp.WithDescription(
				"Record whether a saved instruction was useful. Ratings accumulate so "+
					"low-value instructions can be pruned.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("instruction_id",
				mcp.Required(),
				mcp.Description("ID of the instruction, from dyngate_get_entity_instructions"),
			),
			mcp.WithBoolean("useful",
				mcp.Required(),
				mcp.Description("true if the instruction helped, false otherwise"),
			),
		),
		s.handleRateInstruction,
	)
}

// =========================================================================
// Tool handlers
// =========================================================================

// handleSearchEntities runs a relevance-scored entity search.
func (s *MCPServer) handleSearchEntities(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	pattern, err := requireString(request, "pattern")
	if err != nil {
		return toolError("%v", err)
	}
	limit := clamp(optionalInt(request, "limit", 20), 1, 100)
	skip := optionalInt(request, "skip", 0)
	if skip < 0 {
		skip = 0
	}

	result, err := s.store.SearchEntities(ctx, pattern, limit, skip)
	if err != nil {
		return toolError("Entity search failed: %v", err)
	}
	if result.Pagination.TotalMatches == 0 {
		return toolError("No entities match %q. The cache may still be syncing; "+
			"check dyngate_sync_status, or try a shorter pattern.", pattern)
	}
	return successJSON(result)
}

// handleGetEntityMetadata returns the full field and relationship metadata
// for one entity.
func (s *MCPServer) handleGetEntityMetadata(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	name, err := requireString(request, "entity_name")
	if err != nil {
		return toolError("%v", err)
	}

	meta, err := s.store.GetEntityMetadata(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return s.entityNotFound(ctx, name)
	}
	if err != nil {
		return toolError("Failed to load metadata for %q: %v", name, err)
	}
	return successJSON(meta)
}

// handleListEntities returns the full entity listing.
func (s *MCPServer) handleListEntities(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	entities, err := s.store.ListEntities(ctx)
	if err != nil {
		return toolError("Failed to list entities: %v", err)
	}
	return successJSON(map[string]any{
		"entity_count": len(entities),
		"entities":     entities,
	})
}

// handleSearchEnums runs a relevance-scored enum search.
func (s *MCPServer) handleSearchEnums(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	pattern, err := requireString(request, "pattern")
	if err != nil {
		return toolError("%v", err)
	}
	limit := clamp(optionalInt(request, "limit", 20), 1, 100)
	skip := optionalInt(request, "skip", 0)
	if skip < 0 {
		skip = 0
	}

	result, err := s.store.SearchEnums(ctx, pattern, limit, skip)
	if err != nil {
		return toolError("Enum search failed: %v", err)
	}
	if result.Pagination.TotalMatches == 0 {
		return toolError("No enums match %q. Try a shorter pattern.", pattern)
	}
	return successJSON(result)
}

// handleGetEnumMetadata returns one enum's members with OData syntax.
func (s *MCPServer) handleGetEnumMetadata(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	name, err := requireString(request, "enum_name")
	if err != nil {
		return toolError("%v", err)
	}

	meta, err := s.store.GetEnumMetadata(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		// Suggest near matches so the LLM can self-correct.
		if similar, serr := s.store.SearchEnums(ctx, name, 5, 0); serr == nil && len(similar.Enums) > 0 {
			names := make([]string, len(similar.Enums))
			for i, e := range similar.Enums {
				names[i] = e.Name
			}
			return toolError("Enum %q not found. Similar enums: %s", name, strings.Join(names, ", "))
		}
		return toolError("Enum %q not found. Use dyngate_search_enums to find available enums.", name)
	}
	if err != nil {
		return toolError("Failed to load enum %q: %v", name, err)
	}
	return successJSON(meta)
}

// handleGetEntityEnumFields returns the enum-typed fields of one entity.
func (s *MCPServer) handleGetEntityEnumFields(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	name, err := requireString(request, "entity_name")
	if err != nil {
		return toolError("%v", err)
	}

	fields, err := s.store.GetEntityEnumFields(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return s.entityNotFound(ctx, name)
	}
	if err != nil {
		return toolError("Failed to load enum fields for %q: %v", name, err)
	}
	return successJSON(map[string]any{
		"entity_name": name,
		"field_count": len(fields),
		"enum_fields": fields,
	})
}

// entityNotFound builds a not-found error with near-match suggestions.
func (s *MCPServer) entityNotFound(ctx context.Context, name string) (*mcp.CallToolResult, error) {
	if similar, err := s.store.SearchEntities(ctx, name, 5, 0); err == nil && len(similar.Entities) > 0 {
		names := make([]string, len(similar.Entities))
		for i, e := range similar.Entities {
			names[i] = e.EntityName
		}
		return toolError("Entity %q not found. Similar entities: %s", name, strings.Join(names, ", "))
	}
	return toolError("Entity %q not found. Use dyngate_search_entities to find available entities.", name)
}

// handleGetODataEntity queries live records through the OData client.
func (s *MCPServer) handleGetODataEntity(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	entitySet, err := requireString(request, "entity_set")
	if err != nil {
		return toolError("%v", err)
	}
	query := optionalString(request, "query")
	mode := d365.CompanyMode(optionalString(request, "company_mode"))

	result, err := s.client.GetEntity(ctx, entitySet, query, mode)
	if err != nil {
		return toolError("OData query against %q failed: %v\n\nVerify the entity set "+
			"name with dyngate_get_entity_metadata and enum filter syntax with "+
			"dyngate_get_enum_metadata.", entitySet, err)
	}
	return successJSON(result)
}

// handleCreateODataEntity inserts one record.
func (s *MCPServer) handleCreateODataEntity(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	entitySet, err := requireString(request, "entity_set")
	if err != nil {
		return toolError("%v", err)
	}
	record := getObjectArg(request, "record")
	if record == nil {
		return toolError("missing required parameter \"record\" (a JSON object of field values)")
	}
	company := optionalString(request, "company")

	result, err := s.client.CreateEntity(ctx, entitySet, record, company)
	if err != nil {
		return toolError("OData create in %q failed: %v\n\nCheck required fields with "+
			"dyngate_get_entity_metadata and saved guidance with dyngate_get_entity_instructions.",
			entitySet, err)
	}
	return successJSON(result)
}

// handleUpdateODataEntity patches one record addressed by key fields.
func (s *MCPServer) handleUpdateODataEntity(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	entitySet, err := requireString(request, "entity_set")
	if err != nil {
		return toolError("%v", err)
	}
	keys := getStringMapArg(request, "keys")
	if len(keys) == 0 {
		return toolError("missing required parameter \"keys\" (a JSON object of string key values)")
	}
	changes := getObjectArg(request, "changes")
	if len(changes) == 0 {
		return toolError("missing required parameter \"changes\" (a JSON object of field values)")
	}

	if err := s.client.UpdateEntity(ctx, entitySet, keys, changes); err != nil {
		return toolError("OData update in %q failed: %v", entitySet, err)
	}
	return successJSON(map[string]any{
		"updated":    true,
		"entity_set": entitySet,
		"keys":       keys,
	})
}

// handleDeleteODataEntity removes one record addressed by key fields.
func (s *MCPServer) handleDeleteODataEntity(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	entitySet, err := requireString(request, "entity_set")
	if err != nil {
		return toolError("%v", err)
	}
	keys := getStringMapArg(request, "keys")
	if len(keys) == 0 {
		return toolError("missing required parameter \"keys\" (a JSON object of string key values)")
	}

	if err := s.client.DeleteEntity(ctx, entitySet, keys); err != nil {
		return toolError("OData delete in %q failed: %v", entitySet, err)
	}
	return successJSON(map[string]any{
		"deleted":    true,
		"entity_set": entitySet,
		"keys":       keys,
	})
}

// handleSyncNow forces a full metadata resync.
func (s *MCPServer) handleSyncNow(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	stats, err := s.syncer.ForceSyncNow(ctx)
	if errors.Is(err, metadata.ErrSyncInProgress) {
		return toolError("A sync is already running; check dyngate_sync_status for progress.")
	}
	if err != nil {
		return toolError("Sync failed: %v", err)
	}
	return successJSON(stats)
}

// handleSyncStatus reports scheduler state.
func (s *MCPServer) handleSyncStatus(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	return successJSON(s.syncer.Status())
}

// handleGetEntityInstructions returns saved guidance for an entity.
func (s *MCPServer) handleGetEntityInstructions(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	entityName, err := requireString(request, "entity_name")
	if err != nil {
		return toolError("%v", err)
	}
	operationType := optionalString(request, "operation_type")

	instructions, err := s.store.GetEntityInstructions(ctx, entityName, operationType)
	if err != nil {
		return toolError("Failed to load instructions for %q: %v", entityName, err)
	}
	return successJSON(map[string]any{
		"entity_name":  entityName,
		"count":        len(instructions),
		"instructions": instructions,
	})
}

// handleSaveEntityInstruction stores guidance for an entity/operation pair.
func (s *MCPServer) handleSaveEntityInstruction(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	entityName, err := requireString(request, "entity_name")
	if err != nil {
		return toolError("%v", err)
	}
	text, err := requireString(request, "instructions")
	if err != nil {
		return toolError("%v", err)
	}
	operationType := optionalString(request, "operation_type")
	if operationType != "" && !validOperationType(operationType) {
		return toolError("Invalid operation_type %q. Valid values: general, query, create, update, delete.",
			operationType)
	}
	mode := optionalString(request, "mode")
	if mode != "" && mode != store.SaveModeReplace && mode != store.SaveModeAppend {
		return toolError("Invalid mode %q. Valid values: replace, append.", mode)
	}

	inst, err := s.store.SaveInstruction(ctx, entityName, operationType, text, mode)
	if err != nil {
		return toolError("Failed to save instruction: %v", err)
	}
	return successJSON(inst)
}

// handleRateInstruction records usefulness feedback.
func (s *MCPServer) handleRateInstruction(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	id, err := requireString(request, "instruction_id")
	if err != nil {
		return toolError("%v", err)
	}
	useful := optionalBool(request, "useful", true)

	if err := s.store.RateInstruction(ctx, id, useful); errors.Is(err, store.ErrNotFound) {
		return toolError("Instruction %q not found. Get IDs from dyngate_get_entity_instructions.", id)
	} else if err != nil {
		return toolError("Failed to rate instruction: %v", err)
	}

	stats, err := s.store.InstructionStats(ctx, id)
	if err != nil {
		return toolError("Rating recorded but stats unavailable: %v", err)
	}
	return successJSON(stats)
}

func validOperationType(op string) bool {
	switch op {
	case model.OperationGeneral, model.OperationQuery, model.OperationCreate,
		model.OperationUpdate, model.OperationDelete:
		return true
	}
	return false
}
