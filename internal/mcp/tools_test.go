package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dyngate/dyngate/internal/d365"
	"github.com/dyngate/dyngate/internal/metadata"
	"github.com/dyngate/dyngate/internal/store"
)

const testDocument = `<?xml version="1.0" encoding="utf-8"?>
<edmx:Edmx Version="4.0" xmlns:edmx="http://docs.oasis-open.org/odata/ns/edmx">
  <edmx:DataServices>
    <Schema Namespace="Microsoft.Dynamics.DataEntities" xmlns="http://docs.oasis-open.org/odata/ns/edm">
      <EnumType Name="NoYes">
        <Member Name="No" Value="0"/>
        <Member Name="Yes" Value="1"/>
      </EnumType>
      <EntityType Name="CustomerV3">
        <Key>
          <PropertyRef Name="CustomerAccount"/>
        </Key>
        <Property Name="CustomerAccount" Type="Edm.String" Nullable="false" MaxLength="20"/>
        <Property Name="Name" Type="Edm.String" MaxLength="100"/>
        <Property Name="IsBlocked" Type="Microsoft.Dynamics.Enums.NoYes"/>
      </EntityType>
      <EntityContainer Name="Container">
        <EntitySet Name="CustomersV3" EntityType="Microsoft.Dynamics.DataEntities.CustomerV3"/>
      </EntityContainer>
    </Schema>
  </edmx:DataServices>
</edmx:Edmx>`

// fakeDataClient records OData calls without touching the network.
type fakeDataClient struct {
	lastEntitySet string
	failWith      error
}

func (f *fakeDataClient) GetEntity(ctx context.Context, entitySet, query string, mode d365.CompanyMode) (map[string]any, error) {
	f.lastEntitySet = entitySet
	if f.failWith != nil {
		return nil, f.failWith
	}
	return map[string]any{"value": []any{}}, nil
}

func (f *fakeDataClient) CreateEntity(ctx context.Context, entitySet string, record map[string]any, company string) (map[string]any, error) {
	f.lastEntitySet = entitySet
	if f.failWith != nil {
		return nil, f.failWith
	}
	return record, nil
}

func (f *fakeDataClient) UpdateEntity(ctx context.Context, entitySet string, keys map[string]string, changes map[string]any) error {
	f.lastEntitySet = entitySet
	return f.failWith
}

func (f *fakeDataClient) DeleteEntity(ctx context.Context, entitySet string, keys map[string]string) error {
	f.lastEntitySet = entitySet
	return f.failWith
}

type stubFetcher struct{ err error }

func (s stubFetcher) FetchMetadataXML(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte(testDocument), nil
}

func (s stubFetcher) InstanceURL() string { return "https://test.operations.dynamics.com" }

// newTestMCPServer builds a fully wired server over an in-memory store with
// the test document already synced.
func newTestMCPServer(t *testing.T) (*MCPServer, *fakeDataClient) {
	t.Helper()
	st, err := store.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	syncer := metadata.NewSyncer(st, stubFetcher{}, logger, metadata.SyncerOptions{})
	if _, err := syncer.ForceSyncNow(context.Background()); err != nil {
		t.Fatalf("seeding sync: %v", err)
	}

	client := &fakeDataClient{}
	return NewMCPServer(st, client, syncer, logger), client
}

// resultText extracts the text payload of a tool result.
func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T, want TextContent", res.Content[0])
	}
	return text.Text
}

func TestHandleSearchEntities(t *testing.T) {
	s, _ := newTestMCPServer(t)
	ctx := context.Background()

	res, err := s.handleSearchEntities(ctx, requestWithArgs(map[string]any{"pattern": "Customer"}))
	if err != nil {
		t.Fatalf("handleSearchEntities: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}

	var payload struct {
		Entities []struct {
			EntityName    string `json:"entity_name"`
			UseForQueries string `json:"use_for_queries"`
			Relevance     int    `json:"relevance"`
		} `json:"entities"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &payload); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(payload.Entities) != 1 || payload.Entities[0].UseForQueries != "CustomersV3" {
		t.Errorf("entities = %+v", payload.Entities)
	}

	// Zero matches come back as a tool error with a hint, not an empty list.
	res, err = s.handleSearchEntities(ctx, requestWithArgs(map[string]any{"pattern": "zzz"}))
	if err != nil {
		t.Fatalf("handleSearchEntities: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "No entities match") {
		t.Errorf("zero-match response = %s", resultText(t, res))
	}

	// Missing pattern is a tool error too.
	res, _ = s.handleSearchEntities(ctx, requestWithArgs(map[string]any{}))
	if !res.IsError {
		t.Error("missing pattern should be a tool error")
	}
}

func TestHandleGetEntityMetadata(t *testing.T) {
	s, _ := newTestMCPServer(t)
	ctx := context.Background()

	res, err := s.handleGetEntityMetadata(ctx, requestWithArgs(map[string]any{"entity_name": "CustomersV3"}))
	if err != nil {
		t.Fatalf("handleGetEntityMetadata: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	text := resultText(t, res)
	if !strings.Contains(text, `"entity_name": "CustomerV3"`) ||
		!strings.Contains(text, `"use_for_queries": "CustomersV3"`) {
		t.Errorf("metadata payload = %s", text)
	}

	// Unknown names get a suggestion from the search index.
	res, err = s.handleGetEntityMetadata(ctx, requestWithArgs(map[string]any{"entity_name": "Customer"}))
	if err != nil {
		t.Fatalf("handleGetEntityMetadata: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "CustomerV3") {
		t.Errorf("not-found response = %s", resultText(t, res))
	}
}

func TestHandleEnumTools(t *testing.T) {
	s, _ := newTestMCPServer(t)
	ctx := context.Background()

	res, err := s.handleGetEnumMetadata(ctx, requestWithArgs(map[string]any{"enum_name": "NoYes"}))
	if err != nil {
		t.Fatalf("handleGetEnumMetadata: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), "Microsoft.Dynamics.DataEntities.NoYes'Yes'") {
		t.Errorf("enum payload missing OData syntax: %s", resultText(t, res))
	}

	res, err = s.handleGetEntityEnumFields(ctx, requestWithArgs(map[string]any{"entity_name": "CustomersV3"}))
	if err != nil {
		t.Fatalf("handleGetEntityEnumFields: %v", err)
	}
	if !strings.Contains(resultText(t, res), `"IsBlocked"`) {
		t.Errorf("enum fields payload = %s", resultText(t, res))
	}
}

func TestHandleODataTools(t *testing.T) {
	s, client := newTestMCPServer(t)
	ctx := context.Background()

	res, err := s.handleGetODataEntity(ctx, requestWithArgs(map[string]any{
		"entity_set": "CustomersV3",
		"query":      "?$top=5",
	}))
	if err != nil {
		t.Fatalf("handleGetODataEntity: %v", err)
	}
	if res.IsError || client.lastEntitySet != "CustomersV3" {
		t.Errorf("query result = %s, entity set = %q", resultText(t, res), client.lastEntitySet)
	}

	res, err = s.handleUpdateODataEntity(ctx, requestWithArgs(map[string]any{
		"entity_set": "CustomersV3",
		"keys":       map[string]any{"CustomerAccount": "C-001"},
		"changes":    map[string]any{"Name": "Updated"},
	}))
	if err != nil {
		t.Fatalf("handleUpdateODataEntity: %v", err)
	}
	if res.IsError {
		t.Errorf("update result = %s", resultText(t, res))
	}

	// Missing keys never reach the client.
	client.lastEntitySet = ""
	res, _ = s.handleDeleteODataEntity(ctx, requestWithArgs(map[string]any{"entity_set": "CustomersV3"}))
	if !res.IsError || client.lastEntitySet != "" {
		t.Error("delete without keys should fail before calling the client")
	}

	// Remote failures surface as tool errors with guidance, not handler errors.
	client.failWith = errors.New("boom")
	res, err = s.handleGetODataEntity(ctx, requestWithArgs(map[string]any{"entity_set": "CustomersV3"}))
	if err != nil {
		t.Fatalf("handleGetODataEntity: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "boom") {
		t.Errorf("failure response = %s", resultText(t, res))
	}
}

func TestHandleInstructionTools(t *testing.T) {
	s, _ := newTestMCPServer(t)
	ctx := context.Background()

	res, err := s.handleSaveEntityInstruction(ctx, requestWithArgs(map[string]any{
		"entity_name":    "CustomersV3",
		"operation_type": "create",
		"instructions":   "CustomerGroupId is mandatory.",
	}))
	if err != nil {
		t.Fatalf("handleSaveEntityInstruction: %v", err)
	}
	if res.IsError {
		t.Fatalf("save failed: %s", resultText(t, res))
	}
	var saved struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &saved); err != nil {
		t.Fatalf("decoding saved instruction: %v", err)
	}

	// Invalid enum-ish parameters are rejected before hitting the store.
	res, _ = s.handleSaveEntityInstruction(ctx, requestWithArgs(map[string]any{
		"entity_name":    "CustomersV3",
		"operation_type": "upsert",
		"instructions":   "x",
	}))
	if !res.IsError || !strings.Contains(resultText(t, res), "Invalid operation_type") {
		t.Errorf("invalid operation response = %s", resultText(t, res))
	}

	res, err = s.handleRateInstruction(ctx, requestWithArgs(map[string]any{
		"instruction_id": saved.ID,
		"useful":         true,
	}))
	if err != nil {
		t.Fatalf("handleRateInstruction: %v", err)
	}
	if res.IsError || !strings.Contains(resultText(t, res), `"useful_count": 1`) {
		t.Errorf("rating response = %s", resultText(t, res))
	}

	res, err = s.handleGetEntityInstructions(ctx, requestWithArgs(map[string]any{
		"entity_name": "CustomersV3",
	}))
	if err != nil {
		t.Fatalf("handleGetEntityInstructions: %v", err)
	}
	if !strings.Contains(resultText(t, res), "CustomerGroupId is mandatory.") {
		t.Errorf("instructions payload = %s", resultText(t, res))
	}
}

func TestHandleSyncTools(t *testing.T) {
	s, _ := newTestMCPServer(t)
	ctx := context.Background()

	res, err := s.handleSyncNow(ctx, requestWithArgs(nil))
	if err != nil {
		t.Fatalf("handleSyncNow: %v", err)
	}
	if res.IsError {
		t.Fatalf("sync failed: %s", resultText(t, res))
	}

	res, err = s.handleSyncStatus(ctx, requestWithArgs(nil))
	if err != nil {
		t.Fatalf("handleSyncStatus: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, `"entity_count": 1`) {
		t.Errorf("status payload = %s", text)
	}
}
