package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dyngate/dyngate/internal/d365"
	"github.com/dyngate/dyngate/internal/mcp"
	"github.com/dyngate/dyngate/internal/metadata"
	"github.com/dyngate/dyngate/internal/store"
)

const testDocument = `<?xml version="1.0" encoding="utf-8"?>
<edmx:Edmx Version="4.0" xmlns:edmx="http://docs.oasis-open.org/odata/ns/edmx">
  <edmx:DataServices>
    <Schema Namespace="Microsoft.Dynamics.DataEntities" xmlns="http://docs.oasis-open.org/odata/ns/edm">
      <EntityType Name="CustomerV3">
        <Property Name="CustomerAccount" Type="Edm.String"/>
      </EntityType>
      <EntityContainer Name="Container">
        <EntitySet Name="CustomersV3" EntityType="Microsoft.Dynamics.DataEntities.CustomerV3"/>
      </EntityContainer>
    </Schema>
  </edmx:DataServices>
</edmx:Edmx>`

type stubFetcher struct{ err error }

func (s stubFetcher) FetchMetadataXML(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte(testDocument), nil
}

func (s stubFetcher) InstanceURL() string { return "https://test.operations.dynamics.com" }

type noopDataClient struct{}

func (noopDataClient) GetEntity(ctx context.Context, entitySet, query string, mode d365.CompanyMode) (map[string]any, error) {
	return map[string]any{}, nil
}

func (noopDataClient) CreateEntity(ctx context.Context, entitySet string, record map[string]any, company string) (map[string]any, error) {
	return record, nil
}

func (noopDataClient) UpdateEntity(ctx context.Context, entitySet string, keys map[string]string, changes map[string]any) error {
	return nil
}

func (noopDataClient) DeleteEntity(ctx context.Context, entitySet string, keys map[string]string) error {
	return nil
}

func newTestServer(t *testing.T, fetcher stubFetcher) (*Server, *store.Store) {
	t.Helper()
	st, err := store.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	syncer := metadata.NewSyncer(st, fetcher, logger, metadata.SyncerOptions{})
	mcpServer := mcp.NewMCPServer(st, noopDataClient{}, syncer, logger)

	return New(DefaultConfig(), st, syncer, mcpServer, logger), st
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, stubFetcher{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
}

func TestReadyzReflectsCacheState(t *testing.T) {
	srv, _ := newTestServer(t, stubFetcher{})

	// Cold cache: not ready.
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("cold readyz = %d, want 503", rec.Code)
	}

	// Fill the cache; ready.
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sync/now", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("sync now = %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("warm readyz = %d, want 200", rec.Code)
	}

	var payload struct {
		EntityCount int `json:"entity_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decoding readyz: %v", err)
	}
	if payload.EntityCount != 1 {
		t.Errorf("entity count = %d, want 1", payload.EntityCount)
	}
}

func TestSyncStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, stubFetcher{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}

	var status struct {
		Syncing             bool `json:"syncing"`
		ConsecutiveFailures int  `json:"consecutive_failures"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.Syncing || status.ConsecutiveFailures != 0 {
		t.Errorf("status = %+v", status)
	}
}

func TestSyncNowReportsUpstreamFailure(t *testing.T) {
	srv, _ := newTestServer(t, stubFetcher{err: errors.New("remote down")})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sync/now", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("failed sync = %d, want 502", rec.Code)
	}

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decoding error payload: %v", err)
	}
	if payload.Error == "" {
		t.Error("expected error message in payload")
	}
}
