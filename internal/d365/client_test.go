package d365

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type staticTokenSource struct{ token string }

func (s staticTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{
		AccessToken: s.token,
		Expiry:      time.Now().Add(time.Hour),
	}, nil
}

// newTestClient wires a client at a test server with a canned bearer token,
// bypassing the real token endpoint.
func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	return &Client{
		opts: Options{
			Resource:       serverURL,
			DefaultCompany: "usmf",
			Timeout:        5 * time.Second,
		},
		http:   &http.Client{Timeout: 5 * time.Second},
		tokens: newRefreshableSource(staticTokenSource{token: "test-token"}),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDoSetsODataHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	if _, err := c.GetEntity(context.Background(), "CustomersV3", "", CompanyModeDefault); err != nil {
		t.Fatalf("GetEntity: %v", err)
	}

	if got.Get("Authorization") != "Bearer test-token" {
		t.Errorf("Authorization = %q", got.Get("Authorization"))
	}
	if got.Get("OData-Version") != "4.0" || got.Get("OData-MaxVersion") != "4.0" {
		t.Errorf("OData version headers = %q / %q", got.Get("OData-Version"), got.Get("OData-MaxVersion"))
	}
}

func TestDoRetriesOnceOnUnauthorized(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"value":[]}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	if _, err := c.GetEntity(context.Background(), "CustomersV3", "", CompanyModeAll); err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if calls != 2 {
		t.Errorf("server calls = %d, want 2 (401 then retry)", calls)
	}
}

func TestDoReturnsAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad filter"}}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.GetEntity(context.Background(), "CustomersV3", "?$filter=nope", CompanyModeAll)
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || !strings.Contains(apiErr.Body, "bad filter") {
		t.Errorf("API error = %+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "status 400") {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}

func TestCreateEntityFillsCompany(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"CustomerAccount":"C-001"}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	ctx := context.Background()

	// No company anywhere: the configured default fills in.
	if _, err := c.CreateEntity(ctx, "CustomersV3", map[string]any{"Name": "A"}, ""); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if body["dataAreaId"] != "usmf" {
		t.Errorf("dataAreaId = %v, want usmf", body["dataAreaId"])
	}

	// An explicit company argument wins over the payload.
	if _, err := c.CreateEntity(ctx, "CustomersV3", map[string]any{"dataAreaId": "dat"}, "frrt"); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if body["dataAreaId"] != "frrt" {
		t.Errorf("dataAreaId = %v, want frrt", body["dataAreaId"])
	}
}

func TestUpdateAndDeleteUseKeyURL(t *testing.T) {
	var paths []string
	var methods []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		methods = append(methods, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	ctx := context.Background()
	keys := map[string]string{"CustomerAccount": "C-001", "dataAreaId": "usmf"}

	if err := c.UpdateEntity(ctx, "CustomersV3", keys, map[string]any{"Name": "B"}); err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}
	if err := c.DeleteEntity(ctx, "CustomersV3", keys); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}

	wantPath := "/data/CustomersV3(CustomerAccount='C-001',dataAreaId='usmf')"
	for i, p := range paths {
		if p != wantPath {
			t.Errorf("request %d path = %q, want %q", i, p, wantPath)
		}
	}
	if methods[0] != http.MethodPatch || methods[1] != http.MethodDelete {
		t.Errorf("methods = %v, want [PATCH DELETE]", methods)
	}
}

func TestJWTExpiry(t *testing.T) {
	encode := func(v any) string {
		b, _ := json.Marshal(v)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	exp := time.Now().Add(time.Hour).Unix()
	token := encode(map[string]string{"alg": "none", "typ": "JWT"}) + "." +
		encode(map[string]int64{"exp": exp}) + "."

	got := jwtExpiry(token)
	if got.Unix() != exp {
		t.Errorf("jwtExpiry = %v, want unix %d", got, exp)
	}

	if !jwtExpiry("not-a-jwt").IsZero() {
		t.Error("malformed token should yield zero time")
	}
	noExp := encode(map[string]string{"alg": "none"}) + "." + encode(map[string]string{}) + "."
	if !jwtExpiry(noExp).IsZero() {
		t.Error("token without exp should yield zero time")
	}
}

func TestNewClientValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := NewClient(Options{}, logger); err == nil {
		t.Error("expected error for missing credentials")
	}
	if _, err := NewClient(Options{TenantID: "t", ClientID: "c", ClientSecret: "s"}, logger); err == nil {
		t.Error("expected error for missing resource")
	}
	c, err := NewClient(Options{
		TenantID: "t", ClientID: "c", ClientSecret: "s",
		Resource: "https://test.operations.dynamics.com",
	}, logger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.InstanceURL() != "https://test.operations.dynamics.com" {
		t.Errorf("InstanceURL = %q", c.InstanceURL())
	}
}
