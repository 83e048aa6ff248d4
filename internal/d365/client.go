// Package d365 is the HTTP client for a D365 Finance & Operations
// environment: Azure AD client-credentials auth, the $metadata document
// fetch consumed by the sync pipeline, and OData CRUD with company routing.
package d365

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Options configure a Client.
type Options struct {
	// TenantID is the Azure AD tenant.
	TenantID string
	// ClientID and ClientSecret identify the app registration.
	ClientID     string
	ClientSecret string
	// Resource is the environment base URL,
	// e.g. https://myorg.operations.dynamics.com (no trailing slash).
	Resource string
	// DefaultCompany is the dataAreaId used when a request names none.
	DefaultCompany string
	// Timeout bounds individual HTTP requests. Metadata fetches get a
	// longer fixed allowance since the document runs to tens of megabytes.
	Timeout time.Duration
}

// Client talks to one D365 F&O environment. Safe for concurrent use.
type Client struct {
	opts   Options
	http   *http.Client
	tokens *refreshableSource
	logger *slog.Logger
}

const metadataFetchTimeout = 120 * time.Second

// NewClient builds a client authenticating with the client-credentials grant
// against the tenant's v2.0 token endpoint, scoped to the environment.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.TenantID == "" || opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, fmt.Errorf("tenant id, client id and client secret are required")
	}
	if opts.Resource == "" {
		return nil, fmt.Errorf("resource url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	cc := &clientcredentials.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", opts.TenantID),
		Scopes:       []string{opts.Resource + "/.default"},
	}

	return &Client{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout},
		tokens: newRefreshableSource(&expiryFixingSource{inner: cc.TokenSource(context.Background())}),
		logger: logger,
	}, nil
}

// InstanceURL identifies the environment this client targets.
func (c *Client) InstanceURL() string {
	return c.opts.Resource
}

// DefaultCompany is the configured default legal entity.
func (c *Client) DefaultCompany() string {
	return c.opts.DefaultCompany
}

// expiryFixingSource backfills token expiry when the endpoint omits
// expires_in, by reading the unverified exp claim out of the JWT itself.
// Verification is unnecessary: the token goes straight back to the issuer.
type expiryFixingSource struct {
	inner oauth2.TokenSource
}

func (s *expiryFixingSource) Token() (*oauth2.Token, error) {
	tok, err := s.inner.Token()
	if err != nil {
		return nil, fmt.Errorf("acquiring access token: %w", err)
	}
	if tok.Expiry.IsZero() {
		if exp := jwtExpiry(tok.AccessToken); !exp.IsZero() {
			tok.Expiry = exp
		}
	}
	return tok, nil
}

// refreshableSource caches tokens until expiry like oauth2.ReuseTokenSource,
// but can be invalidated when the server rejects a token early (key rotation,
// revocation), forcing a fresh grant on the next request.
type refreshableSource struct {
	base oauth2.TokenSource

	mu      sync.Mutex
	current oauth2.TokenSource
}

func newRefreshableSource(base oauth2.TokenSource) *refreshableSource {
	return &refreshableSource{
		base:    base,
		current: oauth2.ReuseTokenSource(nil, base),
	}
}

func (r *refreshableSource) Token() (*oauth2.Token, error) {
	r.mu.Lock()
	src := r.current
	r.mu.Unlock()
	return src.Token()
}

func (r *refreshableSource) invalidate() {
	r.mu.Lock()
	r.current = oauth2.ReuseTokenSource(nil, r.base)
	r.mu.Unlock()
}

func jwtExpiry(raw string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// ----------------------------------------------------------------------------
// Requests
// ----------------------------------------------------------------------------

// do issues one authenticated request, retrying once with a fresh token on
// 401. The caller owns the response body.
func (c *Client) do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("OData-MaxVersion", "4.0")
		req.Header.Set("OData-Version", "4.0")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, url, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.logger.Warn("request unauthorized, refreshing token", "url", url)
			c.tokens.invalidate()
			continue
		}

		if resp.StatusCode >= 400 {
			defer resp.Body.Close()
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &APIError{
				Method:     method,
				URL:        url,
				StatusCode: resp.StatusCode,
				Body:       string(payload),
			}
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%s %s: unauthorized after token refresh", method, url)
}

// APIError is a non-2xx response from the OData endpoint.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// FetchMetadataXML downloads the environment's full $metadata document.
func (c *Client) FetchMetadataXML(ctx context.Context) ([]byte, error) {
	url := c.opts.Resource + "/data/$metadata"
	c.logger.Info("fetching metadata document", "url", url)

	ctx, cancel := context.WithTimeout(ctx, metadataFetchTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, url, nil, map[string]string{"Accept": "application/xml"})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	document, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading metadata document: %w", err)
	}
	c.logger.Info("metadata document retrieved", "bytes", len(document))
	return document, nil
}

// GetEntity queries an entity set with an OData query string, applying the
// company routing rules. mode auto resolves from the query's dataAreaId
// filter.
func (c *Client) GetEntity(ctx context.Context, entitySet, query string, mode CompanyMode) (map[string]any, error) {
	if mode == "" || mode == CompanyModeAuto {
		mode = DetermineCompanyMode(query, c.opts.DefaultCompany)
	}
	url, err := BuildQueryURL(c.opts.Resource, entitySet, query, mode)
	if err != nil {
		return nil, err
	}

	c.logger.Info("querying entity", "entity_set", entitySet, "company_mode", mode)
	resp, err := c.do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeJSON(resp.Body)
}

// CreateEntity inserts one record. The company argument (or the configured
// default) fills dataAreaId when the payload carries none.
func (c *Client) CreateEntity(ctx context.Context, entitySet string, record map[string]any, company string) (map[string]any, error) {
	if company != "" {
		record["dataAreaId"] = company
	} else if v, ok := record["dataAreaId"]; !ok || v == "" {
		record["dataAreaId"] = c.opts.DefaultCompany
	}

	body, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}

	url := c.opts.Resource + "/data/" + entitySet
	c.logger.Info("creating entity record", "entity_set", entitySet, "company", record["dataAreaId"])
	resp, err := c.do(ctx, http.MethodPost, url, body, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeJSON(resp.Body)
}

// UpdateEntity patches one record addressed by its key fields.
func (c *Client) UpdateEntity(ctx context.Context, entitySet string, keys map[string]string, changes map[string]any) error {
	body, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("encoding changes: %w", err)
	}

	url := entityKeyURL(c.opts.Resource, entitySet, keys)
	c.logger.Info("updating entity record", "entity_set", entitySet)
	resp, err := c.do(ctx, http.MethodPatch, url, body, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DeleteEntity removes one record addressed by its key fields.
func (c *Client) DeleteEntity(ctx context.Context, entitySet string, keys map[string]string) error {
	url := entityKeyURL(c.opts.Resource, entitySet, keys)
	c.logger.Info("deleting entity record", "entity_set", entitySet)
	resp, err := c.do(ctx, http.MethodDelete, url, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func decodeJSON(r io.Reader) (map[string]any, error) {
	var out map[string]any
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}
