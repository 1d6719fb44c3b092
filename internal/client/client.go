// Package client talks to a studiosync server over HTTP: it obtains access
// tokens with the service key and loads tenant snapshots.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/studiosync/internal/auth"
	"github.com/MarcoPoloResearchLab/studiosync/internal/reconcile"
	"github.com/tidwall/gjson"
)

const (
	serviceKeyHeader = "X-Service-Key"
	defaultTimeout   = 10 * time.Second
)

var (
	// ErrTenantNotGranted indicates the server did not grant the tenant in the last token.
	ErrTenantNotGranted = errors.New("client: tenant not granted")

	errMissingBaseURL = errors.New("client: base url required")
	errNoAccessToken  = errors.New("client: no access token issued yet")
)

// StatusError is returned for non-success responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("client: %s %s returned %d (%s)", e.Method, e.Path, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("client: %s %s returned %d", e.Method, e.Path, e.StatusCode)
}

type Config struct {
	BaseURL    string
	ServiceKey string
	HTTPClient *http.Client
}

// Client implements auth.AccessTokenIssuer, liveview.Fetcher and
// subscription.Authorizer against a remote server.
type Client struct {
	baseURL    string
	serviceKey string
	http       *http.Client

	mu      sync.RWMutex
	token   string
	tenants []string
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: base, serviceKey: cfg.ServiceKey, http: httpClient}, nil
}

// IssueAccessToken requests a token for the identity, granting its tenants.
func (c *Client) IssueAccessToken(ctx context.Context, identity auth.Identity) (string, int64, error) {
	body, err := json.Marshal(map[string]any{
		"user_id":    identity.UserID,
		"email":      identity.Email,
		"tenant_ids": identity.TenantIDs,
	})
	if err != nil {
		return "", 0, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(serviceKeyHeader, c.serviceKey)

	payload, err := c.do(request)
	if err != nil {
		return "", 0, err
	}
	result := gjson.GetManyBytes(payload, "access_token", "expires_in", "tenant_ids")
	token := result[0].String()
	if token == "" {
		return "", 0, fmt.Errorf("client: token response missing access_token")
	}
	tenants := make([]string, 0, len(result[2].Array()))
	for _, tenant := range result[2].Array() {
		tenants = append(tenants, tenant.String())
	}

	c.mu.Lock()
	c.token = token
	c.tenants = tenants
	c.mu.Unlock()
	return token, result[1].Int(), nil
}

// LoadView fetches the tenant's snapshot with the most recently issued token.
func (c *Client) LoadView(ctx context.Context, tenantID string) (reconcile.View, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return reconcile.View{}, errNoAccessToken
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tenants/"+url.PathEscape(tenantID)+"/view", http.NoBody)
	if err != nil {
		return reconcile.View{}, err
	}
	request.Header.Set("Authorization", "Bearer "+token)

	payload, err := c.do(request)
	if err != nil {
		return reconcile.View{}, err
	}
	var view reconcile.View
	if err := json.Unmarshal(payload, &view); err != nil {
		return reconcile.View{}, fmt.Errorf("client: decode view: %w", err)
	}
	return view, nil
}

// Authorize accepts tenants the server granted with the last issued token.
func (c *Client) Authorize(_ context.Context, _ auth.Identity, tenantID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !slices.Contains(c.tenants, tenantID) {
		return fmt.Errorf("%w: %s", ErrTenantNotGranted, tenantID)
	}
	return nil
}

func (c *Client) do(request *http.Request) ([]byte, error) {
	response, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(response.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, &StatusError{
			Method:     request.Method,
			Path:       request.URL.Path,
			StatusCode: response.StatusCode,
			Code:       gjson.GetBytes(payload, "error").String(),
		}
	}
	return payload, nil
}
