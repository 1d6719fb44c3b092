package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/studiosync/internal/auth"
)

func newStubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(serviceKeyHeader) != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		var request struct {
			UserID    string   `json:"user_id"`
			TenantIDs []string `json:"tenant_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("failed to decode token request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-for-" + request.UserID,
			"expires_in":   1800,
			"token_type":   "Bearer",
			"tenant_ids":   request.TenantIDs,
		})
	})
	mux.HandleFunc("GET /tenants/acme/view", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-for-user-1" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"forbidden"}`))
			return
		}
		_, _ = w.Write([]byte(`{"quotes":[],"manualTasks":[{"id":"t1","title":"Call client","order":1,"version":3}]}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestIssueAccessTokenAndLoadView(t *testing.T) {
	server := newStubServer(t)
	client, err := New(Config{BaseURL: server.URL + "/", ServiceKey: "key"})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	ctx := context.Background()

	if _, err := client.LoadView(ctx, "acme"); !errors.Is(err, errNoAccessToken) {
		t.Fatalf("expected load before sign-in to fail, got %v", err)
	}

	token, expiresIn, err := client.IssueAccessToken(ctx, auth.Identity{UserID: "user-1", TenantIDs: []string{"acme"}})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if token != "token-for-user-1" || expiresIn != 1800 {
		t.Fatalf("unexpected token %q expires %d", token, expiresIn)
	}

	if err := client.Authorize(ctx, auth.Identity{UserID: "user-1"}, "acme"); err != nil {
		t.Fatalf("expected granted tenant to authorize: %v", err)
	}
	if err := client.Authorize(ctx, auth.Identity{UserID: "user-1"}, "globex"); !errors.Is(err, ErrTenantNotGranted) {
		t.Fatalf("expected ErrTenantNotGranted, got %v", err)
	}

	view, err := client.LoadView(ctx, "acme")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(view.ManualTasks) != 1 || view.ManualTasks[0].ID != "t1" || view.ManualTasks[0].Version != 3 {
		t.Fatalf("unexpected view: %#v", view)
	}
}

func TestStatusErrorCarriesServerCode(t *testing.T) {
	server := newStubServer(t)
	client, err := New(Config{BaseURL: server.URL, ServiceKey: "wrong"})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	_, _, err = client.IssueAccessToken(context.Background(), auth.Identity{UserID: "user-1"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized || statusErr.Code != "unauthorized" {
		t.Fatalf("unexpected status error: %#v", statusErr)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, errMissingBaseURL) {
		t.Fatalf("expected missing base url error, got %v", err)
	}
}
