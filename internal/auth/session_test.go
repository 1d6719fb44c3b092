package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "studiosync-auth"
	testSessionAudience      = "studiosync-realtime"
)

func newTestSessionManager(t *testing.T, clock func() time.Time) (*SessionManager, *TokenIssuer) {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		Audience:      testSessionAudience,
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	manager, err := NewSessionManager(SessionManagerConfig{Issuer: issuer, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}
	return manager, issuer
}

func TestSessionManagerSignInIssuesValidToken(t *testing.T) {
	manager, issuer := newTestSessionManager(t, time.Now)
	ctx := context.Background()

	session, err := manager.SignIn(ctx, Identity{UserID: "user-1", TenantIDs: []string{"acme"}})
	if err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	claims, err := issuer.ValidateToken(session.AccessToken)
	if err != nil {
		t.Fatalf("issued token did not validate: %v", err)
	}
	if claims.Subject != "user-1" || !claims.HasTenant("acme") {
		t.Fatalf("unexpected claims: %#v", claims)
	}

	held, err := manager.Session(ctx)
	if err != nil || held.AccessToken != session.AccessToken {
		t.Fatalf("expected held session, got %#v err=%v", held, err)
	}
	identity, err := manager.CurrentIdentity(ctx)
	if err != nil || identity == nil || identity.UserID != "user-1" {
		t.Fatalf("unexpected identity: %#v err=%v", identity, err)
	}
}

func TestSessionManagerReportsExpiredSession(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	manager, _ := newTestSessionManager(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := manager.SignIn(ctx, Identity{UserID: "user-1"}); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := manager.Session(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected expired session, got %v", err)
	}
	refreshed, err := manager.RefreshSession(ctx)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !refreshed.Valid(now) {
		t.Fatalf("expected refreshed session to be valid")
	}
}

func TestSessionManagerSignedOut(t *testing.T) {
	manager, _ := newTestSessionManager(t, time.Now)
	ctx := context.Background()

	identity, err := manager.CurrentIdentity(ctx)
	if err != nil || identity != nil {
		t.Fatalf("expected no identity, got %#v err=%v", identity, err)
	}
	if _, err := manager.Session(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected no session, got %v", err)
	}
	if _, err := manager.RefreshSession(ctx); !errors.Is(err, ErrSignedOut) {
		t.Fatalf("expected signed out, got %v", err)
	}

	if _, err := manager.SignIn(ctx, Identity{UserID: "user-1"}); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	manager.SignOut()
	if _, err := manager.Session(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected no session after sign out, got %v", err)
	}
}
