package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoSession indicates that no usable access token is held for the identity.
	ErrNoSession = errors.New("auth: no active session")
	// ErrSignedOut indicates a refresh attempted without a signed-in identity.
	ErrSignedOut = errors.New("auth: signed out")

	errMissingTokenIssuer = errors.New("session manager: token issuer required")
)

// Identity is the signed-in principal.
type Identity struct {
	UserID    string
	Email     string
	TenantIDs []string
}

// Session is the access token currently held for an identity.
type Session struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the session holds a token that has not expired at now.
func (s Session) Valid(now time.Time) bool {
	return strings.TrimSpace(s.AccessToken) != "" && now.Before(s.ExpiresAt)
}

// AccessTokenIssuer mints access tokens for identities.
type AccessTokenIssuer interface {
	IssueAccessToken(ctx context.Context, identity Identity) (string, int64, error)
}

// SessionManagerConfig describes the dependencies of a SessionManager.
type SessionManagerConfig struct {
	Issuer AccessTokenIssuer
	Clock  func() time.Time
}

// SessionManager holds the signed-in identity and its access token. It serves
// as both the identity and the session source of the handshake.
type SessionManager struct {
	issuer AccessTokenIssuer
	clock  func() time.Time

	mu       sync.RWMutex
	identity *Identity
	session  Session
}

// NewSessionManager constructs a signed-out SessionManager.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Issuer == nil {
		return nil, errMissingTokenIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionManager{issuer: cfg.Issuer, clock: clock}, nil
}

// SignIn records the identity and issues its first access token.
func (m *SessionManager) SignIn(ctx context.Context, identity Identity) (Session, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return Session{}, errMissingSubjectClaim
	}
	m.mu.Lock()
	stored := identity
	stored.TenantIDs = append([]string(nil), identity.TenantIDs...)
	m.identity = &stored
	m.session = Session{}
	m.mu.Unlock()
	return m.RefreshSession(ctx)
}

// SignOut forgets the identity and its session.
func (m *SessionManager) SignOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = nil
	m.session = Session{}
}

// CurrentIdentity returns the signed-in identity, or nil when signed out.
func (m *SessionManager) CurrentIdentity(context.Context) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return nil, nil
	}
	copied := *m.identity
	copied.TenantIDs = append([]string(nil), m.identity.TenantIDs...)
	return &copied, nil
}

// Session returns the held session when it is still valid.
func (m *SessionManager) Session(context.Context) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil || !m.session.Valid(m.clock()) {
		return Session{}, ErrNoSession
	}
	return m.session, nil
}

// RefreshSession re-issues the access token for the signed-in identity.
func (m *SessionManager) RefreshSession(ctx context.Context) (Session, error) {
	identity, err := m.CurrentIdentity(ctx)
	if err != nil {
		return Session{}, err
	}
	if identity == nil {
		return Session{}, ErrSignedOut
	}
	token, expiresIn, err := m.issuer.IssueAccessToken(ctx, *identity)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		AccessToken: token,
		ExpiresAt:   m.clock().Add(time.Duration(expiresIn) * time.Second),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil || m.identity.UserID != identity.UserID {
		return Session{}, ErrSignedOut
	}
	m.session = session
	return session, nil
}
