package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultPropagationDelay is the pause after handing a real token to the
// transport, before a channel subscribe is accepted.
const DefaultPropagationDelay = 150 * time.Millisecond

var (
	// ErrNoIdentity indicates that authentication is required but nobody is signed in.
	ErrNoIdentity = errors.New("auth handshake: no authenticated identity")
	// ErrPropagationFailed indicates that the transport refused the credential.
	ErrPropagationFailed = errors.New("auth handshake: credential propagation failed")

	errMissingIdentitySource = errors.New("auth handshake: identity source required")
	errMissingSessionSource  = errors.New("auth handshake: session source required")
	errMissingPropagator     = errors.New("auth handshake: propagator required")
)

// CredentialKind selects how the transport authenticates subsequent subscribes.
type CredentialKind string

const (
	// CredentialToken carries a literal access token.
	CredentialToken CredentialKind = "token"
	// CredentialNone explicitly disables authentication.
	CredentialNone CredentialKind = "none"
	// CredentialAmbient asks the transport to use whatever session it can refresh itself.
	CredentialAmbient CredentialKind = "ambient"
)

// Credential is the value handed to the transport's auth state.
type Credential struct {
	Kind  CredentialKind
	Token string
}

// TokenCredential wraps a literal access token.
func TokenCredential(token string) Credential {
	return Credential{Kind: CredentialToken, Token: token}
}

var (
	// NoAuth is the explicit "no auth" credential.
	NoAuth = Credential{Kind: CredentialNone}
	// AmbientSession is the "use ambient session" credential.
	AmbientSession = Credential{Kind: CredentialAmbient}
)

// IdentitySource reports the currently authenticated identity; nil means none.
type IdentitySource interface {
	CurrentIdentity(ctx context.Context) (*Identity, error)
}

// SessionSource looks up and refreshes the access token of the current identity.
type SessionSource interface {
	Session(ctx context.Context) (Session, error)
	RefreshSession(ctx context.Context) (Session, error)
}

// Propagator is the transport's auth state. SetAuth must be idempotent.
type Propagator interface {
	SetAuth(ctx context.Context, credential Credential) error
}

// HandshakeConfig describes the collaborators of a Handshake.
type HandshakeConfig struct {
	Identities       IdentitySource
	Sessions         SessionSource
	Propagator       Propagator
	PropagationDelay time.Duration
	Sleep            func(ctx context.Context, delay time.Duration) error
	Logger           *zap.Logger
}

// HandshakeResult reports the outcome of a successful Establish.
type HandshakeResult struct {
	HasSession bool
	Identity   *Identity
	Credential CredentialKind
}

// Handshake prepares the transport's auth state before any channel is created.
type Handshake struct {
	identities IdentitySource
	sessions   SessionSource
	propagator Propagator
	delay      time.Duration
	sleep      func(ctx context.Context, delay time.Duration) error
	logger     *zap.Logger
}

// NewHandshake validates the configuration and returns a Handshake.
func NewHandshake(cfg HandshakeConfig) (*Handshake, error) {
	if cfg.Identities == nil {
		return nil, errMissingIdentitySource
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessionSource
	}
	if cfg.Propagator == nil {
		return nil, errMissingPropagator
	}
	delay := cfg.PropagationDelay
	if delay < 0 {
		delay = 0
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handshake{
		identities: cfg.Identities,
		sessions:   cfg.Sessions,
		propagator: cfg.Propagator,
		delay:      delay,
		sleep:      sleep,
		logger:     logger,
	}, nil
}

// Establish resolves the caller's session and propagates the matching credential
// to the transport. When requiresAuth is set and nobody is signed in it fails with
// ErrNoIdentity without touching the transport.
func (h *Handshake) Establish(ctx context.Context, requiresAuth bool) (HandshakeResult, error) {
	identity, err := h.identities.CurrentIdentity(ctx)
	if err != nil {
		h.logger.Info("identity lookup failed", zap.Error(err))
		identity = nil
	}
	if requiresAuth && identity == nil {
		if err != nil {
			return HandshakeResult{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
		}
		return HandshakeResult{}, ErrNoIdentity
	}

	token := ""
	if identity != nil {
		token = h.resolveToken(ctx)
	}

	var credential Credential
	switch {
	case !requiresAuth:
		credential = NoAuth
	case token != "":
		credential = TokenCredential(token)
	default:
		credential = AmbientSession
	}

	if err := h.propagator.SetAuth(ctx, credential); err != nil {
		return HandshakeResult{}, fmt.Errorf("%w: %v", ErrPropagationFailed, err)
	}

	if credential.Kind == CredentialToken && h.delay > 0 {
		if err := h.sleep(ctx, h.delay); err != nil {
			return HandshakeResult{}, err
		}
	}

	return HandshakeResult{
		HasSession: token != "",
		Identity:   identity,
		Credential: credential.Kind,
	}, nil
}

// resolveToken looks the session up and refreshes it once on failure.
func (h *Handshake) resolveToken(ctx context.Context) string {
	session, err := h.sessions.Session(ctx)
	if err == nil && strings.TrimSpace(session.AccessToken) != "" {
		return session.AccessToken
	}
	h.logger.Debug("session lookup failed, refreshing", zap.Error(err))

	refreshed, refreshErr := h.sessions.RefreshSession(ctx)
	if refreshErr != nil {
		h.logger.Warn("session refresh failed", zap.Error(refreshErr))
		return ""
	}
	return strings.TrimSpace(refreshed.AccessToken)
}

// SleepContext waits for delay or until ctx is done.
func SleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
