package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/studiosync/internal/auth"
	"github.com/MarcoPoloResearchLab/studiosync/internal/channels"
	"github.com/MarcoPoloResearchLab/studiosync/internal/events"
)

// ErrAccessDenied indicates a join on a private topic without a usable token.
var ErrAccessDenied = errors.New("broadcast: access denied")

// TokenValidator verifies studio access tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.AccessClaims, error)
}

// AuthorizeTopic checks that the token grants access to the topic's tenant.
func AuthorizeTopic(validator TokenValidator, token string, topic string) (auth.AccessClaims, error) {
	_, tenantID, _, err := channels.ParseTopic(topic)
	if err != nil {
		return auth.AccessClaims{}, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	if validator == nil {
		return auth.AccessClaims{}, fmt.Errorf("%w: no token validator", ErrAccessDenied)
	}
	if token == "" {
		return auth.AccessClaims{}, fmt.Errorf("%w: token required", ErrAccessDenied)
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		return auth.AccessClaims{}, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	if !claims.HasTenant(tenantID) {
		return auth.AccessClaims{}, fmt.Errorf("%w: tenant %s not granted", ErrAccessDenied, tenantID)
	}
	return claims, nil
}

// credentialState is the auth state a transport applies to private joins.
// An ambient credential carries no token here, so private joins are refused.
type credentialState struct {
	mu         sync.RWMutex
	credential auth.Credential
}

func (s *credentialState) SetAuth(ctx context.Context, credential auth.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = credential
	return nil
}

func (s *credentialState) token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.credential.Kind != auth.CredentialToken {
		return ""
	}
	return s.credential.Token
}

// handlerSet routes messages to raw handlers bound by event name or wildcard.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[string][]channels.RawHandler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[string][]channels.RawHandler)}
}

func (h *handlerSet) add(eventName string, handler channels.RawHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[eventName] = append(h.handlers[eventName], handler)
}

func (h *handlerSet) deliver(message Message) {
	h.mu.RLock()
	targets := append([]channels.RawHandler(nil), h.handlers[message.Event]...)
	if message.Event != events.EventWildcard {
		targets = append(targets, h.handlers[events.EventWildcard]...)
	}
	h.mu.RUnlock()
	for _, handler := range targets {
		handler(message.Event, message.Payload)
	}
}
