// Package liveview keeps a locally mutated tenant view in step with the server.
// Local edits apply immediately; every change event triggers a re-fetch whose
// snapshot is reconciled with the current local view.
package liveview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/studiosync/internal/events"
	"github.com/MarcoPoloResearchLab/studiosync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/studiosync/internal/subscription"
	"go.uber.org/zap"
)

const updatesBufferSize = 8

var (
	errMissingFetcher = errors.New("liveview: fetcher required")
	errMissingTenant  = errors.New("liveview: tenant id required")
)

// Fetcher loads the server-authoritative snapshot of a tenant.
type Fetcher interface {
	LoadView(ctx context.Context, tenantID string) (reconcile.View, error)
}

// Config describes a LiveView.
type Config struct {
	TenantID string
	Fetcher  Fetcher
	Initial  reconcile.View
	Logger   *zap.Logger
}

// LiveView holds the reconciled view of one tenant.
type LiveView struct {
	tenantID string
	fetcher  Fetcher
	logger   *zap.Logger
	updates  chan reconcile.View

	mu      sync.Mutex
	current reconcile.View
}

// New constructs a LiveView seeded with cfg.Initial.
func New(cfg Config) (*LiveView, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	tenantID := strings.TrimSpace(cfg.TenantID)
	if tenantID == "" {
		return nil, errMissingTenant
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveView{
		tenantID: tenantID,
		fetcher:  cfg.Fetcher,
		logger:   logger.With(zap.String("tenant_id", tenantID)),
		updates:  make(chan reconcile.View, updatesBufferSize),
		current:  cfg.Initial.Clone(),
	}, nil
}

// Current returns a copy of the view.
func (v *LiveView) Current() reconcile.View {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current.Clone()
}

// Updates streams every new view. Slow readers miss intermediate views.
func (v *LiveView) Updates() <-chan reconcile.View {
	return v.updates
}

// Apply runs an optimistic mutation against a copy of the view and stores it.
func (v *LiveView) Apply(mutate func(view *reconcile.View)) reconcile.View {
	v.mu.Lock()
	next := v.current.Clone()
	mutate(&next)
	v.current = next
	snapshot := next.Clone()
	v.mu.Unlock()

	v.emit(snapshot)
	return snapshot
}

// Refresh fetches the server snapshot and reconciles it with the local view as
// it stands once the fetch returns.
func (v *LiveView) Refresh(ctx context.Context) (reconcile.View, error) {
	server, err := v.fetcher.LoadView(ctx, v.tenantID)
	if err != nil {
		return reconcile.View{}, fmt.Errorf("liveview: load %s: %w", v.tenantID, err)
	}

	v.mu.Lock()
	v.current = reconcile.Reconcile(v.current, server)
	snapshot := v.current.Clone()
	v.mu.Unlock()

	v.emit(snapshot)
	return snapshot, nil
}

// Handlers returns subscription handlers that refresh the view on every change.
func (v *LiveView) Handlers() subscription.Handlers {
	handler := func(ctx context.Context, event events.ChangeEvent) {
		if _, err := v.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			v.logger.Warn("refresh after change failed",
				zap.String("operation", string(event.Operation)),
				zap.String("entity_id", event.EntityID),
				zap.Error(err))
			return
		}
		v.logger.Debug("view reconciled",
			zap.String("operation", string(event.Operation)),
			zap.String("entity_id", event.EntityID))
	}
	return subscription.Handlers{Insert: handler, Update: handler, Delete: handler}
}

func (v *LiveView) emit(view reconcile.View) {
	select {
	case v.updates <- view:
	default:
		select {
		case <-v.updates:
		default:
		}
		select {
		case v.updates <- view:
		default:
		}
	}
}
