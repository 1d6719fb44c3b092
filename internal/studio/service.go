package studio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/studiosync/internal/broadcast"
	"github.com/MarcoPoloResearchLab/studiosync/internal/channels"
	"github.com/MarcoPoloResearchLab/studiosync/internal/events"
	"github.com/MarcoPoloResearchLab/studiosync/internal/reconcile"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "studio.service.new"
	opLoadView    = "studio.load_view"
	opUpsertTask  = "studio.upsert_task"
	opDeleteTask  = "studio.delete_task"
	opUpsertQuote = "studio.upsert_quote"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for entities created without one.
type IDProvider interface {
	NewID() (string, error)
}

// IDFunc adapts a function to IDProvider.
type IDFunc func() (string, error)

func (f IDFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider returns an IDProvider issuing UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return IDFunc(func() (string, error) {
		value, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return value.String(), nil
	})
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	// Publisher receives a change event after every committed write. Optional.
	Publisher broadcast.Publisher
	Scope     string
	Logger    *zap.Logger
}

// Service is the server-authoritative snapshot store of studio tenants.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  broadcast.Publisher
	scope      string
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	scope := cfg.Scope
	if scope == "" {
		scope = channels.DefaultScope
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		publisher:  cfg.Publisher,
		scope:      scope,
		logger:     logger,
	}, nil
}

// LoadView returns the tenant's snapshot: quotes by creation, line items by
// position with their owned task, and manual tasks by sort order.
func (s *Service) LoadView(ctx context.Context, tenantID string) (reconcile.View, error) {
	tenant, err := NewTenantID(tenantID)
	if err != nil {
		return reconcile.View{}, newServiceError(opLoadView, "invalid_tenant", err)
	}

	db := s.db.WithContext(ctx)
	var quoteRows []Quote
	if err := db.Where("tenant_id = ?", tenant.String()).Order("created_at_s ASC, quote_id ASC").Find(&quoteRows).Error; err != nil {
		s.logError(opLoadView, "quote_query_failed", err, zap.String("tenant_id", tenant.String()))
		return reconcile.View{}, newServiceError(opLoadView, "quote_query_failed", err)
	}
	var itemRows []LineItem
	if err := db.Where("tenant_id = ?", tenant.String()).Order("quote_id ASC, position ASC, line_item_id ASC").Find(&itemRows).Error; err != nil {
		s.logError(opLoadView, "line_item_query_failed", err, zap.String("tenant_id", tenant.String()))
		return reconcile.View{}, newServiceError(opLoadView, "line_item_query_failed", err)
	}
	var taskRows []Task
	if err := db.Where("tenant_id = ?", tenant.String()).Order("sort_order ASC, task_id ASC").Find(&taskRows).Error; err != nil {
		s.logError(opLoadView, "task_query_failed", err, zap.String("tenant_id", tenant.String()))
		return reconcile.View{}, newServiceError(opLoadView, "task_query_failed", err)
	}

	view := reconcile.View{
		Quotes:      make([]reconcile.Quote, 0, len(quoteRows)),
		ManualTasks: make([]reconcile.Task, 0),
	}
	ownedTasks := make(map[string]reconcile.Task)
	for _, row := range taskRows {
		if row.LineItemID == "" {
			view.ManualTasks = append(view.ManualTasks, taskFromRow(row))
			continue
		}
		ownedTasks[row.LineItemID] = taskFromRow(row)
	}
	itemsByQuote := make(map[string][]reconcile.LineItem)
	for _, row := range itemRows {
		item := lineItemFromRow(row)
		if task, ok := ownedTasks[row.LineItemID]; ok {
			item.Task = &task
		}
		itemsByQuote[row.QuoteID] = append(itemsByQuote[row.QuoteID], item)
	}
	for _, row := range quoteRows {
		quote := quoteFromRow(row)
		if items, ok := itemsByQuote[row.QuoteID]; ok {
			quote.LineItems = items
		}
		view.Quotes = append(view.Quotes, quote)
	}
	return view, nil
}

// UpsertTask creates or updates a task and bumps its version.
func (s *Service) UpsertTask(ctx context.Context, tenantID string, task reconcile.Task) (reconcile.Task, error) {
	tenant, err := NewTenantID(tenantID)
	if err != nil {
		return reconcile.Task{}, newServiceError(opUpsertTask, "invalid_tenant", err)
	}
	if task.ID, err = s.resolveID(task.ID); err != nil {
		return reconcile.Task{}, newServiceError(opUpsertTask, "invalid_task_id", err)
	}

	now := s.clock().UTC().Unix()
	var saved Task
	operation := events.OperationInsert
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Task
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND task_id = ?", tenant.String(), task.ID).
			Take(&existing).Error
		version := int64(1)
		switch {
		case err == nil:
			operation = events.OperationUpdate
			version = existing.Version + 1
		case !errors.Is(err, gorm.ErrRecordNotFound):
			s.logError(opUpsertTask, "task_select_failed", err, zap.String("tenant_id", tenant.String()), zap.String("task_id", task.ID))
			return newServiceError(opUpsertTask, "task_select_failed", err)
		}

		saved = taskRow(tenant, task)
		saved.Version = version
		saved.UpdatedAtSeconds = now
		if err := tx.Save(&saved).Error; err != nil {
			s.logError(opUpsertTask, "task_save_failed", err, zap.String("tenant_id", tenant.String()), zap.String("task_id", task.ID))
			return newServiceError(opUpsertTask, "task_save_failed", err)
		}
		return s.recordChange(tx, opUpsertTask, tenant, EntityTask, task.ID, operation, now, &version)
	})
	if txErr != nil {
		return reconcile.Task{}, txErr
	}

	result := taskFromRow(saved)
	s.publish(ctx, tenant, channels.ResourceTasks, operation, "record", result)
	return result, nil
}

// DeleteTask removes a task and broadcasts its last image.
func (s *Service) DeleteTask(ctx context.Context, tenantID string, taskID string) error {
	tenant, err := NewTenantID(tenantID)
	if err != nil {
		return newServiceError(opDeleteTask, "invalid_tenant", err)
	}
	id, err := validEntityID(taskID)
	if err != nil {
		return newServiceError(opDeleteTask, "invalid_task_id", err)
	}

	now := s.clock().UTC().Unix()
	var removed Task
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND task_id = ?", tenant.String(), id).
			Take(&removed).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteTask, "not_found", ErrTaskNotFound)
		}
		if err != nil {
			s.logError(opDeleteTask, "task_select_failed", err, zap.String("tenant_id", tenant.String()), zap.String("task_id", id))
			return newServiceError(opDeleteTask, "task_select_failed", err)
		}
		if err := tx.Where("tenant_id = ? AND task_id = ?", tenant.String(), id).Delete(&Task{}).Error; err != nil {
			s.logError(opDeleteTask, "task_delete_failed", err, zap.String("tenant_id", tenant.String()), zap.String("task_id", id))
			return newServiceError(opDeleteTask, "task_delete_failed", err)
		}
		return s.recordChange(tx, opDeleteTask, tenant, EntityTask, id, events.OperationDelete, now, nil)
	})
	if txErr != nil {
		return txErr
	}

	s.publish(ctx, tenant, channels.ResourceTasks, events.OperationDelete, "old_record", taskFromRow(removed))
	return nil
}

// UpsertQuote writes a quote with its full ordered line item list. Line item
// positions follow the input order; items and owned tasks absent from the input
// are removed.
func (s *Service) UpsertQuote(ctx context.Context, tenantID string, quote reconcile.Quote) (reconcile.Quote, error) {
	tenant, err := NewTenantID(tenantID)
	if err != nil {
		return reconcile.Quote{}, newServiceError(opUpsertQuote, "invalid_tenant", err)
	}
	if quote.ID, err = s.resolveID(quote.ID); err != nil {
		return reconcile.Quote{}, newServiceError(opUpsertQuote, "invalid_quote_id", err)
	}
	quote.LineItems = append([]reconcile.LineItem(nil), quote.LineItems...)
	for index := range quote.LineItems {
		item := &quote.LineItems[index]
		if item.ID, err = s.resolveID(item.ID); err != nil {
			return reconcile.Quote{}, newServiceError(opUpsertQuote, "invalid_line_item_id", err)
		}
		if item.Task != nil {
			task := *item.Task
			if task.ID, err = s.resolveID(task.ID); err != nil {
				return reconcile.Quote{}, newServiceError(opUpsertQuote, "invalid_task_id", err)
			}
			item.Task = &task
		}
	}

	now := s.clock().UTC().Unix()
	operation := events.OperationInsert
	var result reconcile.Quote
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := []zap.Field{zap.String("tenant_id", tenant.String()), zap.String("quote_id", quote.ID)}

		var existing Quote
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND quote_id = ?", tenant.String(), quote.ID).
			Take(&existing).Error
		row := Quote{TenantID: tenant.String(), QuoteID: quote.ID, Version: 1, CreatedAtSeconds: now}
		switch {
		case err == nil:
			operation = events.OperationUpdate
			row.Version = existing.Version + 1
			row.CreatedAtSeconds = existing.CreatedAtSeconds
		case !errors.Is(err, gorm.ErrRecordNotFound):
			s.logError(opUpsertQuote, "quote_select_failed", err, fields...)
			return newServiceError(opUpsertQuote, "quote_select_failed", err)
		}
		row.Title = quote.Title
		row.Status = quote.Status
		row.UpdatedAtSeconds = now
		if err := tx.Save(&row).Error; err != nil {
			s.logError(opUpsertQuote, "quote_save_failed", err, fields...)
			return newServiceError(opUpsertQuote, "quote_save_failed", err)
		}

		var existingItems []LineItem
		if err := tx.Where("tenant_id = ? AND quote_id = ?", tenant.String(), quote.ID).Find(&existingItems).Error; err != nil {
			s.logError(opUpsertQuote, "line_item_query_failed", err, fields...)
			return newServiceError(opUpsertQuote, "line_item_query_failed", err)
		}
		itemVersions := make(map[string]int64, len(existingItems))
		for _, item := range existingItems {
			itemVersions[item.LineItemID] = item.Version
		}

		result = quoteFromRow(row)
		kept := make([]string, 0, len(quote.LineItems))
		for position, item := range quote.LineItems {
			itemRow := LineItem{
				TenantID:         tenant.String(),
				LineItemID:       item.ID,
				QuoteID:          quote.ID,
				Description:      item.Description,
				Quantity:         item.Quantity,
				UnitPriceCents:   item.UnitPriceCents,
				Position:         position,
				Version:          itemVersions[item.ID] + 1,
				UpdatedAtSeconds: now,
			}
			if err := tx.Save(&itemRow).Error; err != nil {
				s.logError(opUpsertQuote, "line_item_save_failed", err, append(fields, zap.String("line_item_id", item.ID))...)
				return newServiceError(opUpsertQuote, "line_item_save_failed", err)
			}
			merged := lineItemFromRow(itemRow)

			owned, err := s.saveOwnedTask(tx, tenant, quote.ID, item, now)
			if err != nil {
				s.logError(opUpsertQuote, "owned_task_save_failed", err, append(fields, zap.String("line_item_id", item.ID))...)
				return newServiceError(opUpsertQuote, "owned_task_save_failed", err)
			}
			merged.Task = owned
			result.LineItems = append(result.LineItems, merged)
			kept = append(kept, item.ID)
		}

		stale := tx.Where("tenant_id = ? AND quote_id = ?", tenant.String(), quote.ID)
		if len(kept) > 0 {
			stale = stale.Where("line_item_id NOT IN ?", kept)
		}
		var staleItems []LineItem
		if err := stale.Find(&staleItems).Error; err != nil {
			s.logError(opUpsertQuote, "stale_query_failed", err, fields...)
			return newServiceError(opUpsertQuote, "stale_query_failed", err)
		}
		for _, item := range staleItems {
			if err := tx.Where("tenant_id = ? AND line_item_id = ?", tenant.String(), item.LineItemID).Delete(&Task{}).Error; err != nil {
				return newServiceError(opUpsertQuote, "stale_task_delete_failed", err)
			}
			if err := tx.Where("tenant_id = ? AND line_item_id = ?", tenant.String(), item.LineItemID).Delete(&LineItem{}).Error; err != nil {
				return newServiceError(opUpsertQuote, "stale_line_item_delete_failed", err)
			}
		}

		version := row.Version
		return s.recordChange(tx, opUpsertQuote, tenant, EntityQuote, quote.ID, operation, now, &version)
	})
	if txErr != nil {
		return reconcile.Quote{}, txErr
	}

	s.publish(ctx, tenant, channels.ResourceQuotes, operation, "record", result)
	return result, nil
}

func (s *Service) saveOwnedTask(tx *gorm.DB, tenant TenantID, quoteID string, item reconcile.LineItem, now int64) (*reconcile.Task, error) {
	var existing Task
	err := tx.Where("tenant_id = ? AND line_item_id = ?", tenant.String(), item.ID).Take(&existing).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if item.Task == nil {
		if found {
			if err := tx.Where("tenant_id = ? AND task_id = ?", tenant.String(), existing.TaskID).Delete(&Task{}).Error; err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	task := *item.Task
	task.QuoteID = quoteID
	task.LineItemID = item.ID
	row := taskRow(tenant, task)
	row.Version = 1
	if found {
		if existing.TaskID != task.ID {
			if err := tx.Where("tenant_id = ? AND task_id = ?", tenant.String(), existing.TaskID).Delete(&Task{}).Error; err != nil {
				return nil, err
			}
		} else {
			row.Version = existing.Version + 1
		}
	}
	row.UpdatedAtSeconds = now
	if err := tx.Save(&row).Error; err != nil {
		return nil, err
	}
	saved := taskFromRow(row)
	return &saved, nil
}

func (s *Service) resolveID(raw string) (string, error) {
	if raw == "" {
		return s.idProvider.NewID()
	}
	return validEntityID(raw)
}

func (s *Service) recordChange(tx *gorm.DB, operation string, tenant TenantID, entityType EntityType, entityID string, change events.Operation, appliedAt int64, version *int64) error {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, zap.String("tenant_id", tenant.String()), zap.String("entity_id", entityID))
		return newServiceError(operation, "id_generation_failed", err)
	}
	record := Change{
		ChangeID:         changeID,
		TenantID:         tenant.String(),
		EntityType:       entityType,
		EntityID:         entityID,
		Operation:        string(change),
		AppliedAtSeconds: appliedAt,
		NewVersion:       version,
	}
	if err := tx.Create(&record).Error; err != nil {
		s.logError(operation, "audit_insert_failed", err, zap.String("tenant_id", tenant.String()), zap.String("entity_id", entityID))
		return newServiceError(operation, "audit_insert_failed", err)
	}
	return nil
}

// publish broadcasts a committed change. Failures are logged; the write stands.
func (s *Service) publish(ctx context.Context, tenant TenantID, resource string, operation events.Operation, imageKey string, image any) {
	if s.publisher == nil {
		return
	}
	topic := channels.TopicName(s.scope, tenant.String(), resource)
	payload, err := json.Marshal(map[string]any{imageKey: image})
	if err != nil {
		s.logError("studio.publish", "encode_failed", err, zap.String("channel", topic))
		return
	}
	message := broadcast.Message{
		Topic:     topic,
		Event:     string(operation),
		Payload:   payload,
		Timestamp: s.clock().UTC(),
	}
	if err := s.publisher.Publish(ctx, message); err != nil {
		s.logger.Warn("change broadcast failed", zap.String("channel", topic), zap.String("event", message.Event), zap.Error(err))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("studio service error", attrs...)
}
