package studio

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/studiosync/internal/reconcile"
)

const maxIdentifierLength = 190

// EntityType names the persisted aggregates.
type EntityType string

const (
	EntityQuote    EntityType = "quote"
	EntityLineItem EntityType = "line_item"
	EntityTask     EntityType = "task"
)

var (
	// ErrInvalidTenantID indicates that a tenant identifier is empty or exceeds storage bounds.
	ErrInvalidTenantID = errors.New("studio: invalid tenant id")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("studio: invalid entity id")
	// ErrTaskNotFound indicates a task that does not exist for the tenant.
	ErrTaskNotFound = errors.New("studio: task not found")
	// ErrQuoteNotFound indicates a quote that does not exist for the tenant.
	ErrQuoteNotFound = errors.New("studio: quote not found")
)

// TenantID represents a validated tenant identifier.
type TenantID string

// NewTenantID validates raw input and returns a TenantID.
func NewTenantID(rawInput string) (TenantID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTenantID, maxIdentifierLength)
	}
	if strings.Contains(trimmed, ":") {
		return "", fmt.Errorf("%w: contains separator", ErrInvalidTenantID)
	}
	return TenantID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TenantID) String() string {
	return string(id)
}

func validEntityID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return trimmed, nil
}

// Quote is the persisted quote row.
type Quote struct {
	TenantID         string `gorm:"column:tenant_id;primaryKey;size:190;not null;index:idx_quotes_tenant_created,priority:1"`
	QuoteID          string `gorm:"column:quote_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:320;not null;default:''"`
	Status           string `gorm:"column:status;size:64;not null;default:''"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_quotes_tenant_created,priority:2"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Quote) TableName() string {
	return "quotes"
}

// LineItem is the persisted line item row.
type LineItem struct {
	TenantID         string `gorm:"column:tenant_id;primaryKey;size:190;not null;index:idx_line_items_quote,priority:1"`
	LineItemID       string `gorm:"column:line_item_id;primaryKey;size:190;not null"`
	QuoteID          string `gorm:"column:quote_id;size:190;not null;index:idx_line_items_quote,priority:2"`
	Description      string `gorm:"column:description;type:text;not null;default:''"`
	Quantity         int    `gorm:"column:quantity;not null;default:0"`
	UnitPriceCents   int64  `gorm:"column:unit_price_cents;not null;default:0"`
	Position         int    `gorm:"column:position;not null;default:0;index:idx_line_items_quote,priority:3"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LineItem) TableName() string {
	return "line_items"
}

// Task is the persisted task row. Manual tasks carry an empty line item id.
type Task struct {
	TenantID           string `gorm:"column:tenant_id;primaryKey;size:190;not null;index:idx_tasks_tenant_order,priority:1"`
	TaskID             string `gorm:"column:task_id;primaryKey;size:190;not null"`
	QuoteID            string `gorm:"column:quote_id;size:190;not null;default:''"`
	LineItemID         string `gorm:"column:line_item_id;size:190;not null;default:'';index"`
	Title              string `gorm:"column:title;size:320;not null;default:''"`
	Status             string `gorm:"column:status;size:64;not null;default:''"`
	SortOrder          int    `gorm:"column:sort_order;not null;default:0;index:idx_tasks_tenant_order,priority:2"`
	DueAtSeconds       *int64 `gorm:"column:due_at_s"`
	CompletedAtSeconds *int64 `gorm:"column:completed_at_s"`
	NoteCount          *int   `gorm:"column:note_count"`
	Version            int64  `gorm:"column:version;not null;default:1"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Task) TableName() string {
	return "tasks"
}

// Change is the append-only audit trail of studio writes.
type Change struct {
	ChangeID         string     `gorm:"column:change_id;primaryKey;size:190;not null"`
	TenantID         string     `gorm:"column:tenant_id;size:190;not null;index:idx_studio_changes_tenant_time,priority:1"`
	EntityType       EntityType `gorm:"column:entity_type;size:32;not null"`
	EntityID         string     `gorm:"column:entity_id;size:190;not null"`
	Operation        string     `gorm:"column:op;size:16;not null"`
	AppliedAtSeconds int64      `gorm:"column:applied_at_s;not null;index:idx_studio_changes_tenant_time,priority:2"`
	NewVersion       *int64     `gorm:"column:new_version"`
}

// TableName provides the explicit table binding for GORM.
func (Change) TableName() string {
	return "studio_changes"
}

// Models lists the rows the store migrates.
func Models() []any {
	return []any{&Quote{}, &LineItem{}, &Task{}, &Change{}}
}

func taskFromRow(row Task) reconcile.Task {
	task := reconcile.Task{
		ID:          row.TaskID,
		QuoteID:     row.QuoteID,
		LineItemID:  row.LineItemID,
		Title:       row.Title,
		Status:      row.Status,
		Order:       row.SortOrder,
		DueAt:       timeFromSeconds(row.DueAtSeconds),
		CompletedAt: timeFromSeconds(row.CompletedAtSeconds),
		Version:     row.Version,
	}
	if row.NoteCount != nil {
		count := *row.NoteCount
		task.NoteCount = &count
	}
	return task
}

func taskRow(tenantID TenantID, task reconcile.Task) Task {
	row := Task{
		TenantID:           tenantID.String(),
		TaskID:             task.ID,
		QuoteID:            task.QuoteID,
		LineItemID:         task.LineItemID,
		Title:              task.Title,
		Status:             task.Status,
		SortOrder:          task.Order,
		DueAtSeconds:       secondsFromTime(task.DueAt),
		CompletedAtSeconds: secondsFromTime(task.CompletedAt),
	}
	if task.NoteCount != nil {
		count := *task.NoteCount
		row.NoteCount = &count
	}
	return row
}

func lineItemFromRow(row LineItem) reconcile.LineItem {
	return reconcile.LineItem{
		ID:             row.LineItemID,
		QuoteID:        row.QuoteID,
		Description:    row.Description,
		Quantity:       row.Quantity,
		UnitPriceCents: row.UnitPriceCents,
		Position:       row.Position,
		Version:        row.Version,
	}
}

func quoteFromRow(row Quote) reconcile.Quote {
	return reconcile.Quote{
		ID:        row.QuoteID,
		TenantID:  row.TenantID,
		Title:     row.Title,
		Status:    row.Status,
		LineItems: []reconcile.LineItem{},
		Version:   row.Version,
	}
}

func timeFromSeconds(seconds *int64) *time.Time {
	if seconds == nil {
		return nil
	}
	value := time.Unix(*seconds, 0).UTC()
	return &value
}

func secondsFromTime(value *time.Time) *int64 {
	if value == nil {
		return nil
	}
	seconds := value.UTC().Unix()
	return &seconds
}
