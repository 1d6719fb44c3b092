package members

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/studiosync/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

var (
	// ErrNotMember indicates that the user holds no membership in the tenant.
	ErrNotMember = errors.New("members: not a member of tenant")
	// ErrInvalidMembership indicates an empty tenant or user identifier.
	ErrInvalidMembership = errors.New("members: invalid membership")
)

// Membership grants a user access to one tenant.
type Membership struct {
	TenantID  string    `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role      string    `gorm:"column:role;size:32;not null;default:'member'"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing memberships.
func (Membership) TableName() string {
	return "tenant_memberships"
}

// ServiceConfig describes the dependencies of the membership service.
type ServiceConfig struct {
	Database *gorm.DB
}

// Service answers membership questions with a positive-result cache.
type Service struct {
	db    *gorm.DB
	cache sync.Map
}

// NewService constructs the membership service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("members: database connection required")
	}
	return &Service{db: cfg.Database}, nil
}

// Grant records or updates a membership.
func (s *Service) Grant(ctx context.Context, tenantID, userID, role string) error {
	tenantID, userID = normalize(tenantID), normalize(userID)
	if tenantID == "" || userID == "" {
		return ErrInvalidMembership
	}
	if role = normalize(role); role == "" {
		role = RoleMember
	}
	membership := Membership{TenantID: tenantID, UserID: userID, Role: role}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
		}).
		Create(&membership).Error
	if err != nil {
		return err
	}
	s.cache.Store(cacheKey(tenantID, userID), true)
	return nil
}

// Revoke removes a membership.
func (s *Service) Revoke(ctx context.Context, tenantID, userID string) error {
	tenantID, userID = normalize(tenantID), normalize(userID)
	s.cache.Delete(cacheKey(tenantID, userID))
	return s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Delete(&Membership{}).Error
}

// IsMember reports whether the user belongs to the tenant.
func (s *Service) IsMember(ctx context.Context, tenantID, userID string) (bool, error) {
	tenantID, userID = normalize(tenantID), normalize(userID)
	if tenantID == "" || userID == "" {
		return false, nil
	}
	key := cacheKey(tenantID, userID)
	if cached, ok := s.cache.Load(key); ok {
		if member, ok := cached.(bool); ok && member {
			return true, nil
		}
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	s.cache.Store(key, true)
	return true, nil
}

// TenantsFor lists the tenants a user belongs to.
func (s *Service) TenantsFor(ctx context.Context, userID string) ([]string, error) {
	var tenants []string
	err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("user_id = ?", normalize(userID)).
		Order("tenant_id ASC").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

// Authorize fails with ErrNotMember unless the identity belongs to the tenant.
func (s *Service) Authorize(ctx context.Context, identity auth.Identity, tenantID string) error {
	member, err := s.IsMember(ctx, tenantID, identity.UserID)
	if err != nil {
		return fmt.Errorf("members: lookup failed: %w", err)
	}
	if !member {
		return fmt.Errorf("%w: %s", ErrNotMember, normalize(tenantID))
	}
	return nil
}

func cacheKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
