package members

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/studiosync/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "members.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Membership{}); err != nil {
		t.Fatalf("failed to migrate membership schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestGrantAndAuthorize(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.Grant(ctx, "acme", "user-1", ""); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	// granting twice updates the role instead of failing.
	if err := service.Grant(ctx, "acme", "user-1", RoleOwner); err != nil {
		t.Fatalf("second grant failed: %v", err)
	}

	if err := service.Authorize(ctx, auth.Identity{UserID: "user-1"}, "acme"); err != nil {
		t.Fatalf("expected member to be authorized: %v", err)
	}
	if err := service.Authorize(ctx, auth.Identity{UserID: "user-2"}, "acme"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if err := service.Authorize(ctx, auth.Identity{UserID: "user-1"}, "globex"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember for other tenant, got %v", err)
	}

	var stored Membership
	if err := service.db.Where("tenant_id = ? AND user_id = ?", "acme", "user-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload membership: %v", err)
	}
	if stored.Role != RoleOwner {
		t.Fatalf("expected role to be updated, got %q", stored.Role)
	}
}

func TestRevokeClearsCache(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.Grant(ctx, "acme", "user-1", RoleMember); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if member, err := service.IsMember(ctx, "acme", "user-1"); err != nil || !member {
		t.Fatalf("expected cached membership, got %v err=%v", member, err)
	}
	if err := service.Revoke(ctx, "acme", "user-1"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if member, err := service.IsMember(ctx, "acme", "user-1"); err != nil || member {
		t.Fatalf("expected membership to be gone, got %v err=%v", member, err)
	}
}

func TestTenantsFor(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	for _, tenant := range []string{"globex", "acme"} {
		if err := service.Grant(ctx, tenant, "user-1", RoleMember); err != nil {
			t.Fatalf("grant failed: %v", err)
		}
	}
	tenants, err := service.TenantsFor(ctx, "user-1")
	if err != nil {
		t.Fatalf("tenants lookup failed: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "acme" || tenants[1] != "globex" {
		t.Fatalf("unexpected tenants: %v", tenants)
	}
}

func TestGrantRejectsEmptyIdentifiers(t *testing.T) {
	service := newTestService(t)
	if err := service.Grant(context.Background(), " ", "user-1", ""); !errors.Is(err, ErrInvalidMembership) {
		t.Fatalf("expected invalid membership, got %v", err)
	}
}
