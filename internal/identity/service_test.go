package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/kartei-app/kartei/internal/review"
)

func newTestIdentityService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC) },
		IDProvider: review.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestRegisterAndAuthenticate(t *testing.T) {
	service := newTestIdentityService(t)

	created, err := service.Register(context.Background(), "  Alice  ", "correct horse", false)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if created.Username != "alice" {
		t.Fatalf("username = %q, want normalized alice", created.Username)
	}
	if created.PasswordHash == "correct horse" {
		t.Fatal("password must not be stored in the clear")
	}

	authenticated, err := service.Authenticate(context.Background(), "alice", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if authenticated.UserID != created.UserID {
		t.Fatalf("authenticated user %s, want %s", authenticated.UserID, created.UserID)
	}

	if _, err := service.Authenticate(context.Background(), "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := service.Authenticate(context.Background(), "nobody", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user error = %v, want ErrInvalidCredentials", err)
	}
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	service := newTestIdentityService(t)

	if _, err := service.Register(context.Background(), "alice", "secret", false); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if _, err := service.Register(context.Background(), "ALICE", "another", false); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("duplicate register error = %v, want ErrUsernameTaken", err)
	}
}

func TestRegisterRequiresCredentials(t *testing.T) {
	service := newTestIdentityService(t)

	if _, err := service.Register(context.Background(), "", "secret", false); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("empty username error = %v, want ErrMissingCredentials", err)
	}
	if _, err := service.Register(context.Background(), "alice", "", false); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("empty password error = %v, want ErrMissingCredentials", err)
	}
}

func TestFindByID(t *testing.T) {
	service := newTestIdentityService(t)

	created, err := service.Register(context.Background(), "alice", "secret", true)
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	found, err := service.FindByID(context.Background(), created.UserID)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if !found.Admin {
		t.Fatal("admin flag lost on reload")
	}
	if _, err := service.FindByID(context.Background(), "missing"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("unknown id error = %v, want ErrUnknownUser", err)
	}
}
