package identity

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/mesaj-chat/backend/internal/apperr"
	"gorm.io/gorm"
)

var testDatabaseCounter int64

type sequentialIDProvider struct {
	counter int64
}

func (p *sequentialIDProvider) NewID() (string, error) {
	return fmt.Sprintf("user-%d", atomic.AddInt64(&p.counter, 1)), nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:identity_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDatabaseCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: &sequentialIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestRegisterCreatesAccount(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	user, err := service.Register(ctx, "Alice@Example.com", "sekret1", "alice")
	if err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}
	if user.UserID == "" {
		t.Fatalf("expected assigned user id")
	}
	if user.Email != "alice@example.com" {
		t.Fatalf("expected lowercased email, got %s", user.Email)
	}
	if user.PasswordHash == "sekret1" || user.PasswordHash == "" {
		t.Fatalf("password must be stored as a hash")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.Register(ctx, "alice@example.com", "sekret1", "alice"); err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}
	if _, err := service.Register(ctx, "alice@example.com", "sekret2", "alice2"); !apperr.IsCode(err, apperr.CodeAlreadyExists) {
		t.Fatalf("expected duplicate email rejection, got %v", err)
	}
	if _, err := service.Register(ctx, "other@example.com", "sekret2", "alice"); !apperr.IsCode(err, apperr.CodeAlreadyExists) {
		t.Fatalf("expected duplicate username rejection, got %v", err)
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		email    string
		password string
		username string
	}{
		{name: "missing email", email: "", password: "sekret1", username: "alice"},
		{name: "invalid email", email: "not-an-email", password: "sekret1", username: "alice"},
		{name: "missing username", email: "alice@example.com", password: "sekret1", username: "  "},
		{name: "weak password", email: "alice@example.com", password: "short", username: "alice"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.Register(ctx, testCase.email, testCase.password, testCase.username)
			if !apperr.IsCode(err, apperr.CodeInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
}

func TestAuthenticateChecksCredentials(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	registered, err := service.Register(ctx, "alice@example.com", "sekret1", "alice")
	if err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}

	user, err := service.Authenticate(ctx, "ALICE@example.com", "sekret1")
	if err != nil {
		t.Fatalf("unexpected authentication error: %v", err)
	}
	if user.UserID != registered.UserID {
		t.Fatalf("authenticated wrong account")
	}

	if _, err := service.Authenticate(ctx, "alice@example.com", "wrong-pass"); !apperr.IsCode(err, apperr.CodeUnauthenticated) {
		t.Fatalf("expected unauthenticated for wrong password, got %v", err)
	}
	if _, err := service.Authenticate(ctx, "nobody@example.com", "sekret1"); !apperr.IsCode(err, apperr.CodeUnauthenticated) {
		t.Fatalf("expected unauthenticated for unknown email, got %v", err)
	}
}

func TestListUsersExcludesCaller(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	alice, err := service.Register(ctx, "alice@example.com", "sekret1", "alice")
	if err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}
	if _, err := service.Register(ctx, "bob@example.com", "sekret1", "bob"); err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}

	users, err := service.ListUsers(ctx, alice.UserID)
	if err != nil {
		t.Fatalf("unexpected listing error: %v", err)
	}
	if len(users) != 1 || users[0].Username != "bob" {
		t.Fatalf("expected only bob in directory, got %#v", users)
	}
}

func TestUpdateProfileAppliesPartialChanges(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	user, err := service.Register(ctx, "alice@example.com", "sekret1", "alice")
	if err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}

	displayName := "Alice A."
	updated, err := service.UpdateProfile(ctx, user.UserID, ProfileUpdate{DisplayName: &displayName})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if updated.DisplayName != "Alice A." {
		t.Fatalf("expected updated display name, got %q", updated.DisplayName)
	}
	if updated.Username != "alice" {
		t.Fatalf("username must not change, got %q", updated.Username)
	}

	if _, err := service.UpdateProfile(ctx, "missing", ProfileUpdate{DisplayName: &displayName}); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
}

func TestPushTokenRoundTrip(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	user, err := service.Register(ctx, "alice@example.com", "sekret1", "alice")
	if err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}

	token, err := service.PushToken(ctx, user.UserID)
	if err != nil || token != "" {
		t.Fatalf("expected empty token for fresh account, got %q err %v", token, err)
	}

	if err := service.SetPushToken(ctx, user.UserID, "device-token-1"); err != nil {
		t.Fatalf("unexpected error storing token: %v", err)
	}
	token, err = service.PushToken(ctx, user.UserID)
	if err != nil || token != "device-token-1" {
		t.Fatalf("expected stored token, got %q err %v", token, err)
	}

	// Unknown users resolve to an empty token, not an error.
	token, err = service.PushToken(ctx, "ghost")
	if err != nil || token != "" {
		t.Fatalf("expected empty token for unknown user, got %q err %v", token, err)
	}

	if err := service.SetPushToken(ctx, "ghost", "x"); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found storing token for unknown user, got %v", err)
	}
}
