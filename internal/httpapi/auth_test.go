package httpapi

import (
	"context"
	"sync"
	"testing"
	"time"

	"tillsync/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	userStore := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, "123456", userStore)
	_, err := manager.Login(domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := userStore.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if userStore.updates == 0 {
		t.Fatalf("expected an UpdateUserPassword call during bootstrap")
	}
}

func TestAuthManagerTokenRoundTrip(t *testing.T) {
	userStore := &userStoreStub{
		users: map[string]domain.UserAccount{
			"cashier": {
				Username:  "cashier",
				Password:  mustHashPassword(t, "cashier123"),
				Role:      "cashier",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, "123456", userStore)

	resp, err := manager.Login(domain.LoginRequest{Username: "cashier", Password: "cashier123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "cashier" || actor.Role != "cashier" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestAuthManagerRejectsForgedToken(t *testing.T) {
	userStore := &userStoreStub{}
	manager := NewAuthManager("test-secret", time.Hour, "123456", userStore)
	other := NewAuthManager("different-secret", time.Hour, "123456", userStore)

	if err := userStore.CreateUser(context.Background(), domain.UserAccount{
		Username:  "admin",
		Password:  mustHashPassword(t, "admin123"),
		Role:      "admin",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	resp, err := other.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login against other manager: %v", err)
	}
	if _, err := manager.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with a different secret to be rejected")
	}
}

func TestAuthManagerInactiveAccountCannotLogin(t *testing.T) {
	userStore := &userStoreStub{
		users: map[string]domain.UserAccount{
			"former": {
				Username:  "former",
				Password:  mustHashPassword(t, "oldpass"),
				Role:      "cashier",
				Active:    false,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, "123456", userStore)

	if _, err := manager.Login(domain.LoginRequest{Username: "former", Password: "oldpass"}); err == nil {
		t.Fatalf("expected inactive account to be rejected")
	}
}

func TestValidateManagerPIN(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "483921", &userStoreStub{})

	if !manager.ValidateManagerPIN("483921") {
		t.Fatalf("expected correct PIN to validate")
	}
	if manager.ValidateManagerPIN("000000") {
		t.Fatalf("expected wrong PIN to fail")
	}
	if manager.ValidateManagerPIN("") {
		t.Fatalf("expected empty PIN to fail")
	}
}

func TestCreateCashierValidation(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", &userStoreStub{})

	cases := []struct {
		name string
		req  domain.CashierCreateRequest
	}{
		{"short username", domain.CashierCreateRequest{Username: "ab", Password: "longenough"}},
		{"short password", domain.CashierCreateRequest{Username: "kiosk", Password: "abc"}},
	}
	for _, tc := range cases {
		if _, err := manager.CreateCashier(tc.req); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}

	if _, err := manager.CreateCashier(domain.CashierCreateRequest{Username: "kiosk", Password: "longenough"}); err != nil {
		t.Fatalf("valid cashier rejected: %v", err)
	}
	if _, err := manager.CreateCashier(domain.CashierCreateRequest{Username: "kiosk", Password: "longenough"}); err == nil {
		t.Fatalf("expected duplicate username to be rejected")
	}
}
