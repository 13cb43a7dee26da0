package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/xid"
)

type userStoreStub struct {
	mu    sync.Mutex
	users map[string]domain.User
}

func (s *userStoreStub) FindUserByUsername(_ context.Context, username string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[strings.ToLower(username)]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return user, nil
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.User)
	}
	if _, exists := s.users[user.Username]; exists {
		return store.ErrConflict
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context, shop string) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.User, 0, len(s.users))
	for _, user := range s.users {
		if user.Shop == shop {
			out = append(out, user)
		}
	}
	return out, nil
}

func stubWithUser(t *testing.T, username, password, role string, active bool) (*userStoreStub, domain.User) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	user := domain.User{
		ID:          xid.New(),
		Shop:        xid.New(),
		Username:    username,
		DisplayName: "Display " + username,
		Password:    string(hash),
		Role:        role,
		Active:      active,
		CreatedAt:   store.Now(),
	}
	return &userStoreStub{users: map[string]domain.User{username: user}}, user
}

func TestAuthManagerLoginIssuesTokenCarryingShop(t *testing.T) {
	users, user := stubWithUser(t, "owner", "secret-pass", domain.RoleAdmin, true)
	auth := NewAuthManager("test-secret-key-test-secret-key!", time.Hour, users)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "OWNER", Password: "secret-pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Shop != user.Shop || resp.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	want := domain.Actor{ID: user.ID, Username: "owner", Name: "Display owner", Shop: user.Shop, Role: domain.RoleAdmin}
	if actor != want {
		t.Fatalf("expected actor %+v, got %+v", want, actor)
	}
}

func TestAuthManagerRejectsBadCredentials(t *testing.T) {
	users, _ := stubWithUser(t, "owner", "secret-pass", domain.RoleAdmin, true)
	auth := NewAuthManager("k", time.Hour, users)

	for _, req := range []domain.LoginRequest{
		{Username: "owner", Password: "wrong"},
		{Username: "nobody", Password: "secret-pass"},
		{Username: "owner", Password: ""},
	} {
		if _, err := auth.Login(context.Background(), req); !errors.Is(err, errInvalidCredentials) {
			t.Fatalf("login %q: expected invalid credentials, got %v", req.Username, err)
		}
	}
}

func TestAuthManagerRejectsInactiveAccount(t *testing.T) {
	users, _ := stubWithUser(t, "former", "secret-pass", domain.RoleCashier, false)
	auth := NewAuthManager("k", time.Hour, users)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "former", Password: "secret-pass"}); !errors.Is(err, errInactiveAccount) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}

func TestAuthManagerRejectsForeignAndExpiredTokens(t *testing.T) {
	users, _ := stubWithUser(t, "owner", "secret-pass", domain.RoleAdmin, true)
	auth := NewAuthManager("first-secret", time.Hour, users)
	other := NewAuthManager("second-secret", time.Hour, users)

	resp, err := other.Login(context.Background(), domain.LoginRequest{Username: "owner", Password: "secret-pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	auth.tokenTTL = -time.Minute
	resp, err = auth.Login(context.Background(), domain.LoginRequest{Username: "owner", Password: "secret-pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestAuthManagerCreateUser(t *testing.T) {
	users := &userStoreStub{}
	auth := NewAuthManager("k", time.Hour, users)
	creator := domain.Actor{ID: xid.New(), Shop: xid.New(), Role: domain.RoleAdmin}

	view, err := auth.CreateUser(context.Background(), creator, domain.UserCreateRequest{Username: " Kasir01 ", Password: "123456"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if view.Username != "kasir01" || view.Role != domain.RoleCashier || view.DisplayName != "kasir01" || !view.Active {
		t.Fatalf("unexpected user view %+v", view)
	}
	stored := users.users["kasir01"]
	if stored.Shop != creator.Shop || !isPasswordHash(stored.Password) || stored.Password == "123456" {
		t.Fatalf("expected hashed password in creator shop, got %+v", stored)
	}
	if !verifyPassword(stored.Password, "123456") {
		t.Fatalf("expected stored hash to verify")
	}

	if _, err := auth.CreateUser(context.Background(), creator, domain.UserCreateRequest{Username: "kasir01", Password: "123456"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on duplicate username, got %v", err)
	}

	cases := []domain.UserCreateRequest{
		{Username: "abc", Password: "123456"},
		{Username: "two words", Password: "123456"},
		{Username: "shortpw", Password: "12345"},
		{Username: "badrole", Password: "123456", Role: "owner"},
	}
	for _, req := range cases {
		if _, err := auth.CreateUser(context.Background(), creator, req); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("create %+v: expected validation error, got %v", req, err)
		}
	}

	listed, err := auth.ListUsers(context.Background(), creator.Shop)
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected one user in shop, got %d (%v)", len(listed), err)
	}
}
