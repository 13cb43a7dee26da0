package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/xid"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
)

type UserStore interface {
	FindUserByUsername(ctx context.Context, username string) (domain.User, error)
	CreateUser(ctx context.Context, user domain.User) error
	ListUsers(ctx context.Context, shop string) ([]domain.User, error)
}

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    UserStore
}

type shopClaims struct {
	jwtlib.RegisteredClaims
	Role     string `json:"role"`
	Shop     string `json:"shop"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, users UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{secret: []byte(secret), tokenTTL: tokenTTL, users: users}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	user, err := a.users.FindUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrValidation) {
			return domain.LoginResponse{}, errInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}
	if !verifyPassword(user.Password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !user.Active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(user, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        user.Role,
		Shop:        user.Shop,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &shopClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" || claims.Shop == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{ID: sub, Username: claims.Username, Name: claims.Name, Shop: claims.Shop, Role: claims.Role}, nil
}

func (a *AuthManager) sign(user domain.User, expiresAt time.Time) (string, error) {
	claims := shopClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "shopcore",
		},
		Role:     user.Role,
		Shop:     user.Shop,
		Username: user.Username,
		Name:     user.DisplayName,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// CreateUser adds a staff account to the creator's shop.
func (a *AuthManager) CreateUser(ctx context.Context, creator domain.Actor, req domain.UserCreateRequest) (domain.UserView, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 {
		return domain.UserView{}, fmt.Errorf("%w: username must be at least 4 characters", store.ErrValidation)
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.UserView{}, fmt.Errorf("%w: username must not contain spaces", store.ErrValidation)
	}
	if len(req.Password) < 6 {
		return domain.UserView{}, fmt.Errorf("%w: password must be at least 6 characters", store.ErrValidation)
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		role = domain.RoleCashier
	}
	if role != domain.RoleCashier && role != domain.RoleAdmin {
		return domain.UserView{}, fmt.Errorf("%w: role must be cashier or admin", store.ErrValidation)
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.UserView{}, fmt.Errorf("failed to hash password")
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = username
	}
	now := store.Now()
	user := domain.User{
		ID:          xid.New(),
		Shop:        creator.Shop,
		Username:    username,
		DisplayName: displayName,
		Password:    passwordHash,
		Role:        role,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.UserView{}, fmt.Errorf("%w: username already exists", store.ErrConflict)
		}
		return domain.UserView{}, err
	}
	return toUserView(user), nil
}

func (a *AuthManager) ListUsers(ctx context.Context, shop string) ([]domain.UserView, error) {
	users, err := a.users.ListUsers(ctx, shop)
	if err != nil {
		return nil, err
	}
	out := make([]domain.UserView, 0, len(users))
	for _, u := range users {
		out = append(out, toUserView(u))
	}
	return out, nil
}

func toUserView(u domain.User) domain.UserView {
	return domain.UserView{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		Active:      u.Active,
		CreatedAt:   u.CreatedAt,
	}
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
