package service

import (
	"context"
	"fmt"
	"strings"

	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/store"
)

// FindUserByUsername looks a staff account up across all shops; usernames are
// globally unique.
func (s *Service) FindUserByUsername(ctx context.Context, username string) (domain.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return domain.User{}, fmt.Errorf("%w: username is required", store.ErrValidation)
	}
	var user domain.User
	err := s.findOne(ctx, domain.CollectionUsers, &user, store.Eq("username", username))
	return user, err
}

// CreateUser stores an account whose password is already hashed.
func (s *Service) CreateUser(ctx context.Context, user domain.User) error {
	doc, err := store.ToDocument(user)
	if err != nil {
		return err
	}
	if err := s.docs.Insert(ctx, domain.CollectionUsers, doc); err != nil {
		return err
	}
	s.logAudit(ctx, user.Shop, "user_create", "user", user.ID, fmt.Sprintf("username=%s,role=%s", user.Username, user.Role))
	return nil
}

func (s *Service) ListUsers(ctx context.Context, shop string) ([]domain.User, error) {
	docs, _, err := s.docs.Find(ctx, domain.CollectionUsers, store.FindQuery{
		Filter: store.Match(store.Eq("shop", shop)),
		Sort:   []store.SortField{{Field: "username"}},
	})
	if err != nil {
		return nil, err
	}
	users := make([]domain.User, 0, len(docs))
	for _, doc := range docs {
		var u domain.User
		if err := store.Decode(doc, &u); err != nil {
			return nil, fmt.Errorf("%w: decode user: %v", store.ErrUpstream, err)
		}
		users = append(users, u)
	}
	return users, nil
}
