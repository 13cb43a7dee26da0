package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"shopcore/backend/internal/archive"
	"shopcore/backend/internal/cache"
	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/events"
	"shopcore/backend/internal/query"
	"shopcore/backend/internal/sequence"
	"shopcore/backend/internal/stock"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/xid"
)

// ErrForbidden marks an operation the caller's role may not perform.
var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// DefaultShop scopes calls that carry no authenticated actor.
	DefaultShop   string
	RedeemEnabled bool
	LookupTTL     time.Duration
}

type Service struct {
	docs      store.DocumentStore
	lookups   cache.Cache
	publisher events.Publisher
	registry  *query.Registry
	engine    *query.Engine
	ledger    *stock.Ledger
	sequences *sequence.Allocator
	archiver  *archive.Archiver
	opts      Options
}

func New(docs store.DocumentStore, lookups cache.Cache, publisher events.Publisher, opts Options) *Service {
	if lookups == nil {
		lookups = cache.Noop{}
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	if opts.LookupTTL <= 0 {
		opts.LookupTTL = 5 * time.Minute
	}

	return &Service{
		docs:      docs,
		lookups:   lookups,
		publisher: publisher,
		registry:  query.DefaultRegistry(),
		engine:    query.NewEngine(docs),
		ledger:    stock.NewLedger(docs),
		sequences: sequence.New(docs),
		archiver:  archive.New(docs, lookups, publisher, opts.LookupTTL),
		opts:      opts,
	}
}

func (s *Service) Registry() *query.Registry {
	return s.registry
}

func (s *Service) Archiver() *archive.Archiver {
	return s.archiver
}

// actor returns the caller, or the system actor of the default shop for
// calls made outside a request.
func (s *Service) actor(ctx context.Context) domain.Actor {
	if actor, ok := ActorFromContext(ctx); ok && actor.Shop != "" {
		return actor
	}
	return domain.Actor{ID: domain.RoleSystem, Username: domain.RoleSystem, Name: domain.RoleSystem, Shop: s.opts.DefaultShop, Role: domain.RoleSystem}
}

func (s *Service) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor := s.actor(ctx)
	if actor.Role != domain.RoleAdmin && actor.Role != domain.RoleSystem {
		return domain.Actor{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return actor, nil
}

func (s *Service) logAudit(ctx context.Context, shop string, action string, entityType string, entityID string, detail string) {
	actor := s.actor(ctx)
	if shop == "" {
		shop = actor.Shop
	}

	doc, err := store.ToDocument(domain.AuditLog{
		ID:         xid.New(),
		Shop:       shop,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  store.Now(),
	})
	if err == nil {
		err = s.docs.Insert(ctx, domain.CollectionAuditLogs, doc)
	}
	if err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if event.At.IsZero() {
		event.At = store.Now()
	}
	_ = s.publisher.Publish(ctx, event.Shop, event)
}

// loadProducts fetches the shop's products by id. Any missing id is
// ErrNotFound.
func (s *Service) loadProducts(ctx context.Context, shop string, ids []string) (map[string]domain.Product, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		canonical, err := xid.Canonical(id)
		if err != nil {
			return nil, fmt.Errorf("%w: product: %v", store.ErrValidation, err)
		}
		if !seen[canonical] {
			seen[canonical] = true
			unique = append(unique, canonical)
		}
	}

	docs, _, err := s.docs.Find(ctx, domain.CollectionProducts, store.FindQuery{
		Filter: store.Match(store.Eq("shop", shop), store.In("_id", unique)),
	})
	if err != nil {
		return nil, err
	}
	products := make(map[string]domain.Product, len(docs))
	for _, doc := range docs {
		var p domain.Product
		if err := store.Decode(doc, &p); err != nil {
			return nil, fmt.Errorf("%w: decode product: %v", store.ErrUpstream, err)
		}
		products[p.ID] = p
	}
	for _, id := range unique {
		if _, ok := products[id]; !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
	}
	return products, nil
}

func (s *Service) findOne(ctx context.Context, collection string, dest any, clauses ...store.Clause) error {
	doc, err := s.docs.FindOne(ctx, collection, store.Match(clauses...))
	if err != nil {
		return err
	}
	if err := store.Decode(doc, dest); err != nil {
		return fmt.Errorf("%w: decode %s: %v", store.ErrUpstream, collection, err)
	}
	return nil
}
