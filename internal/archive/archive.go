package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"shopcore/backend/internal/cache"
	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/events"
	"shopcore/backend/internal/query"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/xid"
)

// Metadata fields stamped on every archived copy and stripped on restore.
var Metadata = []string{"deletedAt", "deletedBy", "deleteMonth", "deleteYear", "deleteDateString"}

type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	Insert(ctx context.Context, collection string, docs ...store.Document) error
	Find(ctx context.Context, collection string, q store.FindQuery) ([]store.Document, int64, error)
	FindOne(ctx context.Context, collection string, filter store.Filter) (store.Document, error)
	DeleteMany(ctx context.Context, collection string, filter store.Filter) ([]store.Document, error)
}

type Archiver struct {
	store     Store
	names     cache.Cache
	publisher events.Publisher
	nameTTL   time.Duration
	now       func() time.Time
}

func New(s Store, names cache.Cache, publisher events.Publisher, nameTTL time.Duration) *Archiver {
	if names == nil {
		names = cache.Noop{}
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Archiver{store: s, names: names, publisher: publisher, nameTTL: nameTTL, now: store.Now}
}

// ArchiveDelete moves the shop's documents with ids into the entity's log
// collection. Delete and log insert commit together.
func (a *Archiver) ArchiveDelete(ctx context.Context, entity query.Entity, shop string, ids []string, actorID string) (domain.ArchiveResult, error) {
	if err := archivable(entity); err != nil {
		return domain.ArchiveResult{}, err
	}
	canonical, err := canonicalIDs(ids)
	if err != nil {
		return domain.ArchiveResult{}, err
	}
	if _, err := xid.Canonical(shop); err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("%w: shop: %v", store.ErrValidation, err)
	}

	result, err := a.archive(ctx, entity, store.Match(store.Eq("shop", shop), store.In("_id", canonical)), actorID)
	if err != nil {
		return domain.ArchiveResult{}, err
	}
	if result.Count == 0 {
		return domain.ArchiveResult{}, fmt.Errorf("%w: no %s matched the given ids", store.ErrNotFound, entity.Name)
	}
	return result, nil
}

// ArchiveWhere archives every document of entity matching filter, which may
// span shops. Matching nothing is not an error.
func (a *Archiver) ArchiveWhere(ctx context.Context, entity query.Entity, filter store.Filter, actorID string) (domain.ArchiveResult, error) {
	if err := archivable(entity); err != nil {
		return domain.ArchiveResult{}, err
	}
	return a.archive(ctx, entity, filter, actorID)
}

func (a *Archiver) archive(ctx context.Context, entity query.Entity, filter store.Filter, actorID string) (domain.ArchiveResult, error) {
	deletedBy := a.displayName(ctx, actorID)
	at := a.now()

	var removed []store.Document
	err := a.store.RunInTx(ctx, func(ctx context.Context) error {
		docs, err := a.store.DeleteMany(ctx, entity.Collection, filter)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}
		entries := make([]store.Document, 0, len(docs))
		for _, doc := range docs {
			entries = append(entries, stamp(doc, deletedBy, at))
		}
		if err := a.store.Insert(ctx, entity.LogCollection(), entries...); err != nil {
			return err
		}
		removed = docs
		return nil
	})
	if err != nil {
		return domain.ArchiveResult{}, err
	}

	result := domain.ArchiveResult{Count: len(removed), IDs: make([]string, 0, len(removed))}
	for _, doc := range removed {
		result.IDs = append(result.IDs, doc.ID())
	}
	a.publish(ctx, events.DocumentsArchived, entity, removed, at)
	return result, nil
}

// Restore reinserts archived documents into the primary collection and
// removes their log entries. Zero matching entries yields a zero result.
func (a *Archiver) Restore(ctx context.Context, entity query.Entity, shop string, ids []string) (domain.ArchiveResult, error) {
	if err := archivable(entity); err != nil {
		return domain.ArchiveResult{}, err
	}
	canonical, err := canonicalIDs(ids)
	if err != nil {
		return domain.ArchiveResult{}, err
	}
	filter := store.Match(store.Eq("shop", shop), store.In("_id", canonical))

	var restored []store.Document
	err = a.store.RunInTx(ctx, func(ctx context.Context) error {
		entries, _, err := a.store.Find(ctx, entity.LogCollection(), store.FindQuery{Filter: filter})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		docs := make([]store.Document, 0, len(entries))
		for _, entry := range entries {
			docs = append(docs, strip(entry))
		}
		if err := a.store.Insert(ctx, entity.Collection, docs...); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: a restored %s already exists", store.ErrConflict, entity.Name)
			}
			return err
		}
		if _, err := a.store.DeleteMany(ctx, entity.LogCollection(), filter); err != nil {
			return err
		}
		restored = docs
		return nil
	})
	if err != nil {
		return domain.ArchiveResult{}, err
	}

	result := domain.ArchiveResult{Count: len(restored), IDs: make([]string, 0, len(restored))}
	for _, doc := range restored {
		result.IDs = append(result.IDs, doc.ID())
	}
	a.publish(ctx, events.DocumentsRestored, entity, restored, a.now())
	return result, nil
}

// displayName resolves actorID to the user's display name. Lookups are
// cached; failures fall back to the raw id.
func (a *Archiver) displayName(ctx context.Context, actorID string) string {
	if actorID == "" || actorID == domain.RoleSystem {
		return domain.RoleSystem
	}
	key := "actor-name:" + actorID
	if name, ok, err := a.names.Get(ctx, key); err == nil && ok {
		return name
	} else if err != nil {
		log.Printf("[archive] WARN: actor name cache read failed id=%s: %v", actorID, err)
	}

	doc, err := a.store.FindOne(ctx, domain.CollectionUsers, store.Match(store.Eq("_id", actorID)))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[archive] WARN: actor lookup failed id=%s: %v", actorID, err)
		}
		return actorID
	}
	name, _ := doc["displayName"].(string)
	if name == "" {
		name, _ = doc["username"].(string)
	}
	if name == "" {
		return actorID
	}
	if err := a.names.Set(ctx, key, name, a.nameTTL); err != nil {
		log.Printf("[archive] WARN: actor name cache write failed id=%s: %v", actorID, err)
	}
	return name
}

func (a *Archiver) publish(ctx context.Context, eventType string, entity query.Entity, docs []store.Document, at time.Time) {
	if len(docs) == 0 {
		return
	}
	byShop := make(map[string][]string)
	order := make([]string, 0, 1)
	for _, doc := range docs {
		shop := doc.Shop()
		if _, seen := byShop[shop]; !seen {
			order = append(order, shop)
		}
		byShop[shop] = append(byShop[shop], doc.ID())
	}
	for _, shop := range order {
		_ = a.publisher.Publish(ctx, shop, events.Event{
			Type:       eventType,
			Shop:       shop,
			Collection: entity.Collection,
			IDs:        byShop[shop],
			At:         at,
		})
	}
}

func stamp(doc store.Document, deletedBy string, at time.Time) store.Document {
	entry := doc.Clone()
	at = at.UTC()
	entry["deletedAt"] = store.FormatTime(at)
	entry["deletedBy"] = deletedBy
	entry["deleteMonth"] = int(at.Month())
	entry["deleteYear"] = at.Year()
	entry["deleteDateString"] = at.Format("2006-01-02")
	return entry
}

func strip(entry store.Document) store.Document {
	doc := entry.Clone()
	for _, field := range Metadata {
		delete(doc, field)
	}
	return doc
}

func archivable(entity query.Entity) error {
	if !entity.Archivable {
		return fmt.Errorf("%w: %s cannot be archived", store.ErrNotFound, entity.Name)
	}
	return nil
}

func canonicalIDs(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: ids are required", store.ErrValidation)
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		c, err := xid.Canonical(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrValidation, err)
		}
		out = append(out, c)
	}
	return out, nil
}
