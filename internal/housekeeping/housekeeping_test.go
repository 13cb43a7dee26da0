package housekeeping

import (
	"context"
	"testing"
	"time"

	"shopcore/backend/internal/archive"
	"shopcore/backend/internal/cache"
	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/query"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/store/memory"
	"shopcore/backend/internal/xid"
)

func seedProduct(t *testing.T, s *memory.Store, shop string, qty int64, updated time.Time) string {
	t.Helper()
	doc, err := store.ToDocument(domain.Product{
		ID:        xid.New(),
		Shop:      shop,
		Name:      "item",
		Quantity:  qty,
		CreatedAt: updated,
		UpdatedAt: updated,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := s.Insert(context.Background(), domain.CollectionProducts, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return doc.ID()
}

func newJob(t *testing.T, s *memory.Store, locker cache.Locker) *Job {
	t.Helper()
	products, err := query.DefaultRegistry().Lookup("products")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	return New(archive.New(s, nil, nil, time.Minute), products, locker, 30*24*time.Hour)
}

func TestRunArchivesOnlyStaleEmptyProducts(t *testing.T) {
	s := memory.New()
	shop := xid.New()
	old := store.Now().Add(-60 * 24 * time.Hour)

	stale := seedProduct(t, s, shop, 0, old)
	seedProduct(t, s, shop, 3, old)
	seedProduct(t, s, shop, 0, store.Now())
	seedProduct(t, s, shop, -1, old)

	res, err := newJob(t, s, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Count != 1 || res.IDs[0] != stale {
		t.Fatalf("expected only the stale empty product, got %+v", res)
	}

	remaining, _, err := s.Find(context.Background(), domain.CollectionProducts, store.FindQuery{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	for _, doc := range remaining {
		if qty, _ := store.Int(doc["quantity"]); qty > 0 {
			continue
		}
		if doc.ID() == stale {
			t.Fatalf("stale product still present")
		}
	}
	logs, total, _ := s.Find(context.Background(), "products_logs", store.FindQuery{})
	if total != 1 || logs[0]["deletedBy"] != domain.RoleSystem {
		t.Fatalf("expected one log entry by system, got %v", logs)
	}
}

func TestRunSkipsWhenLocked(t *testing.T) {
	s := memory.New()
	seedProduct(t, s, xid.New(), 0, store.Now().Add(-90*24*time.Hour))

	locker := cache.NewLocalLocker()
	release, ok, _ := locker.TryLock(context.Background(), lockKey, time.Minute)
	if !ok {
		t.Fatalf("expected to take the lock")
	}
	defer release()

	res, err := newJob(t, s, locker).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Count != 0 {
		t.Fatalf("expected locked run to skip, got %d", res.Count)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	job := newJob(t, memory.New(), nil)
	if err := job.Start("not a schedule"); err == nil {
		t.Fatalf("expected invalid schedule to fail")
	}
	if err := job.Start("0 3 * * *"); err != nil {
		t.Fatalf("start: %v", err)
	}
	job.Stop()
}
