package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/service"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/xid"
)

func openTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	databaseURL := os.Getenv("SHOPCORE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set SHOPCORE_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, ctx
}

func cleanupShop(t *testing.T, s *Store, ctx context.Context, shop string) {
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM documents WHERE shop = $1`, shop)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sequence_counters WHERE shop = $1`, shop)
	})
}

func TestFindSortsPaginatesAndCounts(t *testing.T) {
	s, ctx := openTestStore(t)
	shop := xid.New()
	cleanupShop(t, s, ctx, shop)

	names := []string{"Galaxy Phone", "Pixel Phone", "USB Cable", "Phone Case", "Charger"}
	for i, name := range names {
		doc := store.Document{"_id": xid.New(), "shop": shop, "name": name, "quantity": i + 1, "price": 10}
		if err := s.Insert(ctx, "products", doc); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	filter := store.Filter{
		All: []store.Clause{store.Eq("shop", shop)},
		Any: []store.Clause{store.Where("name", store.OpContains, "PHONE")},
	}
	docs, total, err := s.Find(ctx, "products", store.FindQuery{
		Filter: filter,
		Sort:   []store.SortField{{Field: "quantity", Desc: true}},
		Skip:   1,
		Limit:  1,
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 matches, got %d", total)
	}
	if len(docs) != 1 || docs[0]["name"] != "Pixel Phone" {
		t.Fatalf("expected second page to hold Pixel Phone, got %v", docs)
	}

	beyond, total, err := s.Find(ctx, "products", store.FindQuery{Filter: filter, Skip: 10, Limit: 2})
	if err != nil {
		t.Fatalf("find beyond: %v", err)
	}
	if total != 3 || len(beyond) != 0 {
		t.Fatalf("expected empty page with total 3, got %d docs total %d", len(beyond), total)
	}

	sums, err := s.Sum(ctx, "products", store.Match(store.Eq("shop", shop)), []store.SumSpec{
		{As: "qty", Fields: []string{"quantity"}},
		{As: "value", Fields: []string{"quantity", "price"}},
	})
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if !sums["qty"].Equal(decimal.NewFromInt(15)) || !sums["value"].Equal(decimal.NewFromInt(150)) {
		t.Fatalf("unexpected sums %v", sums)
	}
}

func TestRunInTxRollsBackAndSurvivesConflict(t *testing.T) {
	s, ctx := openTestStore(t)
	shop := xid.New()
	cleanupShop(t, s, ctx, shop)

	first := store.Document{"_id": xid.New(), "shop": shop, "phone": "0811"}
	if err := s.Insert(ctx, "customers", first); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := s.RunInTx(ctx, func(ctx context.Context) error {
		dup := store.Document{"_id": xid.New(), "shop": shop, "phone": "0811"}
		if err := s.Insert(ctx, "customers", dup); !errors.Is(err, store.ErrConflict) {
			t.Errorf("expected conflict, got %v", err)
		}
		// the transaction is still usable after the savepoint rollback
		if _, err := s.Increment(ctx, "customers", shop, first.ID(), "userPoints", 7); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil || err.Error() != "abort" {
		t.Fatalf("expected abort, got %v", err)
	}

	got, err := s.FindOne(ctx, "customers", store.Match(store.Eq("_id", first.ID())))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if _, ok := got["userPoints"]; ok {
		t.Fatalf("expected increment to be rolled back, got %v", got)
	}
}

func TestNextSequenceIsContiguousUnderConcurrency(t *testing.T) {
	s, ctx := openTestStore(t)
	shop := xid.New()
	cleanupShop(t, s, ctx, shop)

	const workers = 32
	seen := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.NextSequence(ctx, shop, "invoiceNo")
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)

	got := make(map[int64]bool, workers)
	for n := range seen {
		if got[n] {
			t.Fatalf("duplicate sequence %d", n)
		}
		got[n] = true
	}
	for n := int64(1); n <= workers; n++ {
		if !got[n] {
			t.Fatalf("missing sequence %d", n)
		}
	}
}

func TestDeleteManyAndIncrementScopeByShop(t *testing.T) {
	s, ctx := openTestStore(t)
	shop, other := xid.New(), xid.New()
	cleanupShop(t, s, ctx, shop)
	cleanupShop(t, s, ctx, other)

	mine := store.Document{"_id": xid.New(), "shop": shop, "quantity": 1}
	theirs := store.Document{"_id": xid.New(), "shop": other, "quantity": 1}
	if err := s.Insert(ctx, "products", mine, theirs); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := s.Increment(ctx, "products", shop, theirs.ID(), "quantity", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found across shops, got %v", err)
	}
	updated, err := s.Increment(ctx, "products", shop, mine.ID(), "quantity", -3)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if qty, _ := store.Int(updated["quantity"]); qty != -2 {
		t.Fatalf("expected quantity -2, got %v", updated["quantity"])
	}

	removed, err := s.DeleteMany(ctx, "products", store.Match(store.Eq("shop", shop), store.In("_id", []string{mine.ID(), theirs.ID()})))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(removed) != 1 || removed[0].ID() != mine.ID() {
		t.Fatalf("expected only own document removed, got %v", removed)
	}
}

func TestConcurrentRedemptionsNeverOverdraw(t *testing.T) {
	s, ctx := openTestStore(t)
	shop := xid.New()
	cleanupShop(t, s, ctx, shop)

	svc := service.New(s, nil, nil, service.Options{DefaultShop: shop, RedeemEnabled: true})
	admin := service.WithActor(ctx, domain.Actor{ID: xid.New(), Username: "admin", Shop: shop, Role: domain.RoleAdmin})
	if _, err := svc.SetPointConfig(admin, domain.PointConfigRequest{PointAmount: decimal.NewFromInt(10), PointValue: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("set point config: %v", err)
	}
	p, err := svc.CreateProduct(admin, domain.ProductCreateRequest{Name: "P1", SalePrice: decimal.NewFromInt(100), InitialQuantity: 20})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	c, err := svc.CreateCustomer(admin, domain.CustomerInput{Name: "Member", Phone: "0830"})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if _, err := s.Increment(ctx, domain.CollectionCustomers, shop, c.ID, "userPoints", 30); err != nil {
		t.Fatalf("seed points: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordSale(admin, domain.TransactionRequest{
				Items:     []domain.LineInput{{Product: p.ID, SoldQuantity: 1}},
				Customer:  &domain.CustomerInput{Phone: "0830"},
				UsePoints: 10,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	customer, err := s.FindOne(ctx, domain.CollectionCustomers, store.Match(store.Eq("_id", c.ID)))
	if err != nil {
		t.Fatalf("find customer: %v", err)
	}
	balance, _ := store.Int(customer["userPoints"])
	if balance < 0 || balance != 30-10*succeeded {
		t.Fatalf("expected %d successful redemptions to leave %d points, got %d", succeeded, 30-10*succeeded, balance)
	}
	product, err := s.FindOne(ctx, domain.CollectionProducts, store.Match(store.Eq("_id", p.ID)))
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	if qty, _ := store.Int(product["quantity"]); qty != 20-succeeded {
		t.Fatalf("expected only successful sales to move stock, got %d", qty)
	}
}
