package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/store/memory"
	"shopcore/backend/internal/xid"
)

type fixture struct {
	engine   *Engine
	store    *memory.Store
	shop     string
	products Entity
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := memory.New()
	shop := xid.New()
	products, err := DefaultRegistry().Lookup("products")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	names := []string{"Galaxy Phone", "Pixel Phone", "USB Cable", "Phone Case", "Charger"}
	for i, name := range names {
		doc, err := store.ToDocument(domain.Product{
			ID:            xid.New(),
			Shop:          shop,
			ProductID:     fmt.Sprintf("%04d", i+1),
			Name:          name,
			PurchasePrice: decimal.NewFromInt(int64(10 * (i + 1))),
			SalePrice:     decimal.NewFromInt(int64(15 * (i + 1))),
			Quantity:      int64(i + 1),
			CreatedAt:     store.Now(),
		})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := s.Insert(context.Background(), domain.CollectionProducts, doc); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	other, _ := store.ToDocument(domain.Product{ID: xid.New(), Shop: xid.New(), Name: "Foreign Phone", Quantity: 100})
	if err := s.Insert(context.Background(), domain.CollectionProducts, other); err != nil {
		t.Fatalf("insert: %v", err)
	}

	return fixture{engine: NewEngine(s), store: s, shop: shop, products: products}
}

func (f fixture) list(t *testing.T, req Request) domain.ResponsePayload {
	t.Helper()
	resp, err := f.engine.List(context.Background(), f.products, req, store.Eq("shop", f.shop))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return resp
}

func dataOf(t *testing.T, resp domain.ResponsePayload) []store.Document {
	t.Helper()
	docs, ok := resp.Data.([]store.Document)
	if !ok {
		t.Fatalf("unexpected data type %T", resp.Data)
	}
	return docs
}

func TestPaginatedCountMatchesUnpaginatedCount(t *testing.T) {
	f := newFixture(t)

	all := f.list(t, Request{})
	if *all.Count != 5 || len(dataOf(t, all)) != 5 {
		t.Fatalf("expected 5 scoped products, got count=%d len=%d", *all.Count, len(dataOf(t, all)))
	}

	for page := int64(0); page < 3; page++ {
		resp := f.list(t, Request{Pagination: &Pagination{PageSize: 2, CurrentPage: page}})
		if *resp.Count != *all.Count {
			t.Fatalf("page %d: expected count %d, got %d", page, *all.Count, *resp.Count)
		}
		if len(dataOf(t, resp)) > 2 {
			t.Fatalf("page %d: expected at most 2 rows, got %d", page, len(dataOf(t, resp)))
		}
	}

	beyond := f.list(t, Request{Pagination: &Pagination{PageSize: 2, CurrentPage: 10}})
	if *beyond.Count != 5 || len(dataOf(t, beyond)) != 0 {
		t.Fatalf("expected empty page with full count, got count=%d len=%d", *beyond.Count, len(dataOf(t, beyond)))
	}
}

func TestSearchResultsAreSubsetOfFilter(t *testing.T) {
	f := newFixture(t)

	all := f.list(t, Request{Select: map[string]int{"name": 1}})
	searched := f.list(t, Request{Search: "phone", Select: map[string]int{"name": 1}})

	if *searched.Count != 3 {
		t.Fatalf("expected 3 case-insensitive matches for phone, got %d", *searched.Count)
	}
	ids := map[string]bool{}
	for _, doc := range dataOf(t, all) {
		ids[doc.ID()] = true
	}
	for _, doc := range dataOf(t, searched) {
		if !ids[doc.ID()] {
			t.Fatalf("search returned %s outside the filtered set", doc.ID())
		}
	}
}

func TestDefaultSortAndProjection(t *testing.T) {
	f := newFixture(t)

	resp := f.list(t, Request{})
	docs := dataOf(t, resp)
	if docs[0]["name"] != "Charger" {
		t.Fatalf("expected newest insert first, got %v", docs[0]["name"])
	}
	for _, doc := range docs {
		if len(doc) != 2 || doc["_id"] == nil || doc["name"] == nil {
			t.Fatalf("expected default projection {_id, name}, got %v", doc)
		}
	}
}

func TestSortOrderFollowsRequestKeyOrder(t *testing.T) {
	f := newFixture(t)

	var req Request
	if err := json.Unmarshal([]byte(`{"sort":{"quantity":1,"name":-1},"select":{"quantity":1,"_id":0}}`), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(req.Sort) != 2 || req.Sort[0].Field != "quantity" {
		t.Fatalf("expected sort key order to be kept, got %+v", req.Sort)
	}

	docs := dataOf(t, f.list(t, req))
	if qty, _ := store.Int(docs[0]["quantity"]); qty != 1 {
		t.Fatalf("expected ascending quantity, got %v", docs[0])
	}
	if _, ok := docs[0]["_id"]; ok {
		t.Fatalf("expected _id to be excluded")
	}
}

func TestCalculationIgnoresPagination(t *testing.T) {
	f := newFixture(t)

	resp := f.list(t, Request{Pagination: &Pagination{PageSize: 1, CurrentPage: 0}})
	if !resp.Calculation["totalQuantity"].Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected totalQuantity 15, got %s", resp.Calculation["totalQuantity"])
	}
	// 1*10 + 2*20 + 3*30 + 4*40 + 5*50
	if !resp.Calculation["totalPurchaseValue"].Equal(decimal.NewFromInt(550)) {
		t.Fatalf("expected totalPurchaseValue 550, got %s", resp.Calculation["totalPurchaseValue"])
	}
}

func TestFilterOperatorsAndIDCoercion(t *testing.T) {
	f := newFixture(t)

	resp := f.list(t, Request{Filter: map[string]any{"quantity": map[string]any{"$gte": 2.0, "$lt": 4.0}}})
	if *resp.Count != 2 {
		t.Fatalf("expected 2 products with 2 <= quantity < 4, got %d", *resp.Count)
	}

	first := dataOf(t, f.list(t, Request{}))[0]
	byID := f.list(t, Request{Filter: map[string]any{"_id": strings.ToUpper(first.ID())}})
	if *byID.Count != 1 {
		t.Fatalf("expected uppercase identifier to match after canonicalisation, got %d", *byID.Count)
	}

	in := f.list(t, Request{Filter: map[string]any{"_id": map[string]any{"$in": []any{first.ID(), xid.New()}}}})
	if *in.Count != 1 {
		t.Fatalf("expected $in over identifiers to match 1, got %d", *in.Count)
	}
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t)
	cases := map[string]Request{
		"mixed projection": {Select: map[string]int{"name": 1, "quantity": 0}},
		"bad direction":    {Sort: SortSpec{{Field: "name", Direction: 2}}},
		"bad page size":    {Pagination: &Pagination{PageSize: 0}},
		"negative page":    {Pagination: &Pagination{PageSize: 1, CurrentPage: -1}},
		"malformed id":     {Filter: map[string]any{"_id": "nope"}},
		"unknown operator": {Filter: map[string]any{"quantity": map[string]any{"$where": 1.0}}},
		"bad path":         {Filter: map[string]any{"a..b": 1.0}},
	}
	for name, req := range cases {
		_, err := f.engine.List(context.Background(), f.products, req, store.Eq("shop", f.shop))
		if !errors.Is(err, store.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestScopeCannotBeWidenedByFilter(t *testing.T) {
	f := newFixture(t)
	resp := f.list(t, Request{Filter: map[string]any{"name": "Foreign Phone"}})
	if *resp.Count != 0 {
		t.Fatalf("expected other shop's product to stay hidden, got %d", *resp.Count)
	}
}
