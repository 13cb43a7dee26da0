package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUpstream     = errors.New("store unavailable")
	ErrBusinessRule = errors.New("business rule violated")
)

// DocumentStore is the document-oriented persistence every component writes
// through. Every document carries string "_id" and "shop" fields; operations
// addressing a single document take both so a caller can never reach across
// shops by id alone.
type DocumentStore interface {
	// RunInTx runs fn inside one store transaction. Calls made with the
	// context passed to fn join the transaction; nested calls reuse it.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	// NextSequence atomically increments and returns the named per-shop
	// counter. It always commits on its own, even inside RunInTx.
	NextSequence(ctx context.Context, shop string, name string) (int64, error)

	Insert(ctx context.Context, collection string, docs ...Document) error
	Replace(ctx context.Context, collection string, doc Document) error
	Find(ctx context.Context, collection string, q FindQuery) ([]Document, int64, error)
	FindOne(ctx context.Context, collection string, filter Filter) (Document, error)
	Sum(ctx context.Context, collection string, filter Filter, specs []SumSpec) (map[string]decimal.Decimal, error)
	UpdateByID(ctx context.Context, collection string, shop string, id string, set Document) (Document, error)
	Increment(ctx context.Context, collection string, shop string, id string, field string, delta int64) (Document, error)

	// DeleteMany removes every matching document and returns the removed
	// documents from the same statement.
	DeleteMany(ctx context.Context, collection string, filter Filter) ([]Document, error)
}

type SortField struct {
	Field string
	Desc  bool
}

// FindQuery selects documents. Limit 0 means no limit. Total is always the
// number of documents matching Filter, independent of Skip and Limit.
type FindQuery struct {
	Filter Filter
	Sort   []SortField
	Skip   int64
	Limit  int64
}

// SumSpec sums the product of Fields over every matching document.
type SumSpec struct {
	As     string
	Fields []string
}

// UniqueIndex declares a field that must be unique among non-empty values
// within a collection, optionally scoped per shop.
type UniqueIndex struct {
	Collection string
	Field      string
	PerShop    bool
}

var UniqueIndexes = []UniqueIndex{
	{Collection: "customers", Field: "phone", PerShop: true},
	{Collection: "products", Field: "sku", PerShop: true},
	{Collection: "products", Field: "imei", PerShop: true},
	{Collection: "transactions", Field: "idempotencyKey", PerShop: true},
	{Collection: "users", Field: "username"},
}

// Now returns the current time at the precision documents are stamped with,
// which keeps RFC 3339 timestamps fixed width and ordered as strings.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
