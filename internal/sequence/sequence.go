package sequence

import (
	"context"
	"fmt"
	"strings"

	"shopcore/backend/internal/store"
	"shopcore/backend/internal/xid"
)

type Counter string

const (
	// InvoiceNo numbers sales and returns from one shared series.
	InvoiceNo  Counter = "invoiceNo"
	PreOrderNo Counter = "preOrderNo"
	ProductID  Counter = "productId"
	PurchaseNo Counter = "purchaseNo"
	BuyBackID  Counter = "buyBackId"
)

type Store interface {
	NextSequence(ctx context.Context, shop string, name string) (int64, error)
}

type Allocator struct {
	store Store
}

func New(s Store) *Allocator {
	return &Allocator{store: s}
}

// Allocate returns the next value of counter for shop. Values are never
// reused; a caller that fails after allocating leaves a gap.
func (a *Allocator) Allocate(ctx context.Context, shop string, counter Counter) (int64, error) {
	if _, err := xid.Canonical(shop); err != nil {
		return 0, fmt.Errorf("%w: shop: %v", store.ErrValidation, err)
	}
	if strings.TrimSpace(string(counter)) == "" {
		return 0, fmt.Errorf("%w: counter name is required", store.ErrValidation)
	}
	return a.store.NextSequence(ctx, shop, string(counter))
}

// Next allocates and formats the next value.
func (a *Allocator) Next(ctx context.Context, shop string, counter Counter) (string, error) {
	n, err := a.Allocate(ctx, shop, counter)
	if err != nil {
		return "", err
	}
	return Format(n), nil
}

// Format zero-pads n to four digits; wider values are kept whole.
func Format(n int64) string {
	return fmt.Sprintf("%04d", n)
}
