package stock

import (
	"context"
	"errors"
	"fmt"

	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/store"
)

type Event string

const (
	Sale     Event = "Sale"
	Return   Event = "Return"
	Purchase Event = "Purchase"
	StockIn  Event = "StockIn"
	// Damage adds to stock, matching how damage records have always been
	// booked.
	Damage Event = "Damage"
)

// DeltaFor returns the signed quantity change event applies for qty units.
func DeltaFor(event Event, qty int64) (int64, error) {
	if qty < 1 {
		return 0, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
	}
	switch event {
	case Sale:
		return -qty, nil
	case Return, Purchase, StockIn, Damage:
		return qty, nil
	default:
		return 0, fmt.Errorf("%w: unknown stock event %q", store.ErrValidation, event)
	}
}

type Store interface {
	Increment(ctx context.Context, collection string, shop string, id string, field string, delta int64) (store.Document, error)
}

// Ledger owns every change to a product's quantity.
type Ledger struct {
	store Store
}

func NewLedger(s Store) *Ledger {
	return &Ledger{store: s}
}

// ApplyDelta atomically adds delta to the product's quantity and returns the
// new quantity. Quantities may go negative.
func (l *Ledger) ApplyDelta(ctx context.Context, shop string, productID string, delta int64) (int64, error) {
	if delta == 0 {
		return 0, fmt.Errorf("%w: stock delta must not be zero", store.ErrValidation)
	}
	doc, err := l.store.Increment(ctx, domain.CollectionProducts, shop, productID, "quantity", delta)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
		}
		return 0, err
	}
	qty, _ := store.Int(doc["quantity"])
	return qty, nil
}

type Adjustment struct {
	ProductID string
	Event     Event
	Quantity  int64
}

// Apply issues one ApplyDelta per adjustment in order and stops at the first
// failure. Callers needing all-or-nothing run it inside a store transaction.
func (l *Ledger) Apply(ctx context.Context, shop string, adjustments []Adjustment) error {
	for _, adj := range adjustments {
		delta, err := DeltaFor(adj.Event, adj.Quantity)
		if err != nil {
			return err
		}
		if _, err := l.ApplyDelta(ctx, shop, adj.ProductID, delta); err != nil {
			return err
		}
	}
	return nil
}
