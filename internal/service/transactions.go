package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"shopcore/backend/internal/cache"
	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/events"
	"shopcore/backend/internal/sequence"
	"shopcore/backend/internal/stock"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/xid"
)

// RecordSale records a sale. Lines default to Sale; a line marked Return
// puts its units back.
func (s *Service) RecordSale(ctx context.Context, req domain.TransactionRequest) (domain.TransactionResult, error) {
	return s.record(ctx, domain.KindSale, req)
}

// RecordReturn records a return; every line puts stock back.
func (s *Service) RecordReturn(ctx context.Context, req domain.TransactionRequest) (domain.TransactionResult, error) {
	return s.record(ctx, domain.KindReturn, req)
}

// RecordPreOrder records an order without moving stock.
func (s *Service) RecordPreOrder(ctx context.Context, req domain.TransactionRequest) (domain.TransactionResult, error) {
	return s.record(ctx, domain.KindPreOrder, req)
}

func (s *Service) record(ctx context.Context, kind domain.TransactionKind, req domain.TransactionRequest) (domain.TransactionResult, error) {
	actor := s.actor(ctx)
	shop := actor.Shop

	lines, err := normalizeLines(kind, req.Items)
	if err != nil {
		return domain.TransactionResult{}, err
	}
	if req.Discount.IsNegative() {
		return domain.TransactionResult{}, fmt.Errorf("%w: discount must not be negative", store.ErrValidation)
	}
	if req.UsePoints < 0 {
		return domain.TransactionResult{}, fmt.Errorf("%w: usePoints must not be negative", store.ErrValidation)
	}
	if req.Salesman != nil {
		if err := normalizeRef(req.Salesman); err != nil {
			return domain.TransactionResult{}, err
		}
	}
	var customerIn *domain.CustomerInput
	if req.Customer != nil && strings.TrimSpace(req.Customer.Phone) != "" {
		customerIn = &domain.CustomerInput{
			Name:  strings.TrimSpace(req.Customer.Name),
			Phone: strings.TrimSpace(req.Customer.Phone),
		}
	}
	key := strings.TrimSpace(req.IdempotencyKey)

	if key != "" {
		if existing, err := s.findByIdempotency(ctx, shop, key); err == nil {
			return toResult(existing, true), nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.TransactionResult{}, err
		}
	}

	var created domain.Transaction
	err = s.docs.RunInTx(ctx, func(ctx context.Context) error {
		ids := make([]string, 0, len(lines))
		for _, line := range lines {
			ids = append(ids, line.Product)
		}
		products, err := s.loadProducts(ctx, shop, ids)
		if err != nil {
			return err
		}

		if kind != domain.KindPreOrder {
			adjustments := make([]stock.Adjustment, 0, len(lines))
			for _, line := range lines {
				event := stock.Sale
				if line.SaleType == domain.LineReturn {
					event = stock.Return
				}
				adjustments = append(adjustments, stock.Adjustment{ProductID: line.Product, Event: event, Quantity: line.SoldQuantity})
			}
			if err := s.ledger.Apply(ctx, shop, adjustments); err != nil {
				return err
			}
		}

		counter := sequence.InvoiceNo
		if kind == domain.KindPreOrder {
			counter = sequence.PreOrderNo
		}
		invoiceNo, err := s.sequences.Next(ctx, shop, counter)
		if err != nil {
			return err
		}

		items := make([]domain.LineItem, 0, len(lines))
		subTotal := decimal.Zero
		for _, line := range lines {
			product := products[line.Product]
			price := product.SalePrice
			if line.SalePrice != nil {
				price = *line.SalePrice
			}
			lineTotal := price.Mul(decimal.NewFromInt(line.SoldQuantity))
			if line.SaleType == domain.LineReturn {
				subTotal = subTotal.Sub(lineTotal)
			} else {
				subTotal = subTotal.Add(lineTotal)
			}
			imei := line.IMEI
			if imei == "" {
				imei = product.IMEI
			}
			items = append(items, domain.LineItem{
				Product:       domain.Ref{ID: product.ID, Name: product.Name},
				ProductID:     product.ProductID,
				IMEI:          imei,
				SalePrice:     price,
				PurchasePrice: product.PurchasePrice,
				SaleType:      line.SaleType,
				SoldQuantity:  line.SoldQuantity,
				LineTotal:     lineTotal,
			})
		}

		customer, isNew, err := s.resolveCustomer(ctx, shop, customerIn)
		if err != nil {
			return err
		}

		discount := req.Discount
		var used, earned int64
		if customer != nil && (req.UsePoints > 0 || isNew) {
			cfg, err := s.pointConfig(ctx, shop)
			if err != nil {
				return err
			}
			if s.opts.RedeemEnabled && req.UsePoints > 0 {
				if customer.UserPoints < req.UsePoints {
					return fmt.Errorf("%w: customer has %d points, %d requested", store.ErrBusinessRule, customer.UserPoints, req.UsePoints)
				}
				updated, err := s.docs.Increment(ctx, domain.CollectionCustomers, shop, customer.ID, "userPoints", -req.UsePoints)
				if err != nil {
					return err
				}
				// The read above may be stale under concurrent redemptions; the
				// decremented balance is authoritative.
				if balance, ok := store.Int(updated["userPoints"]); !ok || balance < 0 {
					return fmt.Errorf("%w: customer points changed concurrently, %d requested", store.ErrBusinessRule, req.UsePoints)
				}
				used = req.UsePoints
				discount = discount.Add(cfg.PointValue.Mul(decimal.NewFromInt(used)))
			}
			grand := subTotal.Sub(discount)
			if isNew && grand.IsPositive() {
				earned = cfg.PointAmount.Mul(grand).Div(decimal.NewFromInt(100)).Floor().IntPart()
				if earned > 0 {
					if _, err := s.docs.Increment(ctx, domain.CollectionCustomers, shop, customer.ID, "userPoints", earned); err != nil {
						return err
					}
				}
			}
		}

		now := store.Now()
		tx := domain.Transaction{
			ID:             xid.New(),
			Shop:           shop,
			Kind:           kind,
			InvoiceNo:      invoiceNo,
			IdempotencyKey: key,
			Salesman:       req.Salesman,
			Items:          items,
			SubTotal:       subTotal,
			DiscountAmount: discount,
			UsedPoints:     used,
			EarnedPoints:   earned,
			GrandTotal:     subTotal.Sub(discount),
			Note:           strings.TrimSpace(req.Note),
			CreatedBy:      actor.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if customer != nil {
			tx.Customer = &domain.CustomerSnapshot{ID: customer.ID, Name: customer.Name, Phone: customer.Phone}
		}
		doc, err := store.ToDocument(tx)
		if err != nil {
			return err
		}
		if err := s.docs.Insert(ctx, domain.CollectionTransactions, doc); err != nil {
			return err
		}
		created = tx
		return nil
	})
	if err != nil {
		if key != "" && errors.Is(err, store.ErrConflict) {
			if existing, lookupErr := s.findByIdempotency(ctx, shop, key); lookupErr == nil {
				return toResult(existing, true), nil
			}
		}
		return domain.TransactionResult{}, err
	}

	result := toResult(created, false)
	s.publish(ctx, events.Event{
		Type:       events.TransactionRecorded,
		Shop:       shop,
		Collection: domain.CollectionTransactions,
		IDs:        []string{created.ID},
		Payload:    result,
		At:         created.CreatedAt,
	})
	s.logAudit(ctx, shop, "transaction_record", "transaction", created.ID,
		fmt.Sprintf("kind=%s,invoice=%s,grand_total=%s,lines=%d", created.Kind, created.InvoiceNo, created.GrandTotal.String(), len(created.Items)))
	return result, nil
}

// UpdateTransaction applies an administrative correction. Stock and points
// are never replayed.
func (s *Service) UpdateTransaction(ctx context.Context, id string, patch map[string]any) (domain.Transaction, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Transaction{}, err
	}
	id, err = xid.Canonical(id)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	if len(patch) == 0 {
		return domain.Transaction{}, fmt.Errorf("%w: nothing to update", store.ErrValidation)
	}
	for field := range patch {
		if !correctableTransactionFields[field] {
			return domain.Transaction{}, fmt.Errorf("%w: %s cannot be changed on a recorded transaction", store.ErrValidation, field)
		}
	}

	doc, err := s.docs.UpdateByID(ctx, domain.CollectionTransactions, actor.Shop, id, store.Document(patch))
	if err != nil {
		return domain.Transaction{}, err
	}
	var tx domain.Transaction
	if err := store.Decode(doc, &tx); err != nil {
		return domain.Transaction{}, fmt.Errorf("%w: decode transaction: %v", store.ErrUpstream, err)
	}
	s.logAudit(ctx, actor.Shop, "transaction_update", "transaction", tx.ID, fmt.Sprintf("fields=%d", len(patch)))
	return tx, nil
}

var correctableTransactionFields = map[string]bool{
	"note":           true,
	"customer":       true,
	"salesman":       true,
	"discountAmount": true,
	"grandTotal":     true,
}

func (s *Service) findByIdempotency(ctx context.Context, shop string, key string) (domain.Transaction, error) {
	var tx domain.Transaction
	err := s.findOne(ctx, domain.CollectionTransactions, &tx, store.Eq("shop", shop), store.Eq("idempotencyKey", key))
	return tx, err
}

// resolveCustomer finds the shop's customer by phone or creates one with zero
// points. isNew reports whether this call created it.
func (s *Service) resolveCustomer(ctx context.Context, shop string, in *domain.CustomerInput) (*domain.Customer, bool, error) {
	if in == nil {
		return nil, false, nil
	}

	var existing domain.Customer
	err := s.findOne(ctx, domain.CollectionCustomers, &existing, store.Eq("shop", shop), store.Eq("phone", in.Phone))
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := store.Now()
	customer := domain.Customer{
		ID:        xid.New(),
		Shop:      shop,
		Name:      in.Name,
		Phone:     in.Phone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	doc, err := store.ToDocument(customer)
	if err != nil {
		return nil, false, err
	}
	if err := s.docs.Insert(ctx, domain.CollectionCustomers, doc); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, false, err
		}
		// created concurrently
		if err := s.findOne(ctx, domain.CollectionCustomers, &existing, store.Eq("shop", shop), store.Eq("phone", in.Phone)); err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}
	return &customer, true, nil
}

func (s *Service) pointConfig(ctx context.Context, shop string) (domain.PointConfig, error) {
	key := pointConfigCacheKey(shop)
	var cfg domain.PointConfig
	if ok, err := cache.GetJSON(ctx, s.lookups, key, &cfg); err == nil && ok {
		return cfg, nil
	}

	err := s.findOne(ctx, domain.CollectionPointConfigs, &cfg, store.Eq("shop", shop), store.Eq("_id", pointConfigID(shop)))
	if errors.Is(err, store.ErrNotFound) {
		cfg = domain.PointConfig{ID: pointConfigID(shop), Shop: shop}
	} else if err != nil {
		return domain.PointConfig{}, err
	}
	_ = cache.SetJSON(ctx, s.lookups, key, cfg, s.opts.LookupTTL)
	return cfg, nil
}

func pointConfigID(shop string) string {
	return xid.Derived("point-config", shop)
}

func pointConfigCacheKey(shop string) string {
	return "point-config:" + shop
}

func normalizeLines(kind domain.TransactionKind, items []domain.LineInput) ([]domain.LineInput, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", store.ErrValidation)
	}
	out := make([]domain.LineInput, 0, len(items))
	for i, item := range items {
		item.Product = strings.TrimSpace(item.Product)
		item.IMEI = strings.TrimSpace(item.IMEI)
		if item.Product == "" {
			return nil, fmt.Errorf("%w: item %d has no product", store.ErrValidation, i)
		}
		id, err := xid.Canonical(item.Product)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", store.ErrValidation, i, err)
		}
		item.Product = id
		if item.SoldQuantity < 1 {
			return nil, fmt.Errorf("%w: item %d quantity must be at least 1", store.ErrValidation, i)
		}
		if item.SalePrice != nil && item.SalePrice.IsNegative() {
			return nil, fmt.Errorf("%w: item %d price must not be negative", store.ErrValidation, i)
		}

		switch {
		case kind == domain.KindReturn:
			item.SaleType = domain.LineReturn
		case item.SaleType == "":
			item.SaleType = domain.LineSale
		case item.SaleType != domain.LineSale && item.SaleType != domain.LineReturn:
			return nil, fmt.Errorf("%w: item %d has unknown saleType %q", store.ErrValidation, i, item.SaleType)
		}
		out = append(out, item)
	}
	return out, nil
}

func normalizeRef(ref *domain.Ref) error {
	id, err := xid.Canonical(strings.TrimSpace(ref.ID))
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	ref.ID = id
	ref.Name = strings.TrimSpace(ref.Name)
	return nil
}

func toResult(tx domain.Transaction, duplicate bool) domain.TransactionResult {
	return domain.TransactionResult{
		TransactionID: tx.ID,
		InvoiceNo:     tx.InvoiceNo,
		Kind:          tx.Kind,
		GrandTotal:    tx.GrandTotal,
		EarnedPoints:  tx.EarnedPoints,
		UsedPoints:    tx.UsedPoints,
		Duplicate:     duplicate,
	}
}
