package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"shopcore/backend/internal/cache"
	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/sequence"
	"shopcore/backend/internal/stock"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/xid"
)

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.IMEI = strings.TrimSpace(req.IMEI)
	if req.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: name is required", store.ErrValidation)
	}
	if req.PurchasePrice.IsNegative() || req.SalePrice.IsNegative() || req.InitialQuantity < 0 {
		return domain.Product{}, fmt.Errorf("%w: prices and initial quantity must not be negative", store.ErrValidation)
	}
	for _, ref := range []*domain.Ref{req.Category, req.Subcategory, req.Brand, req.Unit, req.Color, req.Size, req.Vendor} {
		if ref == nil {
			continue
		}
		if err := normalizeRef(ref); err != nil {
			return domain.Product{}, err
		}
	}

	var created domain.Product
	err = s.docs.RunInTx(ctx, func(ctx context.Context) error {
		productID, err := s.sequences.Next(ctx, actor.Shop, sequence.ProductID)
		if err != nil {
			return err
		}
		now := store.Now()
		product := domain.Product{
			ID:            xid.New(),
			Shop:          actor.Shop,
			ProductID:     productID,
			SKU:           req.SKU,
			IMEI:          req.IMEI,
			Name:          req.Name,
			Category:      req.Category,
			Subcategory:   req.Subcategory,
			Brand:         req.Brand,
			Unit:          req.Unit,
			Color:         req.Color,
			Size:          req.Size,
			Vendor:        req.Vendor,
			PurchasePrice: req.PurchasePrice,
			SalePrice:     req.SalePrice,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		doc, err := store.ToDocument(product)
		if err != nil {
			return err
		}
		if err := s.docs.Insert(ctx, domain.CollectionProducts, doc); err != nil {
			return err
		}
		if req.InitialQuantity > 0 {
			delta, err := stock.DeltaFor(stock.StockIn, req.InitialQuantity)
			if err != nil {
				return err
			}
			qty, err := s.ledger.ApplyDelta(ctx, actor.Shop, product.ID, delta)
			if err != nil {
				return err
			}
			product.Quantity = qty
		}
		created = product
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, actor.Shop, "product_create", "product", created.ID,
		fmt.Sprintf("product_id=%s,name=%s,stock=%d", created.ProductID, created.Name, created.Quantity))
	return created, nil
}

var immutableProductFields = map[string]string{
	"_id":       "identifiers cannot be changed",
	"shop":      "identifiers cannot be changed",
	"productId": "identifiers cannot be changed",
	"createdAt": "creation time cannot be changed",
	"updatedAt": "update time is maintained by the store",
	"quantity":  "quantity changes go through stock movements",
}

// UpdateProduct patches descriptive and pricing fields.
func (s *Service) UpdateProduct(ctx context.Context, id string, patch map[string]any) (domain.Product, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	id, err = xid.Canonical(id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	if len(patch) == 0 {
		return domain.Product{}, fmt.Errorf("%w: nothing to update", store.ErrValidation)
	}
	for field, value := range patch {
		if strings.Contains(field, ".") {
			return domain.Product{}, fmt.Errorf("%w: %s: replace the whole %s object instead", store.ErrValidation, field, strings.SplitN(field, ".", 2)[0])
		}
		if reason, ok := immutableProductFields[field]; ok {
			return domain.Product{}, fmt.Errorf("%w: %s: %s", store.ErrValidation, field, reason)
		}
		if field == "name" {
			name, _ := value.(string)
			if strings.TrimSpace(name) == "" {
				return domain.Product{}, fmt.Errorf("%w: name is required", store.ErrValidation)
			}
		}
	}

	doc, err := s.docs.UpdateByID(ctx, domain.CollectionProducts, actor.Shop, id, store.Document(patch))
	if err != nil {
		return domain.Product{}, err
	}
	var product domain.Product
	if err := store.Decode(doc, &product); err != nil {
		return domain.Product{}, fmt.Errorf("%w: decode product: %v", store.ErrUpstream, err)
	}
	s.logAudit(ctx, actor.Shop, "product_update", "product", product.ID, fmt.Sprintf("fields=%d", len(patch)))
	return product, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerInput) (domain.Customer, error) {
	actor := s.actor(ctx)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Name = strings.TrimSpace(req.Name)
	if req.Phone == "" {
		return domain.Customer{}, fmt.Errorf("%w: phone is required", store.ErrValidation)
	}

	now := store.Now()
	customer := domain.Customer{ID: xid.New(), Shop: actor.Shop, Name: req.Name, Phone: req.Phone, CreatedAt: now, UpdatedAt: now}
	doc, err := store.ToDocument(customer)
	if err != nil {
		return domain.Customer{}, err
	}
	if err := s.docs.Insert(ctx, domain.CollectionCustomers, doc); err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, actor.Shop, "customer_create", "customer", customer.ID, "phone="+customer.Phone)
	return customer, nil
}

func (s *Service) CreateVendor(ctx context.Context, req domain.VendorRequest) (domain.Vendor, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Vendor{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Vendor{}, fmt.Errorf("%w: name is required", store.ErrValidation)
	}

	now := store.Now()
	vendor := domain.Vendor{ID: xid.New(), Shop: actor.Shop, Name: req.Name, Phone: strings.TrimSpace(req.Phone), CreatedAt: now, UpdatedAt: now}
	doc, err := store.ToDocument(vendor)
	if err != nil {
		return domain.Vendor{}, err
	}
	if err := s.docs.Insert(ctx, domain.CollectionVendors, doc); err != nil {
		return domain.Vendor{}, err
	}
	s.logAudit(ctx, actor.Shop, "vendor_create", "vendor", vendor.ID, "name="+vendor.Name)
	return vendor, nil
}

// RecordPurchase books stock received from a vendor.
func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseRequest) (domain.Purchase, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.Purchase{}, err
	}
	vendorID := strings.TrimSpace(req.Vendor)
	if vendorID == "" {
		return domain.Purchase{}, fmt.Errorf("%w: a purchase requires a vendor", store.ErrBusinessRule)
	}
	if vendorID, err = xid.Canonical(vendorID); err != nil {
		return domain.Purchase{}, fmt.Errorf("%w: vendor: %v", store.ErrValidation, err)
	}
	if len(req.Items) == 0 {
		return domain.Purchase{}, fmt.Errorf("%w: at least one item is required", store.ErrValidation)
	}
	ids := make([]string, 0, len(req.Items))
	for i, item := range req.Items {
		if item.Quantity < 1 {
			return domain.Purchase{}, fmt.Errorf("%w: item %d quantity must be at least 1", store.ErrValidation, i)
		}
		if item.PurchasePrice != nil && item.PurchasePrice.IsNegative() {
			return domain.Purchase{}, fmt.Errorf("%w: item %d price must not be negative", store.ErrValidation, i)
		}
		ids = append(ids, item.Product)
	}

	var created domain.Purchase
	err = s.docs.RunInTx(ctx, func(ctx context.Context) error {
		var vendor domain.Vendor
		if err := s.findOne(ctx, domain.CollectionVendors, &vendor, store.Eq("shop", actor.Shop), store.Eq("_id", vendorID)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: vendor %s does not exist", store.ErrBusinessRule, vendorID)
			}
			return err
		}
		products, err := s.loadProducts(ctx, actor.Shop, ids)
		if err != nil {
			return err
		}

		lines := make([]domain.PurchaseLine, 0, len(req.Items))
		adjustments := make([]stock.Adjustment, 0, len(req.Items))
		total := decimal.Zero
		for _, item := range req.Items {
			id, _ := xid.Canonical(item.Product)
			product := products[id]
			price := product.PurchasePrice
			if item.PurchasePrice != nil {
				price = *item.PurchasePrice
			}
			lineTotal := price.Mul(decimal.NewFromInt(item.Quantity))
			total = total.Add(lineTotal)
			lines = append(lines, domain.PurchaseLine{
				Product:       domain.Ref{ID: product.ID, Name: product.Name},
				ProductID:     product.ProductID,
				Quantity:      item.Quantity,
				PurchasePrice: price,
				LineTotal:     lineTotal,
			})
			adjustments = append(adjustments, stock.Adjustment{ProductID: product.ID, Event: stock.Purchase, Quantity: item.Quantity})
		}
		if err := s.ledger.Apply(ctx, actor.Shop, adjustments); err != nil {
			return err
		}

		purchaseNo, err := s.sequences.Next(ctx, actor.Shop, sequence.PurchaseNo)
		if err != nil {
			return err
		}
		now := store.Now()
		purchase := domain.Purchase{
			ID:         xid.New(),
			Shop:       actor.Shop,
			PurchaseNo: purchaseNo,
			Vendor:     domain.Ref{ID: vendor.ID, Name: vendor.Name},
			Items:      lines,
			Total:      total,
			CreatedBy:  actor.ID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		doc, err := store.ToDocument(purchase)
		if err != nil {
			return err
		}
		if err := s.docs.Insert(ctx, domain.CollectionPurchases, doc); err != nil {
			return err
		}
		created = purchase
		return nil
	})
	if err != nil {
		return domain.Purchase{}, err
	}

	s.logAudit(ctx, actor.Shop, "purchase_record", "purchase", created.ID,
		fmt.Sprintf("purchase_no=%s,vendor=%s,total=%s", created.PurchaseNo, created.Vendor.Name, created.Total.String()))
	return created, nil
}

// RecordDamage books damaged units against a product.
func (s *Service) RecordDamage(ctx context.Context, req domain.DamageRequest) (domain.Damage, error) {
	actor := s.actor(ctx)
	productID, err := xid.Canonical(strings.TrimSpace(req.Product))
	if err != nil {
		return domain.Damage{}, fmt.Errorf("%w: product: %v", store.ErrValidation, err)
	}
	delta, err := stock.DeltaFor(stock.Damage, req.Quantity)
	if err != nil {
		return domain.Damage{}, err
	}

	var created domain.Damage
	err = s.docs.RunInTx(ctx, func(ctx context.Context) error {
		products, err := s.loadProducts(ctx, actor.Shop, []string{productID})
		if err != nil {
			return err
		}
		product := products[productID]
		if _, err := s.ledger.ApplyDelta(ctx, actor.Shop, productID, delta); err != nil {
			return err
		}
		now := store.Now()
		damage := domain.Damage{
			ID:        xid.New(),
			Shop:      actor.Shop,
			Product:   domain.Ref{ID: product.ID, Name: product.Name},
			ProductID: product.ProductID,
			Quantity:  req.Quantity,
			Note:      strings.TrimSpace(req.Note),
			CreatedBy: actor.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		doc, err := store.ToDocument(damage)
		if err != nil {
			return err
		}
		if err := s.docs.Insert(ctx, domain.CollectionDamages, doc); err != nil {
			return err
		}
		created = damage
		return nil
	})
	if err != nil {
		return domain.Damage{}, err
	}

	s.logAudit(ctx, actor.Shop, "damage_record", "damage", created.ID,
		fmt.Sprintf("product=%s,quantity=%d", created.ProductID, created.Quantity))
	return created, nil
}

// SetPointConfig stores the shop's loyalty ratio.
func (s *Service) SetPointConfig(ctx context.Context, req domain.PointConfigRequest) (domain.PointConfig, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return domain.PointConfig{}, err
	}
	if req.PointAmount.IsNegative() || req.PointValue.IsNegative() {
		return domain.PointConfig{}, fmt.Errorf("%w: point amount and value must not be negative", store.ErrValidation)
	}

	now := store.Now()
	cfg := domain.PointConfig{
		ID:          pointConfigID(actor.Shop),
		Shop:        actor.Shop,
		PointAmount: req.PointAmount,
		PointValue:  req.PointValue,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	var existing domain.PointConfig
	if err := s.findOne(ctx, domain.CollectionPointConfigs, &existing, store.Eq("shop", actor.Shop), store.Eq("_id", cfg.ID)); err == nil {
		cfg.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.PointConfig{}, err
	}

	doc, err := store.ToDocument(cfg)
	if err != nil {
		return domain.PointConfig{}, err
	}
	if err := s.docs.Replace(ctx, domain.CollectionPointConfigs, doc); err != nil {
		return domain.PointConfig{}, err
	}
	_ = cache.SetJSON(ctx, s.lookups, pointConfigCacheKey(actor.Shop), cfg, s.opts.LookupTTL)

	s.logAudit(ctx, actor.Shop, "point_config_set", "point_config", cfg.ID,
		fmt.Sprintf("amount=%s,value=%s", cfg.PointAmount.String(), cfg.PointValue.String()))
	return cfg, nil
}

func (s *Service) GetPointConfig(ctx context.Context) (domain.PointConfig, error) {
	return s.pointConfig(ctx, s.actor(ctx).Shop)
}
