package query

import (
	"fmt"
	"sort"

	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/store"
)

// Calculation sums the product of Fields across the filtered set.
type Calculation struct {
	Name   string
	Fields []string
}

// Entity describes how one collection is listed, searched and archived.
type Entity struct {
	Name             string
	Collection       string
	IDFields         []string
	SearchableFields []string
	Calculations     []Calculation
	Archivable       bool
}

func (e Entity) LogCollection() string {
	return e.Collection + "_logs"
}

type Registry struct {
	entities map[string]Entity
}

// NewRegistry registers entities and, for every archivable one, a read-only
// "<name>-logs" entity listing its archive log.
func NewRegistry(entities ...Entity) *Registry {
	r := &Registry{entities: make(map[string]Entity, len(entities)*2)}
	for _, e := range entities {
		r.entities[e.Name] = e
		if e.Archivable {
			r.entities[e.Name+"-logs"] = Entity{
				Name:             e.Name + "-logs",
				Collection:       e.LogCollection(),
				IDFields:         e.IDFields,
				SearchableFields: append(append([]string{}, e.SearchableFields...), "deletedBy", "deleteDateString"),
				Calculations:     e.Calculations,
			}
		}
	}
	return r
}

func (r *Registry) Lookup(name string) (Entity, error) {
	e, ok := r.entities[name]
	if !ok {
		return Entity{}, fmt.Errorf("%w: unknown entity %q", store.ErrNotFound, name)
	}
	return e, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var refIDs = []string{"category._id", "subcategory._id", "brand._id", "unit._id", "color._id", "size._id", "vendor._id"}

// DefaultRegistry lists the shop's collections.
func DefaultRegistry() *Registry {
	base := []string{"_id", "shop"}
	return NewRegistry(
		Entity{
			Name:             "products",
			Collection:       domain.CollectionProducts,
			IDFields:         append(append([]string{}, base...), refIDs...),
			SearchableFields: []string{"name", "sku", "imei", "productId"},
			Calculations: []Calculation{
				{Name: "totalQuantity", Fields: []string{"quantity"}},
				{Name: "totalPurchaseValue", Fields: []string{"quantity", "purchasePrice"}},
				{Name: "totalSaleValue", Fields: []string{"quantity", "salePrice"}},
			},
			Archivable: true,
		},
		Entity{
			Name:             "customers",
			Collection:       domain.CollectionCustomers,
			IDFields:         base,
			SearchableFields: []string{"name", "phone"},
			Calculations:     []Calculation{{Name: "totalPoints", Fields: []string{"userPoints"}}},
			Archivable:       true,
		},
		Entity{
			Name:             "transactions",
			Collection:       domain.CollectionTransactions,
			IDFields:         append(append([]string{}, base...), "customer._id", "salesman._id"),
			SearchableFields: []string{"invoiceNo", "customer.name", "customer.phone", "note"},
			Calculations: []Calculation{
				{Name: "grandTotal", Fields: []string{"grandTotal"}},
				{Name: "totalDiscount", Fields: []string{"discountAmount"}},
				{Name: "subTotal", Fields: []string{"subTotal"}},
			},
			Archivable: true,
		},
		Entity{
			Name:             "vendors",
			Collection:       domain.CollectionVendors,
			IDFields:         base,
			SearchableFields: []string{"name", "phone"},
			Archivable:       true,
		},
		Entity{
			Name:             "purchases",
			Collection:       domain.CollectionPurchases,
			IDFields:         append(append([]string{}, base...), "vendor._id"),
			SearchableFields: []string{"purchaseNo", "vendor.name"},
			Calculations:     []Calculation{{Name: "total", Fields: []string{"total"}}},
			Archivable:       true,
		},
		Entity{
			Name:             "damages",
			Collection:       domain.CollectionDamages,
			IDFields:         append(append([]string{}, base...), "product._id"),
			SearchableFields: []string{"product.name", "productId", "note"},
			Calculations:     []Calculation{{Name: "totalQuantity", Fields: []string{"quantity"}}},
			Archivable:       true,
		},
		Entity{
			Name:             "audit-logs",
			Collection:       domain.CollectionAuditLogs,
			IDFields:         base,
			SearchableFields: []string{"action", "entityType", "entityId", "detail"},
		},
	)
}
