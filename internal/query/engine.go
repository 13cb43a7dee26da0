package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/xid"
)

var (
	defaultSort   = SortSpec{{Field: "createdAt", Direction: -1}}
	defaultSelect = map[string]int{"name": 1}
)

type Store interface {
	Find(ctx context.Context, collection string, q store.FindQuery) ([]store.Document, int64, error)
	Sum(ctx context.Context, collection string, filter store.Filter, specs []store.SumSpec) (map[string]decimal.Decimal, error)
}

// Engine runs filter, search, sort, paginate and project over any registered
// entity, with the entity's calculations computed alongside the page.
type Engine struct {
	store Store
}

func NewEngine(s Store) *Engine {
	return &Engine{store: s}
}

// List answers req for entity. scope clauses are ANDed into the filter
// before anything else and cannot be overridden by req.
func (e *Engine) List(ctx context.Context, entity Entity, req Request, scope ...store.Clause) (domain.ResponsePayload, error) {
	clauses, err := ParseFilter(req.Filter, entity.IDFields)
	if err != nil {
		return domain.ResponsePayload{}, err
	}
	all := make([]store.Clause, 0, len(scope)+len(clauses))
	all = append(all, scope...)
	filter := store.Filter{All: append(all, clauses...)}

	if search := strings.TrimSpace(req.Search); search != "" && len(entity.SearchableFields) > 0 {
		for _, field := range entity.SearchableFields {
			filter.Any = append(filter.Any, store.Where(field, store.OpContains, search))
		}
	}

	sortSpec := req.Sort
	if len(sortSpec) == 0 {
		sortSpec = defaultSort
	}
	sortFields, err := sortSpec.fields()
	if err != nil {
		return domain.ResponsePayload{}, err
	}

	selection := req.Select
	if len(selection) == 0 {
		selection = defaultSelect
	}
	projection, err := newProjection(selection)
	if err != nil {
		return domain.ResponsePayload{}, err
	}

	q := store.FindQuery{Filter: filter, Sort: sortFields}
	if p := req.Pagination; p != nil {
		if p.PageSize < 1 || p.CurrentPage < 0 {
			return domain.ResponsePayload{}, fmt.Errorf("%w: pageSize must be at least 1 and currentPage at least 0", store.ErrValidation)
		}
		q.Skip = p.PageSize * p.CurrentPage
		q.Limit = p.PageSize
	}

	var (
		docs   []store.Document
		total  int64
		totals map[string]decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		docs, total, err = e.store.Find(gctx, entity.Collection, q)
		return err
	})
	if len(entity.Calculations) > 0 {
		specs := make([]store.SumSpec, 0, len(entity.Calculations))
		for _, c := range entity.Calculations {
			specs = append(specs, store.SumSpec{As: c.Name, Fields: c.Fields})
		}
		g.Go(func() error {
			var err error
			totals, err = e.store.Sum(gctx, entity.Collection, filter, specs)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return domain.ResponsePayload{}, err
	}

	data := make([]store.Document, 0, len(docs))
	for _, doc := range docs {
		data = append(data, projection.apply(doc))
	}
	if req.Pagination == nil {
		total = int64(len(data))
	}

	return domain.ResponsePayload{
		Success:     true,
		Message:     fmt.Sprintf("%s fetched", entity.Name),
		Data:        data,
		Count:       &total,
		Calculation: totals,
	}, nil
}

// ParseFilter converts a raw filter object into store clauses. Values of
// idFields are parsed as identifiers; everything else matches literally or by
// operator object such as {"$gte": 5}.
func ParseFilter(raw map[string]any, idFields []string) ([]store.Clause, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	isID := make(map[string]bool, len(idFields))
	for _, f := range idFields {
		isID[f] = true
	}

	clauses := make([]store.Clause, 0, len(raw))
	for _, field := range keys {
		if _, err := store.SplitPath(field); err != nil {
			return nil, err
		}
		value := raw[field]

		ops, isOps := operatorObject(value)
		if !isOps {
			ops = map[string]any{string(store.OpEq): value}
		}
		opNames := make([]string, 0, len(ops))
		for op := range ops {
			opNames = append(opNames, op)
		}
		sort.Strings(opNames)

		for _, name := range opNames {
			op := store.Op(name)
			if !op.Valid() {
				return nil, fmt.Errorf("%w: unsupported operator %q on %s", store.ErrValidation, name, field)
			}
			v := ops[name]
			if isID[field] && op != store.OpExists {
				coerced, err := coerceID(field, v)
				if err != nil {
					return nil, err
				}
				v = coerced
			}
			clauses = append(clauses, store.Where(field, op, v))
		}
	}
	return clauses, nil
}

// operatorObject reports whether v is an object whose keys are all operators.
func operatorObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func coerceID(field string, v any) (any, error) {
	switch val := v.(type) {
	case string:
		id, err := xid.Canonical(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", store.ErrValidation, field, err)
		}
		return id, nil
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			coerced, err := coerceID(field, item)
			if err != nil {
				return nil, err
			}
			out = append(out, coerced)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s expects an identifier", store.ErrValidation, field)
	}
}

type projection struct {
	include   []string
	exclude   []string
	includeID bool
}

func newProjection(sel map[string]int) (projection, error) {
	p := projection{includeID: true}
	keys := make([]string, 0, len(sel))
	for k := range sel {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, field := range keys {
		if _, err := store.SplitPath(field); err != nil {
			return projection{}, err
		}
		switch sel[field] {
		case 1:
			if field != "_id" {
				p.include = append(p.include, field)
			}
		case 0:
			if field == "_id" {
				p.includeID = false
			} else {
				p.exclude = append(p.exclude, field)
			}
		default:
			return projection{}, fmt.Errorf("%w: select value for %s must be 0 or 1", store.ErrValidation, field)
		}
	}
	if len(p.include) > 0 && len(p.exclude) > 0 {
		return projection{}, fmt.Errorf("%w: select cannot mix inclusion and exclusion", store.ErrValidation)
	}
	return p, nil
}

func (p projection) apply(doc store.Document) store.Document {
	if len(p.include) == 0 {
		out := doc.Clone()
		for _, field := range p.exclude {
			deletePath(out, field)
		}
		if !p.includeID {
			delete(out, "_id")
		}
		return out
	}

	out := store.Document{}
	if p.includeID {
		if id, ok := doc["_id"]; ok {
			out["_id"] = id
		}
	}
	for _, field := range p.include {
		if v, ok := store.Lookup(doc, field); ok {
			setPath(out, field, v)
		}
	}
	return out
}

func setPath(doc map[string]any, field string, v any) {
	parts := strings.Split(field, ".")
	target := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := target[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[part] = next
		}
		target = next
	}
	target[parts[len(parts)-1]] = v
}

// deletePath removes field, copying the nested maps it walks through so the
// source document is left untouched.
func deletePath(doc map[string]any, field string) {
	parts := strings.Split(field, ".")
	target := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := target[part].(map[string]any)
		if !ok {
			return
		}
		copied := make(map[string]any, len(next))
		for k, v := range next {
			copied[k] = v
		}
		target[part] = copied
		target = copied
	}
	delete(target, parts[len(parts)-1])
}
