package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/xid"
)

type record struct {
	seq    int64
	shop   string
	body   []byte
	fields map[string]any
}

// Store keeps documents in process. Writes outside RunInTx are serialized
// with transactions so a rollback never discards a concurrent commit.
type Store struct {
	txMu        sync.RWMutex
	mu          sync.RWMutex
	seq         int64
	collections map[string]map[string]*record

	counterMu sync.Mutex
	counters  map[string]map[string]int64
}

type txKey struct{}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string]*record),
		counters:    make(map[string]map[string]int64),
	}
}

// seedUsers builds the initial accounts for dev/demo mode. Credentials are
// read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; the dev defaults
// are only used by the in-memory store.
func seedUsers(shop string) []domain.User {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := store.Now()
	users := make([]domain.User, 0, 2)
	for _, u := range []struct {
		username string
		name     string
		password string
		role     string
	}{
		{"admin", "Shop Admin", adminPwd, domain.RoleAdmin},
		{"cashier", "Front Desk", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users = append(users, domain.User{
			ID:          xid.New(),
			Shop:        shop,
			Username:    u.username,
			DisplayName: u.name,
			Password:    string(hash),
			Role:        u.role,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store holding the dev accounts for shop.
func NewSeeded(shop string) *Store {
	s := New()
	for _, user := range seedUsers(shop) {
		doc, err := store.ToDocument(user)
		if err != nil {
			log.Fatalf("[memory-store] failed to encode seed user %s: %v", user.Username, err)
		}
		if err := s.Insert(context.Background(), domain.CollectionUsers, doc); err != nil {
			log.Fatalf("[memory-store] failed to seed user %s: %v", user.Username, err)
		}
	}
	return s
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// writeGuard serializes a standalone write against running transactions.
func (s *Store) writeGuard(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.txMu.Lock()
	return s.txMu.Unlock
}

// readGuard keeps a standalone read from observing the uncommitted writes of
// a running transaction.
func (s *Store) readGuard(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.txMu.RLock()
	return s.txMu.RUnlock
}

type snapshot struct {
	seq         int64
	collections map[string]map[string]*record
}

func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make(map[string]map[string]*record, len(s.collections))
	for name, coll := range s.collections {
		c := make(map[string]*record, len(coll))
		for id, r := range coll {
			c[id] = r
		}
		copied[name] = c
	}
	return snapshot{seq: s.seq, collections: copied}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	s.seq = snap.seq
	s.collections = snap.collections
	s.mu.Unlock()
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	defer func() {
		if p := recover(); p != nil {
			s.restore(snap)
			panic(p)
		} else if err != nil {
			s.restore(snap)
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, s))
}

func (s *Store) NextSequence(_ context.Context, shop string, name string) (int64, error) {
	if shop == "" || name == "" {
		return 0, fmt.Errorf("%w: shop and counter name are required", store.ErrValidation)
	}
	s.counterMu.Lock()
	defer s.counterMu.Unlock()

	byShop, ok := s.counters[shop]
	if !ok {
		byShop = make(map[string]int64)
		s.counters[shop] = byShop
	}
	byShop[name]++
	return byShop[name], nil
}

func (s *Store) Insert(ctx context.Context, collection string, docs ...store.Document) error {
	if len(docs) == 0 {
		return nil
	}
	defer s.writeGuard(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	pending := make(map[string]*record, len(docs))
	order := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, shop, err := store.Identity(doc)
		if err != nil {
			return err
		}
		if _, exists := coll[id]; exists {
			return fmt.Errorf("%w: %s/%s already exists", store.ErrConflict, collection, id)
		}
		if _, exists := pending[id]; exists {
			return fmt.Errorf("%w: duplicate id %s in batch", store.ErrConflict, id)
		}
		rec, err := newRecord(shop, doc)
		if err != nil {
			return err
		}
		if err := checkUnique(collection, coll, pending, id, rec); err != nil {
			return err
		}
		pending[id] = rec
		order = append(order, id)
	}

	for _, id := range order {
		s.seq++
		pending[id].seq = s.seq
		coll[id] = pending[id]
	}
	return nil
}

func (s *Store) Replace(ctx context.Context, collection string, doc store.Document) error {
	id, shop, err := store.Identity(doc)
	if err != nil {
		return err
	}
	defer s.writeGuard(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	rec, err := newRecord(shop, doc)
	if err != nil {
		return err
	}
	if existing, ok := coll[id]; ok {
		if existing.shop != shop {
			return fmt.Errorf("%w: %s/%s belongs to another shop", store.ErrConflict, collection, id)
		}
		rec.seq = existing.seq
	} else {
		s.seq++
		rec.seq = s.seq
	}
	if err := checkUnique(collection, coll, nil, id, rec); err != nil {
		return err
	}
	coll[id] = rec
	return nil
}

func (s *Store) Find(ctx context.Context, collection string, q store.FindQuery) ([]store.Document, int64, error) {
	filter, err := store.NormalizeFilter(q.Filter)
	if err != nil {
		return nil, 0, err
	}
	for _, f := range q.Sort {
		if _, err := store.SplitPath(f.Field); err != nil {
			return nil, 0, err
		}
	}
	if q.Skip < 0 || q.Limit < 0 {
		return nil, 0, fmt.Errorf("%w: skip and limit must not be negative", store.ErrValidation)
	}
	defer s.readGuard(ctx)()

	s.mu.RLock()
	matched := make([]*record, 0)
	for _, r := range s.collections[collection] {
		if filter.Matches(r.fields) {
			matched = append(matched, r)
		}
	}
	s.mu.RUnlock()

	tieDesc := len(q.Sort) > 0 && q.Sort[0].Desc
	sort.SliceStable(matched, func(i, j int) bool {
		if c := store.CompareForSort(matched[i].fields, matched[j].fields, q.Sort); c != 0 {
			return c < 0
		}
		if tieDesc {
			return matched[i].seq > matched[j].seq
		}
		return matched[i].seq < matched[j].seq
	})

	total := int64(len(matched))
	start := min(q.Skip, total)
	end := total
	if q.Limit > 0 {
		end = min(start+q.Limit, total)
	}

	docs := make([]store.Document, 0, end-start)
	for _, r := range matched[start:end] {
		doc, err := r.document()
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	return docs, total, nil
}

func (s *Store) FindOne(ctx context.Context, collection string, filter store.Filter) (store.Document, error) {
	docs, _, err := s.Find(ctx, collection, store.FindQuery{Filter: filter, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, store.ErrNotFound
	}
	return docs[0], nil
}

func (s *Store) Sum(ctx context.Context, collection string, filter store.Filter, specs []store.SumSpec) (map[string]decimal.Decimal, error) {
	normalized, err := store.NormalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if spec.As == "" || len(spec.Fields) == 0 {
			return nil, fmt.Errorf("%w: sum requires a name and fields", store.ErrValidation)
		}
		for _, f := range spec.Fields {
			if _, err := store.SplitPath(f); err != nil {
				return nil, err
			}
		}
	}

	totals := make(map[string]decimal.Decimal, len(specs))
	for _, spec := range specs {
		totals[spec.As] = decimal.Zero
	}
	defer s.readGuard(ctx)()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.collections[collection] {
		if !normalized.Matches(r.fields) {
			continue
		}
		for _, spec := range specs {
			if product, ok := productOf(r.fields, spec.Fields); ok {
				totals[spec.As] = totals[spec.As].Add(product)
			}
		}
	}
	return totals, nil
}

func productOf(fields map[string]any, paths []string) (decimal.Decimal, bool) {
	result := decimal.NewFromInt(1)
	for _, path := range paths {
		v, ok := store.Lookup(fields, path)
		if !ok {
			return decimal.Zero, false
		}
		n, ok := store.Number(v)
		if !ok {
			return decimal.Zero, false
		}
		result = result.Mul(n)
	}
	return result, true
}

func (s *Store) UpdateByID(ctx context.Context, collection string, shop string, id string, set store.Document) (store.Document, error) {
	for key := range set {
		if err := store.ValidateSetKey(key); err != nil {
			return nil, err
		}
	}
	return s.mutate(ctx, collection, shop, id, func(fields map[string]any) error {
		for k, v := range set {
			normalized, err := store.NormalizeValue(v)
			if err != nil {
				return fmt.Errorf("%w: %v", store.ErrValidation, err)
			}
			fields[k] = normalized
		}
		return nil
	})
}

func (s *Store) Increment(ctx context.Context, collection string, shop string, id string, field string, delta int64) (store.Document, error) {
	parts, err := store.SplitPath(field)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, collection, shop, id, func(fields map[string]any) error {
		target := fields
		for _, part := range parts[:len(parts)-1] {
			next, ok := target[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				target[part] = next
			}
			target = next
		}
		leaf := parts[len(parts)-1]
		current := decimal.Zero
		if v, ok := target[leaf]; ok && v != nil {
			n, ok := store.Number(v)
			if !ok {
				return fmt.Errorf("%w: %s is not numeric", store.ErrValidation, field)
			}
			current = n
		}
		target[leaf] = json.Number(current.Add(decimal.NewFromInt(delta)).String())
		return nil
	})
}

// mutate applies change to a decoded copy of the document and swaps the
// record in one step so readers never observe a partial update.
func (s *Store) mutate(ctx context.Context, collection string, shop string, id string, change func(fields map[string]any) error) (store.Document, error) {
	defer s.writeGuard(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	existing, ok := coll[id]
	if !ok || existing.shop != shop {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
	}

	fields := map[string]any{}
	if err := store.UnmarshalJSON(existing.body, &fields); err != nil {
		return nil, err
	}
	if err := change(fields); err != nil {
		return nil, err
	}
	fields["updatedAt"] = store.FormatTime(store.Now())

	rec, err := newRecord(shop, fields)
	if err != nil {
		return nil, err
	}
	rec.seq = existing.seq
	if err := checkUnique(collection, coll, nil, id, rec); err != nil {
		return nil, err
	}
	coll[id] = rec
	return rec.document()
}

func (s *Store) DeleteMany(ctx context.Context, collection string, filter store.Filter) ([]store.Document, error) {
	normalized, err := store.NormalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	defer s.writeGuard(ctx)()
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[collection]
	removed := make([]*record, 0)
	for id, r := range coll {
		if normalized.Matches(r.fields) {
			removed = append(removed, r)
			delete(coll, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].seq < removed[j].seq })

	docs := make([]store.Document, 0, len(removed))
	for _, r := range removed {
		doc, err := r.document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *Store) collection(name string) map[string]*record {
	coll, ok := s.collections[name]
	if !ok {
		coll = make(map[string]*record)
		s.collections[name] = coll
	}
	return coll
}

func newRecord(shop string, doc map[string]any) (*record, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: encode document: %v", store.ErrValidation, err)
	}
	fields := map[string]any{}
	if err := store.UnmarshalJSON(body, &fields); err != nil {
		return nil, err
	}
	return &record{shop: shop, body: body, fields: fields}, nil
}

func (r *record) document() (store.Document, error) {
	doc := store.Document{}
	if err := store.UnmarshalJSON(r.body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func checkUnique(collection string, coll map[string]*record, pending map[string]*record, id string, rec *record) error {
	for _, idx := range store.UniqueIndexes {
		if idx.Collection != collection {
			continue
		}
		value, _ := rec.fields[idx.Field].(string)
		if value == "" {
			continue
		}
		clash := func(otherID string, other *record) bool {
			if otherID == id {
				return false
			}
			if idx.PerShop && other.shop != rec.shop {
				return false
			}
			v, _ := other.fields[idx.Field].(string)
			return v == value
		}
		for otherID, other := range coll {
			if clash(otherID, other) {
				return fmt.Errorf("%w: %s %q already exists", store.ErrConflict, idx.Field, value)
			}
		}
		for otherID, other := range pending {
			if clash(otherID, other) {
				return fmt.Errorf("%w: %s %q already exists", store.ErrConflict, idx.Field, value)
			}
		}
	}
	return nil
}
