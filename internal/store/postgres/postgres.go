package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"shopcore/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the documents and counters tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return wrapErr(err)
	}
	return nil
}

type txKey struct{}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) conn(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return wrapErr(err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return wrapErr(tx.Commit())
}

// NextSequence runs on the pool, never on the ambient transaction, so an
// allocated number stays consumed when the caller rolls back.
func (s *Store) NextSequence(ctx context.Context, shop string, name string) (int64, error) {
	if shop == "" || name == "" {
		return 0, fmt.Errorf("%w: shop and counter name are required", store.ErrValidation)
	}
	var next int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sequence_counters (shop, counters)
		VALUES ($1, jsonb_build_object($2::text, 1))
		ON CONFLICT (shop)
		DO UPDATE SET counters = jsonb_set(
			sequence_counters.counters,
			ARRAY[$2::text],
			to_jsonb(COALESCE((sequence_counters.counters ->> $2::text)::bigint, 0) + 1)
		)
		RETURNING (counters ->> $2::text)::bigint
	`, shop, name).Scan(&next)
	if err != nil {
		return 0, wrapErr(err)
	}
	return next, nil
}

func (s *Store) Insert(ctx context.Context, collection string, docs ...store.Document) error {
	if len(docs) == 0 {
		return nil
	}
	return s.withSavepoint(ctx, func(conn execer) error {
		for _, doc := range docs {
			id, shop, err := store.Identity(doc)
			if err != nil {
				return err
			}
			body, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("%w: encode document: %v", store.ErrValidation, err)
			}
			if _, err := conn.ExecContext(ctx, `
				INSERT INTO documents (collection, id, shop, body)
				VALUES ($1, $2, $3, $4::jsonb)
			`, collection, id, shop, string(body)); err != nil {
				return wrapErr(err)
			}
		}
		return nil
	})
}

// withSavepoint keeps a failed statement from aborting the surrounding
// transaction, so a caller can recover from ErrConflict. Outside a
// transaction it runs the batch in its own one.
func (s *Store) withSavepoint(ctx context.Context, fn func(conn execer) error) error {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		return s.RunInTx(ctx, func(ctx context.Context) error {
			return fn(s.conn(ctx))
		})
	}
	if _, err := tx.ExecContext(ctx, `SAVEPOINT documents_write`); err != nil {
		return wrapErr(err)
	}
	if err := fn(tx); err != nil {
		_, _ = tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT documents_write`)
		return err
	}
	if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT documents_write`); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (s *Store) Replace(ctx context.Context, collection string, doc store.Document) error {
	id, shop, err := store.Identity(doc)
	if err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encode document: %v", store.ErrValidation, err)
	}
	return s.withSavepoint(ctx, func(conn execer) error {
		res, err := conn.ExecContext(ctx, `
			INSERT INTO documents (collection, id, shop, body)
			VALUES ($1, $2, $3, $4::jsonb)
			ON CONFLICT (collection, id)
			DO UPDATE SET body = EXCLUDED.body
			WHERE documents.shop = EXCLUDED.shop
		`, collection, id, shop, string(body))
		if err != nil {
			return wrapErr(err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s/%s belongs to another shop", store.ErrConflict, collection, id)
		}
		return nil
	})
}

// Find returns the requested slice and the total match count from a single
// statement. The outer LEFT JOIN keeps the count when the page is empty.
func (s *Store) Find(ctx context.Context, collection string, q store.FindQuery) ([]store.Document, int64, error) {
	if q.Skip < 0 || q.Limit < 0 {
		return nil, 0, fmt.Errorf("%w: skip and limit must not be negative", store.ErrValidation)
	}
	b := &sqlBuilder{}
	where, err := b.where(collection, q.Filter)
	if err != nil {
		return nil, 0, err
	}
	order, err := b.orderBy(q.Sort)
	if err != nil {
		return nil, 0, err
	}
	offset := b.arg(q.Skip)
	window := "rn > " + offset + "::bigint"
	if q.Limit > 0 {
		window += " AND rn <= " + offset + "::bigint + " + b.arg(q.Limit) + "::bigint"
	}

	query := fmt.Sprintf(`
		WITH matched AS (
			SELECT seq, body FROM documents WHERE %s
		), page AS (
			SELECT body, rn
			FROM (SELECT body, row_number() OVER (ORDER BY %s) AS rn FROM matched) numbered
			WHERE %s
		)
		SELECT (SELECT count(*) FROM matched), page.body
		FROM (SELECT 1) one
		LEFT JOIN page ON true
		ORDER BY page.rn
	`, where, order, window)

	rows, err := s.conn(ctx).QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, 0, wrapErr(err)
	}
	defer rows.Close()

	var total int64
	docs := make([]store.Document, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&total, &body); err != nil {
			return nil, 0, wrapErr(err)
		}
		if body == nil {
			continue
		}
		doc := store.Document{}
		if err := store.UnmarshalJSON(body, &doc); err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapErr(err)
	}
	return docs, total, nil
}

func (s *Store) FindOne(ctx context.Context, collection string, filter store.Filter) (store.Document, error) {
	b := &sqlBuilder{}
	where, err := b.where(collection, filter)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = s.conn(ctx).QueryRowContext(ctx, fmt.Sprintf(`
		SELECT body FROM documents WHERE %s ORDER BY seq ASC LIMIT 1
	`, where), b.args...).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, wrapErr(err)
	}
	doc := store.Document{}
	if err := store.UnmarshalJSON(body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) Sum(ctx context.Context, collection string, filter store.Filter, specs []store.SumSpec) (map[string]decimal.Decimal, error) {
	totals := make(map[string]decimal.Decimal, len(specs))
	if len(specs) == 0 {
		return totals, nil
	}

	b := &sqlBuilder{}
	selects := make([]string, 0, len(specs))
	for _, spec := range specs {
		if spec.As == "" || len(spec.Fields) == 0 {
			return nil, fmt.Errorf("%w: sum requires a name and fields", store.ErrValidation)
		}
		expr, err := b.productExpr(spec.Fields)
		if err != nil {
			return nil, err
		}
		selects = append(selects, fmt.Sprintf("COALESCE(SUM(%s), 0)::text", expr))
	}
	where, err := b.where(collection, filter)
	if err != nil {
		return nil, err
	}

	raw := make([]string, len(specs))
	dest := make([]any, len(specs))
	for i := range raw {
		dest[i] = &raw[i]
	}
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE %s`, strings.Join(selects, ", "), where)
	if err := s.conn(ctx).QueryRowContext(ctx, query, b.args...).Scan(dest...); err != nil {
		return nil, wrapErr(err)
	}
	for i, spec := range specs {
		d, err := decimal.NewFromString(raw[i])
		if err != nil {
			return nil, err
		}
		totals[spec.As] = d
	}
	return totals, nil
}

func (s *Store) UpdateByID(ctx context.Context, collection string, shop string, id string, set store.Document) (store.Document, error) {
	for key := range set {
		if err := store.ValidateSetKey(key); err != nil {
			return nil, err
		}
	}
	patch := set.Clone()
	patch["updatedAt"] = store.FormatTime(store.Now())
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("%w: encode document: %v", store.ErrValidation, err)
	}

	var out []byte
	err = s.withSavepoint(ctx, func(conn execer) error {
		return conn.QueryRowContext(ctx, `
			UPDATE documents SET body = body || $4::jsonb
			WHERE collection = $1 AND shop = $2 AND id = $3
			RETURNING body
		`, collection, shop, id, string(body)).Scan(&out)
	})
	return decodeReturned(out, err, collection, id)
}

func (s *Store) Increment(ctx context.Context, collection string, shop string, id string, field string, delta int64) (store.Document, error) {
	parts, err := store.SplitPath(field)
	if err != nil {
		return nil, err
	}
	path := "{" + strings.Join(parts, ",") + "}"

	var out []byte
	err = s.conn(ctx).QueryRowContext(ctx, `
		UPDATE documents
		SET body = jsonb_set(
			jsonb_set(body, $4::text[], to_jsonb(COALESCE((body #>> $4::text[])::numeric, 0) + $5), true),
			'{updatedAt}', to_jsonb($6::text), true
		)
		WHERE collection = $1 AND shop = $2 AND id = $3
		RETURNING body
	`, collection, shop, id, path, delta, store.FormatTime(store.Now())).Scan(&out)
	return decodeReturned(out, err, collection, id)
}

func (s *Store) DeleteMany(ctx context.Context, collection string, filter store.Filter) ([]store.Document, error) {
	b := &sqlBuilder{}
	where, err := b.where(collection, filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).QueryContext(ctx, fmt.Sprintf(`
		WITH removed AS (
			DELETE FROM documents WHERE %s RETURNING seq, body
		)
		SELECT seq, body FROM removed ORDER BY seq
	`, where), b.args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	docs := make([]store.Document, 0)
	for rows.Next() {
		var seq int64
		var body []byte
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, wrapErr(err)
		}
		doc := store.Document{}
		if err := store.UnmarshalJSON(body, &doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return docs, nil
}

func decodeReturned(body []byte, err error, collection string, id string) (store.Document, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
		}
		return nil, wrapErr(err)
	}
	doc := store.Document{}
	if err := store.UnmarshalJSON(body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// wrapErr classifies driver failures into store sentinels.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	for _, sentinel := range []error{store.ErrValidation, store.ErrNotFound, store.ErrConflict, store.ErrUpstream, store.ErrBusinessRule} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return fmt.Errorf("%w: %v", store.ErrUpstream, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
