package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"shopcore/backend/internal/store"
)

// sqlBuilder accumulates positional arguments while compiling filters.
type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *sqlBuilder) jsonArg(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return b.arg(string(raw)) + "::jsonb", nil
}

// pathExpr returns the jsonb expression addressing field inside body. Path
// segments are validated by store.SplitPath, so the text[] literal is safe.
func (b *sqlBuilder) pathExpr(field string) (string, error) {
	parts, err := store.SplitPath(field)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(body #> %s::text[])", b.arg("{"+strings.Join(parts, ",")+"}")), nil
}

func (b *sqlBuilder) textPathExpr(field string) (string, error) {
	parts, err := store.SplitPath(field)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(body #>> %s::text[])", b.arg("{"+strings.Join(parts, ",")+"}")), nil
}

func (b *sqlBuilder) where(collection string, filter store.Filter) (string, error) {
	normalized, err := store.NormalizeFilter(filter)
	if err != nil {
		return "", err
	}

	conds := []string{"collection = " + b.arg(collection)}
	for _, c := range normalized.All {
		sql, err := b.clause(c)
		if err != nil {
			return "", err
		}
		conds = append(conds, sql)
	}
	if len(normalized.Any) > 0 {
		alts := make([]string, 0, len(normalized.Any))
		for _, c := range normalized.Any {
			sql, err := b.clause(c)
			if err != nil {
				return "", err
			}
			alts = append(alts, sql)
		}
		conds = append(conds, "("+strings.Join(alts, " OR ")+")")
	}
	return strings.Join(conds, " AND "), nil
}

func (b *sqlBuilder) clause(c store.Clause) (string, error) {
	if c.Op == store.OpExists {
		path, err := b.pathExpr(c.Field)
		if err != nil {
			return "", err
		}
		if c.Value.(bool) {
			return path + " IS NOT NULL", nil
		}
		return path + " IS NULL", nil
	}

	if c.Op == store.OpContains {
		text, err := b.textPathExpr(c.Field)
		if err != nil {
			return "", err
		}
		typ, err := b.pathExpr(c.Field)
		if err != nil {
			return "", err
		}
		pattern := "%" + escapeLike(c.Value.(string)) + "%"
		return fmt.Sprintf("(jsonb_typeof(%s) = 'string' AND %s ILIKE %s ESCAPE '\\')", typ, text, b.arg(pattern)), nil
	}

	path, err := b.pathExpr(c.Field)
	if err != nil {
		return "", err
	}

	switch c.Op {
	case store.OpEq:
		v, err := b.jsonArg(c.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %s", path, v), nil
	case store.OpNe:
		v, err := b.jsonArg(c.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s IS DISTINCT FROM %s", path, v), nil
	case store.OpIn, store.OpNin:
		items := c.Value.([]any)
		if len(items) == 0 {
			if c.Op == store.OpIn {
				return "false", nil
			}
			return "true", nil
		}
		placeholders := make([]string, 0, len(items))
		for _, item := range items {
			v, err := b.jsonArg(item)
			if err != nil {
				return "", err
			}
			placeholders = append(placeholders, v)
		}
		list := strings.Join(placeholders, ", ")
		if c.Op == store.OpIn {
			return fmt.Sprintf("%s IN (%s)", path, list), nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", path, path, list), nil
	case store.OpGt, store.OpGte, store.OpLt, store.OpLte:
		v, err := b.jsonArg(c.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(jsonb_typeof(%s) = jsonb_typeof(%s) AND %s %s %s)", path, v, path, sqlOperator(c.Op), v), nil
	}
	return "", fmt.Errorf("%w: unsupported operator %q", store.ErrValidation, c.Op)
}

func (b *sqlBuilder) orderBy(sort []store.SortField) (string, error) {
	terms := make([]string, 0, len(sort)+1)
	for _, f := range sort {
		path, err := b.pathExpr(f.Field)
		if err != nil {
			return "", err
		}
		if f.Desc {
			terms = append(terms, path+" DESC NULLS LAST")
		} else {
			terms = append(terms, path+" ASC NULLS FIRST")
		}
	}
	if len(sort) > 0 && sort[0].Desc {
		terms = append(terms, "seq DESC")
	} else {
		terms = append(terms, "seq ASC")
	}
	return strings.Join(terms, ", "), nil
}

func (b *sqlBuilder) productExpr(fields []string) (string, error) {
	factors := make([]string, 0, len(fields))
	for _, f := range fields {
		path, err := b.pathExpr(f)
		if err != nil {
			return "", err
		}
		text, err := b.textPathExpr(f)
		if err != nil {
			return "", err
		}
		factors = append(factors, fmt.Sprintf("(CASE WHEN jsonb_typeof(%s) = 'number' THEN %s::numeric END)", path, text))
	}
	return strings.Join(factors, " * "), nil
}

func sqlOperator(op store.Op) string {
	switch op {
	case store.OpGt:
		return ">"
	case store.OpGte:
		return ">="
	case store.OpLt:
		return "<"
	default:
		return "<="
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
