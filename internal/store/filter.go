package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type Op string

const (
	OpEq       Op = "$eq"
	OpNe       Op = "$ne"
	OpGt       Op = "$gt"
	OpGte      Op = "$gte"
	OpLt       Op = "$lt"
	OpLte      Op = "$lte"
	OpIn       Op = "$in"
	OpNin      Op = "$nin"
	OpContains Op = "$contains"
	OpExists   Op = "$exists"
)

func (o Op) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpContains, OpExists:
		return true
	default:
		return false
	}
}

type Clause struct {
	Field string
	Op    Op
	Value any
}

// Filter matches documents satisfying every clause in All and, when Any is
// non-empty, at least one clause in Any.
type Filter struct {
	All []Clause
	Any []Clause
}

func Where(field string, op Op, value any) Clause {
	return Clause{Field: field, Op: op, Value: value}
}

func Eq(field string, value any) Clause {
	return Clause{Field: field, Op: OpEq, Value: value}
}

func In[T any](field string, values []T) Clause {
	list := make([]any, 0, len(values))
	for _, v := range values {
		list = append(list, v)
	}
	return Clause{Field: field, Op: OpIn, Value: list}
}

func Match(clauses ...Clause) Filter {
	return Filter{All: clauses}
}

// And returns a copy of f with clauses appended to All.
func (f Filter) And(clauses ...Clause) Filter {
	all := make([]Clause, 0, len(f.All)+len(clauses))
	all = append(all, f.All...)
	all = append(all, clauses...)
	return Filter{All: all, Any: f.Any}
}

func (f Filter) Validate() error {
	for _, group := range [][]Clause{f.All, f.Any} {
		for _, c := range group {
			if err := c.validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c Clause) validate() error {
	if _, err := SplitPath(c.Field); err != nil {
		return err
	}
	if !c.Op.Valid() {
		return fmt.Errorf("%w: unsupported operator %q on %s", ErrValidation, c.Op, c.Field)
	}
	switch c.Op {
	case OpIn, OpNin:
		if _, ok := c.Value.([]any); !ok {
			return fmt.Errorf("%w: %s on %s expects a list", ErrValidation, c.Op, c.Field)
		}
	case OpExists:
		if _, ok := c.Value.(bool); !ok {
			return fmt.Errorf("%w: $exists on %s expects a boolean", ErrValidation, c.Field)
		}
	case OpContains:
		if _, ok := c.Value.(string); !ok {
			return fmt.Errorf("%w: $contains on %s expects a string", ErrValidation, c.Field)
		}
	}
	return nil
}

var pathSegment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SplitPath splits a dotted field path into its segments.
func SplitPath(field string) ([]string, error) {
	if field == "" {
		return nil, fmt.Errorf("%w: empty field path", ErrValidation)
	}
	parts := strings.Split(field, ".")
	for _, part := range parts {
		if !pathSegment.MatchString(part) {
			return nil, fmt.Errorf("%w: invalid field path %q", ErrValidation, field)
		}
	}
	return parts, nil
}

// ValidateSetKey checks a top-level key of an UpdateByID set. Updates replace
// whole top-level values, so dotted paths are refused rather than stored as
// literal keys.
func ValidateSetKey(key string) error {
	if key == "_id" || key == "shop" {
		return fmt.Errorf("%w: %s cannot be updated", ErrValidation, key)
	}
	if strings.Contains(key, ".") {
		return fmt.Errorf("%w: %s: nested fields are updated by replacing the top-level value", ErrValidation, key)
	}
	if !pathSegment.MatchString(key) {
		return fmt.Errorf("%w: invalid field %q", ErrValidation, key)
	}
	return nil
}

// normalized converts clause values into their JSON representation so both
// drivers compare exactly what they would have stored.
func (f Filter) normalized() (Filter, error) {
	out := Filter{All: make([]Clause, 0, len(f.All)), Any: make([]Clause, 0, len(f.Any))}
	for _, c := range f.All {
		n, err := c.normalized()
		if err != nil {
			return Filter{}, err
		}
		out.All = append(out.All, n)
	}
	for _, c := range f.Any {
		n, err := c.normalized()
		if err != nil {
			return Filter{}, err
		}
		out.Any = append(out.Any, n)
	}
	return out, nil
}

func (c Clause) normalized() (Clause, error) {
	v, err := NormalizeValue(c.Value)
	if err != nil {
		return Clause{}, fmt.Errorf("%w: value for %s: %v", ErrValidation, c.Field, err)
	}
	c.Value = v
	return c, nil
}

// NormalizeFilter validates f and converts its values to plain JSON types.
func NormalizeFilter(f Filter) (Filter, error) {
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	return f.normalized()
}

func NormalizeValue(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, json.Number:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := UnmarshalJSON(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
