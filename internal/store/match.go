package store

import (
	"cmp"
	"encoding/json"
	"strings"
)

// Lookup resolves a dotted path inside a decoded document.
func Lookup(doc map[string]any, field string) (any, bool) {
	var current any = doc
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Matches evaluates a normalized filter against a decoded document using the
// same semantics the postgres driver compiles to SQL.
func (f Filter) Matches(doc map[string]any) bool {
	for _, c := range f.All {
		if !c.matches(doc) {
			return false
		}
	}
	if len(f.Any) == 0 {
		return true
	}
	for _, c := range f.Any {
		if c.matches(doc) {
			return true
		}
	}
	return false
}

func (c Clause) matches(doc map[string]any) bool {
	got, present := Lookup(doc, c.Field)
	switch c.Op {
	case OpExists:
		want, _ := c.Value.(bool)
		return present == want
	case OpEq:
		return present && CompareValues(got, c.Value) == 0
	case OpNe:
		return !present || CompareValues(got, c.Value) != 0
	case OpIn:
		return present && containsValue(c.Value, got)
	case OpNin:
		return !present || !containsValue(c.Value, got)
	case OpContains:
		s, ok := got.(string)
		needle, _ := c.Value.(string)
		return present && ok && strings.Contains(strings.ToLower(s), strings.ToLower(needle))
	case OpGt, OpGte, OpLt, OpLte:
		if !present || typeRank(got) != typeRank(c.Value) {
			return false
		}
		r := CompareValues(got, c.Value)
		switch c.Op {
		case OpGt:
			return r > 0
		case OpGte:
			return r >= 0
		case OpLt:
			return r < 0
		default:
			return r <= 0
		}
	}
	return false
}

func containsValue(list any, v any) bool {
	items, _ := list.([]any)
	for _, item := range items {
		if CompareValues(item, v) == 0 {
			return true
		}
	}
	return false
}

// typeRank orders JSON kinds the way jsonb does: null < string < number <
// boolean < array < object.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case string:
		return 1
	case json.Number, float64:
		return 2
	case bool:
		return 3
	case []any:
		return 4
	case map[string]any:
		return 5
	default:
		return 6
	}
}

// CompareValues totally orders decoded JSON values.
func CompareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch av := a.(type) {
	case string:
		return strings.Compare(av, b.(string))
	case json.Number, float64:
		an, _ := Number(av)
		bn, _ := Number(b)
		return an.Cmp(bn)
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case []any:
		bv := b.([]any)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if r := CompareValues(av[i], bv[i]); r != 0 {
				return r
			}
		}
		return cmp.Compare(len(av), len(bv))
	case map[string]any:
		bv := b.(map[string]any)
		if len(av) != len(bv) {
			return cmp.Compare(len(av), len(bv))
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok {
				return 1
			}
			if r := CompareValues(v, other); r != 0 {
				return r
			}
		}
		return 0
	}
	return 0
}

// CompareForSort orders two documents by sort fields; missing values sort
// lowest.
func CompareForSort(a, b map[string]any, fields []SortField) int {
	for _, f := range fields {
		av, aok := Lookup(a, f.Field)
		bv, bok := Lookup(b, f.Field)
		var r int
		switch {
		case !aok && !bok:
			r = 0
		case !aok:
			r = -1
		case !bok:
			r = 1
		default:
			r = CompareValues(av, bv)
		}
		if f.Desc {
			r = -r
		}
		if r != 0 {
			return r
		}
	}
	return 0
}
