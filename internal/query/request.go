package query

import (
	"bytes"
	"encoding/json"
	"fmt"

	"shopcore/backend/internal/store"
)

// Request is the filter, search, sort, select and pagination input of a
// list call.
type Request struct {
	Filter     map[string]any `json:"filter,omitempty"`
	Search     string         `json:"search,omitempty"`
	Pagination *Pagination    `json:"pagination,omitempty"`
	Sort       SortSpec       `json:"sort,omitempty"`
	Select     map[string]int `json:"select,omitempty"`
}

type Pagination struct {
	PageSize    int64 `json:"pageSize"`
	CurrentPage int64 `json:"currentPage"`
}

type SortKey struct {
	Field     string
	Direction int
}

// SortSpec keeps the key order of the JSON sort object, which decides
// precedence between sort fields.
type SortSpec []SortKey

func (s *SortSpec) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: sort must be an object", store.ErrValidation)
	}

	out := SortSpec{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var raw json.Number
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("%w: sort direction for %s must be 1 or -1", store.ErrValidation, key)
		}
		dir, err := raw.Int64()
		if err != nil {
			return fmt.Errorf("%w: sort direction for %s must be 1 or -1", store.ErrValidation, key)
		}
		out = append(out, SortKey{Field: key, Direction: int(dir)})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}

func (s SortSpec) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k.Field)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		fmt.Fprintf(&buf, ":%d", k.Direction)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s SortSpec) fields() ([]store.SortField, error) {
	out := make([]store.SortField, 0, len(s))
	for _, k := range s {
		if _, err := store.SplitPath(k.Field); err != nil {
			return nil, err
		}
		switch k.Direction {
		case 1:
			out = append(out, store.SortField{Field: k.Field})
		case -1:
			out = append(out, store.SortField{Field: k.Field, Desc: true})
		default:
			return nil, fmt.Errorf("%w: sort direction for %s must be 1 or -1", store.ErrValidation, k.Field)
		}
	}
	return out, nil
}
