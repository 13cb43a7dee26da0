package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type Document map[string]any

func (d Document) ID() string {
	id, _ := d["_id"].(string)
	return id
}

func (d Document) Shop() string {
	shop, _ := d["shop"].(string)
	return shop
}

func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// ToDocument converts a typed model into its document form.
func ToDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode document: %v", ErrValidation, err)
	}
	var doc Document
	if err := UnmarshalJSON(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: encode document: %v", ErrValidation, err)
	}
	return doc, nil
}

// UnmarshalJSON decodes raw into dest keeping numbers as json.Number, so
// money survives a document round trip with every digit.
func UnmarshalJSON(raw []byte, dest any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(dest)
}

// Number reads a numeric document value.
func Number(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	}
	return decimal.Zero, false
}

// Int reads an integral document value such as a quantity or a balance.
func Int(v any) (int64, bool) {
	d, ok := Number(v)
	if !ok || !d.IsInteger() {
		return 0, false
	}
	return d.IntPart(), true
}

// Decode copies a document into a typed model.
func Decode(doc Document, dest any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// Identity validates the fields every stored document must carry.
func Identity(doc Document) (id string, shop string, err error) {
	id, shop = doc.ID(), doc.Shop()
	if id == "" || shop == "" {
		return "", "", fmt.Errorf("%w: document requires _id and shop", ErrValidation)
	}
	return id, shop, nil
}
