package cart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// Product is a catalog record. Only the id is interpreted; every other field is
// kept verbatim so that it can be handed back to callers unchanged.
type Product struct {
	ID     string
	Fields map[string]json.RawMessage
}

// UnmarshalJSON accepts any JSON object carrying an "id" (string or number).
func (p *Product) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("product must be a JSON object")
	}
	id, err := rawID(fields["id"])
	if err != nil {
		return err
	}
	delete(fields, "id")
	delete(fields, "count")
	p.ID = id
	p.Fields = fields
	return nil
}

// MarshalJSON writes the product fields flat, with "id" restored.
func (p Product) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.flatten())
}

func (p Product) flatten() map[string]any {
	out := make(map[string]any, len(p.Fields)+2)
	for k, v := range p.Fields {
		out[k] = v
	}
	out["id"] = p.ID
	return out
}

func (p Product) clone() Product {
	return Product{ID: p.ID, Fields: maps.Clone(p.Fields)}
}

func rawID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("product id: %w", err)
		}
		return id, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("product id must be a string or number: %w", err)
	}
	return n.String(), nil
}

// Entry is a product in the cart together with the number of units.
type Entry struct {
	Product
	Count int
}

// MarshalJSON writes the product fields, "id" and "count" in one flat object.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := e.flatten()
	out["count"] = e.Count
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var withCount struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(data, &withCount); err != nil {
		return err
	}
	if err := e.Product.UnmarshalJSON(data); err != nil {
		return err
	}
	e.Count = withCount.Count
	return nil
}

// groupIDs counts occurrences per id and returns the distinct ids in first-seen order.
func groupIDs(ids []string) ([]string, map[string]int) {
	counts := make(map[string]int, len(ids))
	order := make([]string, 0, len(ids))
	for _, id := range ids {
		if counts[id] == 0 {
			order = append(order, id)
		}
		counts[id]++
	}
	return order, counts
}
