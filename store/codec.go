package store

import (
	"encoding/json"
	"fmt"
	"math"
)

// refKey marks an object reference in the persisted JSON form. A property
// value that is a single-key map {"$ref": n} decodes back to Ref{n}; any
// other shape is ordinary data.
const refKey = "$ref"

// docPayload is the JSON body stored in the data column. Parent, recycled
// and timestamps live in their own columns so the store can query them.
type docPayload struct {
	Properties map[string]any     `json:"properties"`
	Methods    map[string]*Method `json:"methods,omitempty"`
}

func encodePayload(doc *Document) ([]byte, error) {
	props := make(map[string]any, len(doc.Properties))
	for k, v := range doc.Properties {
		props[k] = encodeValue(v)
	}
	return json.Marshal(&docPayload{Properties: props, Methods: doc.Methods})
}

func decodePayload(data []byte, doc *Document) error {
	var p docPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decoding document %d: %w", doc.ID, err)
	}
	doc.Properties = make(map[string]any, len(p.Properties))
	for k, v := range p.Properties {
		doc.Properties[k] = decodeValue(v)
	}
	doc.Methods = p.Methods
	if doc.Methods == nil {
		doc.Methods = make(map[string]*Method)
	}
	return nil
}

// encodeValue rewrites Refs to their wire form, recursing through lists and
// nested maps. Scalars pass through untouched.
func encodeValue(v any) any {
	switch val := v.(type) {
	case Ref:
		return map[string]any{refKey: val.ID}
	case *Ref:
		return map[string]any{refKey: val.ID}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = encodeValue(item)
		}
		return out
	default:
		return v
	}
}

// decodeValue restores Refs from their wire form. Numbers arrive from
// encoding/json as float64; reference ids are converted back to int64.
func decodeValue(v any) any {
	switch val := v.(type) {
	case []any:
		for i, item := range val {
			val[i] = decodeValue(item)
		}
		return val
	case map[string]any:
		if len(val) == 1 {
			if raw, ok := val[refKey]; ok {
				if id, ok := asInt64(raw); ok {
					return Ref{ID: id}
				}
			}
		}
		for k, item := range val {
			val[k] = decodeValue(item)
		}
		return val
	default:
		return v
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
		return 0, false
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
