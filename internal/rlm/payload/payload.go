// Package payload serializes a caller-supplied value into the UTF-8 JSON
// byte sequence the sandbox deserializes into its payload binding, and
// derives the one-level Context Descriptor summary placed in the initial
// prompt turn.
package payload

import (
	"encoding/json"
	"fmt"
	"math"
)

// Descriptor summarizes payload shape so the model can plan fetches
// before reading any bytes, per the Context Descriptor entity.
type Descriptor struct {
	// Kind is a canonical type label: "object", "array", "string", or
	// "scalar" for numbers/booleans/null at the top level.
	Kind string `json:"kind"`
	// Length is the total character count of the serialized payload.
	Length int `json:"length"`
	// Keys lists the top-level mapping keys, in iteration order, when
	// Kind == "object".
	Keys []string `json:"keys,omitempty"`
	// ElementChars gives the serialized character count of each
	// top-level element, when Kind == "array" (indexed by position) or
	// "object" (indexed in the same order as Keys).
	ElementChars []int `json:"element_chars,omitempty"`
}

// ErrUnserializable is wrapped into the returned error when a payload
// value does not satisfy the allowed type set.
type ErrUnserializable struct {
	Reason string
}

func (e *ErrUnserializable) Error() string {
	return "payload: " + e.Reason
}

// Serialize encodes v as UTF-8 JSON and derives its Context Descriptor.
// It fails closed: any value outside the allowed type set (non-finite
// floats, unsupported Go types, cyclic structures) is rejected before
// the sandbox is ever started, as is a legal payload whose serialized
// form exceeds maxBytes. maxBytes <= 0 means no cap.
func Serialize(v any, maxBytes int) ([]byte, Descriptor, error) {
	if err := validate(v); err != nil {
		return nil, Descriptor{}, err
	}

	body, err := json.Marshal(v)
	if err != nil {
		return nil, Descriptor{}, &ErrUnserializable{Reason: err.Error()}
	}

	if maxBytes > 0 && len(body) > maxBytes {
		return nil, Descriptor{}, &ErrUnserializable{Reason: fmt.Sprintf("serialized payload is %d bytes, exceeds cap of %d", len(body), maxBytes)}
	}

	desc, err := describe(v, body)
	if err != nil {
		return nil, Descriptor{}, err
	}
	return body, desc, nil
}

// validate walks v recursively, rejecting non-finite floats and any
// value type outside string/number/bool/nil/map[string]any/[]any. It
// also catches cycles indirectly: a cyclic structure built from these
// types is not constructible in Go without reflection tricks this
// engine does not use, so the recursive walk itself bounds depth.
func validate(v any) error {
	switch x := v.(type) {
	case nil, string, bool:
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return &ErrUnserializable{Reason: "non-finite float is not serializable"}
		}
		return nil
	case int, int32, int64, float32:
		return nil
	case map[string]any:
		for k, elem := range x {
			if err := validate(elem); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	case []any:
		for i, elem := range x {
			if err := validate(elem); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	default:
		return &ErrUnserializable{Reason: fmt.Sprintf("unsupported payload value type %T", v)}
	}
}

func describe(v any, serialized []byte) (Descriptor, error) {
	switch x := v.(type) {
	case string:
		return Descriptor{Kind: "string", Length: len(serialized)}, nil
	case map[string]any:
		d := Descriptor{Kind: "object", Length: len(serialized)}
		for k, elem := range x {
			b, err := json.Marshal(elem)
			if err != nil {
				return Descriptor{}, &ErrUnserializable{Reason: err.Error()}
			}
			d.Keys = append(d.Keys, k)
			d.ElementChars = append(d.ElementChars, len(b))
		}
		return d, nil
	case []any:
		d := Descriptor{Kind: "array", Length: len(serialized)}
		for _, elem := range x {
			b, err := json.Marshal(elem)
			if err != nil {
				return Descriptor{}, &ErrUnserializable{Reason: err.Error()}
			}
			d.ElementChars = append(d.ElementChars, len(b))
		}
		return d, nil
	default:
		return Descriptor{Kind: "scalar", Length: len(serialized)}, nil
	}
}

// Summary renders a Descriptor as the short text appended to the
// initial user turn.
func Summary(d Descriptor) string {
	switch d.Kind {
	case "string":
		return fmt.Sprintf("payload: string, %d characters", d.Length)
	case "object":
		return fmt.Sprintf("payload: object, %d characters, keys=%v, element_chars=%v", d.Length, d.Keys, d.ElementChars)
	case "array":
		return fmt.Sprintf("payload: array of %d elements, %d characters, element_chars=%v", len(d.ElementChars), d.Length, d.ElementChars)
	default:
		return fmt.Sprintf("payload: scalar, %d characters", d.Length)
	}
}
