package tools

import (
	"encoding/json"
	"strings"
)

// Args is the argument payload of a tool call as delivered by a model. Models
// send either a structured JSON object or a JSON object encoded as a string;
// Args holds whichever form arrived until [Args.Object] normalizes it.
//
// The zero value is an empty argument set.
type Args struct {
	raw    string
	object map[string]any
}

// RawArgs wraps a string-encoded argument payload.
func RawArgs(s string) Args { return Args{raw: s} }

// ObjectArgs wraps an already structured argument payload.
func ObjectArgs(m map[string]any) Args { return Args{object: m} }

// ParseArgs normalizes a raw payload that may be a JSON object, a JSON string
// holding a JSON object, empty, or garbage. Anything that does not resolve to
// an object yields an empty object.
func ParseArgs(raw []byte) map[string]any {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return map[string]any{}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err == nil && obj != nil {
		return obj
	}

	// A JSON string whose content is itself a JSON object.
	var inner string
	if err := json.Unmarshal([]byte(s), &inner); err == nil {
		if err := json.Unmarshal([]byte(inner), &obj); err == nil && obj != nil {
			return obj
		}
	}
	return map[string]any{}
}

// Object returns the normalized argument object. It never returns nil.
func (a Args) Object() map[string]any {
	if a.object != nil {
		return a.object
	}
	return ParseArgs([]byte(a.raw))
}

// UnmarshalJSON accepts both the object and the string-encoded form.
func (a *Args) UnmarshalJSON(data []byte) error {
	a.raw = ""
	a.object = ParseArgs(data)
	return nil
}

// MarshalJSON encodes the normalized object.
func (a Args) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Object())
}

// Decode copies the normalized object into the struct pointed to by v.
func (a Args) Decode(v any) error {
	data, err := json.Marshal(a.Object())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
