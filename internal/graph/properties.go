// internal/graph/properties.go
package graph

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Branch is the outcome of a node used for edge resolution.
type Branch int8

const (
	// BranchNone marks a non-branching node.
	BranchNone Branch = iota
	BranchTrue
	BranchFalse
)

// BranchOf converts a boolean outcome.
func BranchOf(b bool) Branch {
	if b {
		return BranchTrue
	}
	return BranchFalse
}

func (b Branch) String() string {
	switch b {
	case BranchTrue:
		return "true"
	case BranchFalse:
		return "false"
	default:
		return "none"
	}
}

// Properties holds a node's configuration. Keys are matched
// case-insensitively; an exact match wins over a folded one.
type Properties map[string]any

// PropertiesOf builds properties from a node object: every key except id and
// type, with a nested "properties" object merged over them.
func PropertiesOf(obj map[string]any) Properties {
	props := make(Properties, len(obj))
	for k, v := range obj {
		switch strings.ToLower(k) {
		case "id", "type", "properties":
			continue
		}
		props[k] = v
	}
	for k, v := range obj {
		if strings.EqualFold(k, "properties") {
			if nested, ok := v.(map[string]any); ok {
				for nk, nv := range nested {
					props[nk] = nv
				}
			}
		}
	}
	return props
}

// Get returns the value stored under key.
func (p Properties) Get(key string) (any, bool) {
	if v, ok := p[key]; ok {
		return v, true
	}
	for k, v := range p {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether key is present and not null.
func (p Properties) Has(key string) bool {
	v, ok := p.Get(key)
	return ok && v != nil
}

// String returns a trimmed string property.
func (p Properties) String(key string) (string, bool) {
	v, ok := p.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// StringOr returns a non-empty string property or def.
func (p Properties) StringOr(key, def string) string {
	if s, ok := p.String(key); ok && s != "" {
		return s
	}
	return def
}

// Bool returns a boolean property or def when absent or not boolean.
func (p Properties) Bool(key string, def bool) bool {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// Object returns a nested object property.
func (p Properties) Object(key string) (map[string]any, bool) {
	v, ok := p.Get(key)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// Array returns an array property.
func (p Properties) Array(key string) ([]any, bool) {
	v, ok := p.Get(key)
	if !ok {
		return nil, false
	}
	a, ok := v.([]any)
	return a, ok
}

// Number returns a numeric property: a JSON number or a decimal string.
// NaN and infinities are rejected.
func (p Properties) Number(key string) (float64, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
