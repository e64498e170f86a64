// internal/engine/resolve.go
package engine

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

/*
 * Source resolution and coercion.
 *
 * Source strings select where a value comes from:
 *   - var:<key>       scratch variables of the current run (seeded with the
 *                     rule's named constants)
 *   - state:<key>     persisted state of the node being executed
 *   - path:<a.b.c>    case-insensitive traversal of the event document
 *   - <a.b.c>         bare dotted path, same as path:
 *
 * Path lookup tries the event root first ({operationId, topic, subjectId,
 * occurredAt, eventType, payload}) and then the payload object, so graphs may
 * write "amount" instead of "payload.amount". Numeric segments index arrays.
 *
 * Coercion mirrors lenient field handling: numbers accept JSON numbers or
 * decimal strings (whitespace trimmed, blank rejected, booleans rejected);
 * timestamps accept RFC 3339, date-only and Unix-seconds values, always UTC.
 */

const (
	prefixVar   = "var:"
	prefixState = "state:"
	prefixPath  = "path:"
)

// ResolveSource resolves a source string against the event document, the
// run's variables and the current node's state.
func ResolveSource(source string, event any, vars map[string]any, state *State) (any, bool) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, false
	}
	lower := strings.ToLower(source)
	switch {
	case strings.HasPrefix(lower, prefixVar):
		key := strings.TrimSpace(source[len(prefixVar):])
		return lookupVar(vars, key)
	case strings.HasPrefix(lower, prefixState):
		if state == nil {
			return nil, false
		}
		return state.Get(strings.TrimSpace(source[len(prefixState):]))
	case strings.HasPrefix(lower, prefixPath):
		return LookupPath(event, strings.TrimSpace(source[len(prefixPath):]))
	default:
		return LookupPath(event, source)
	}
}

// IsSourceRef reports whether s carries an explicit source prefix.
func IsSourceRef(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(lower, prefixVar) ||
		strings.HasPrefix(lower, prefixState) ||
		strings.HasPrefix(lower, prefixPath)
}

// LookupPath traverses doc by a dotted path with case-insensitive keys,
// falling back to the payload object when the root has no match.
func LookupPath(doc any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	if v, ok := walk(doc, segments); ok {
		return v, true
	}
	if root, ok := doc.(map[string]any); ok {
		if payload, ok := lookupKey(root, "payload"); ok {
			return walk(payload, segments)
		}
	}
	return nil, false
}

func walk(current any, segments []string) (any, bool) {
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		switch v := current.(type) {
		case map[string]any:
			next, ok := lookupKey(v, seg)
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func lookupKey(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func lookupVar(vars map[string]any, key string) (any, bool) {
	if key == "" || vars == nil {
		return nil, false
	}
	if v, ok := vars[key]; ok {
		return v, true
	}
	if v, ok := lookupKey(vars, key); ok {
		return v, true
	}
	if strings.Contains(key, ".") {
		return walk(vars, strings.Split(key, "."))
	}
	return nil, false
}

// AsNumber coerces a JSON value to a decimal.
func AsNumber(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case decimal.Decimal:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// AsFloat coerces a JSON value to float64 with the same rules as AsNumber.
func AsFloat(v any) (float64, bool) {
	if f, ok := toFloat64(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

// toFloat64 converts numeric types only; strings are not numbers here.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case decimal.Decimal:
		return n.InexactFloat64(), true
	default:
		return 0, false
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// AsTime coerces ISO-8601 strings or Unix seconds to a UTC timestamp.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
		return time.Time{}, false
	default:
		f, ok := toFloat64(v)
		if !ok {
			return time.Time{}, false
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
}

// Stringify renders a resolved value for templates and profile fields.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	case decimal.Decimal:
		return s.String()
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
