// internal/engine/operators.go
package engine

import (
	"strings"
)

/*
 * Comparison operators for filter triples.
 *
 * Operator names are matched case-insensitively and accept both word and
 * symbol spellings (eq/==, gte/>=, ...). Values arrive already resolved but
 * not coerced: comparison is lenient, so a numeric string compares equal to
 * the number it spells and ordering operators coerce both sides to numbers.
 *
 * Operators:
 *   - exists/not_exists: presence checks
 *   - eq/neq: equality with numeric tolerance
 *   - lt/lte/gt/gte: numeric comparison only (incomparable -> false)
 *   - contains/not_contains: substring, array membership, or object key
 *   - in/not_in: membership of value in target array
 *   - starts_with/ends_with: string prefix/suffix
 */

// Operator is a normalized comparison operator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

var operatorAliases = map[string]Operator{
	"eq": OpEq, "==": OpEq, "=": OpEq, "equals": OpEq,
	"neq": OpNeq, "!=": OpNeq, "<>": OpNeq, "ne": OpNeq, "not_equals": OpNeq,
	"lt": OpLt, "<": OpLt,
	"lte": OpLte, "<=": OpLte,
	"gt": OpGt, ">": OpGt,
	"gte": OpGte, ">=": OpGte,
	"contains": OpContains, "not_contains": OpNotContains,
	"in": OpIn, "not_in": OpNotIn, "nin": OpNotIn,
	"starts_with": OpStartsWith, "prefix": OpStartsWith,
	"ends_with": OpEndsWith, "suffix": OpEndsWith,
	"exists": OpExists, "not_exists": OpNotExists, "is_null": OpNotExists,
}

// ParseOperator normalizes an operator spelling.
func ParseOperator(s string) (Operator, bool) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]
	return op, ok
}

// Compare applies op to a resolved value and target. found is false when the
// value's source did not resolve.
func Compare(op Operator, value any, found bool, target any) bool {
	switch op {
	case OpExists:
		return found && value != nil
	case OpNotExists:
		return !found || value == nil
	}
	if !found {
		return false
	}
	switch op {
	case OpEq:
		return compareEqual(value, target, false)
	case OpNeq:
		return !compareEqual(value, target, false)
	case OpLt:
		c, ok := compareNumeric(value, target)
		return ok && c < 0
	case OpLte:
		c, ok := compareNumeric(value, target)
		return ok && c <= 0
	case OpGt:
		c, ok := compareNumeric(value, target)
		return ok && c > 0
	case OpGte:
		c, ok := compareNumeric(value, target)
		return ok && c >= 0
	case OpContains:
		return containsValue(value, target, false)
	case OpNotContains:
		return !containsValue(value, target, false)
	case OpIn:
		return inSet(value, target, false)
	case OpNotIn:
		return !inSet(value, target, false)
	case OpStartsWith:
		vs, ok1 := value.(string)
		ps, ok2 := target.(string)
		return ok1 && ok2 && strings.HasPrefix(vs, ps)
	case OpEndsWith:
		vs, ok1 := value.(string)
		ss, ok2 := target.(string)
		return ok1 && ok2 && strings.HasSuffix(vs, ss)
	default:
		return false
	}
}

// compareEqual performs equality with numeric coercion across numbers and
// numeric strings.
func compareEqual(a, b any, ignoreCase bool) bool {
	if na, nb, ok := asNumbers(a, b); ok {
		return na == nb
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		if ignoreCase {
			return strings.EqualFold(as, bs)
		}
		return as == bs
	}
	switch a.(type) {
	case map[string]any, []any:
		return false
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}

// compareNumeric performs three-way numeric comparison; ok is false for
// incomparable values.
func compareNumeric(a, b any) (int, bool) {
	na, nb, ok := asNumbers(a, b)
	if !ok {
		return 0, false
	}
	switch {
	case na < nb:
		return -1, true
	case na > nb:
		return 1, true
	default:
		return 0, true
	}
}

// asNumbers converts both values when each is a number or numeric string.
// Booleans never convert.
func asNumbers(a, b any) (float64, float64, bool) {
	na, oka := AsFloat(a)
	nb, okb := AsFloat(b)
	return na, nb, oka && okb
}

// containsValue checks substring for strings, membership for arrays, and key
// presence for objects.
func containsValue(haystack, needle any, ignoreCase bool) bool {
	switch h := haystack.(type) {
	case string:
		n := Stringify(needle)
		if n == "" {
			return false
		}
		if ignoreCase {
			return strings.Contains(strings.ToLower(h), strings.ToLower(n))
		}
		return strings.Contains(h, n)
	case []any:
		for _, elem := range h {
			if compareEqual(elem, needle, ignoreCase) {
				return true
			}
		}
		return false
	case map[string]any:
		key := Stringify(needle)
		if ignoreCase {
			_, ok := lookupKey(h, key)
			return ok
		}
		_, ok := h[key]
		return ok
	default:
		return false
	}
}

// inSet checks value membership in set. A string set is split on commas.
func inSet(value, set any, ignoreCase bool) bool {
	switch s := set.(type) {
	case []any:
		for _, elem := range s {
			if compareEqual(value, elem, ignoreCase) {
				return true
			}
		}
		return false
	case string:
		for _, part := range strings.Split(s, ",") {
			if compareEqual(value, strings.TrimSpace(part), ignoreCase) {
				return true
			}
		}
		return false
	default:
		return compareEqual(value, set, ignoreCase)
	}
}
