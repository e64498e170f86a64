// internal/engine/condition.go
package engine

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/solatis/pointsflow/internal/graph"
)

/*
 * condition and its deprecated single-mode predecessors.
 *
 * A condition configuration carries a source and the fields of one mode:
 *   - range:    min and/or max (numbers or resolvable strings), inclusive
 *               (default true)
 *   - equals:   value, or values[] for any-of
 *   - contains: contains (a needle or an array of needles)
 *
 * mode may be omitted and is then inferred from the fields present, in the
 * order range, contains, equals. A condition with branches[] evaluates each
 * branch configuration in order, inheriting source and ignoreCase from the
 * node; the first branch that holds wins and its name is written to
 * variables[target].
 *
 * The *_switch node types are the same evaluation pinned to one mode, with no
 * branches. They are kept for existing graphs.
 */

// ConditionMode is the evaluation mode of a condition node.
type ConditionMode string

const (
	ModeRange    ConditionMode = "range"
	ModeEquals   ConditionMode = "equals"
	ModeContains ConditionMode = "contains"
)

// ResolveConditionMode resolves the mode of a condition configuration. ok is false
// when neither an explicit mode nor any mode's fields are present.
func ResolveConditionMode(props graph.Properties) (ConditionMode, bool) {
	if s, ok := props.String("mode"); ok && s != "" {
		switch m := ConditionMode(strings.ToLower(s)); m {
		case ModeRange, ModeEquals, ModeContains:
			return m, true
		}
		return "", false
	}
	switch {
	case props.Has("min") || props.Has("max"):
		return ModeRange, true
	case props.Has("contains"):
		return ModeContains, true
	case props.Has("value") || props.Has("values"):
		return ModeEquals, true
	}
	return "", false
}

func runCondition(rt *run, node *graph.Node) step {
	branches, ok := node.Props.Array("branches")
	if !ok || len(branches) == 0 {
		mode, ok := ResolveConditionMode(node.Props)
		if !ok {
			return branch(false)
		}
		return branch(rt.evalCondition(mode, node.Props))
	}

	for _, raw := range branches {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		cfg := inheritProps(graph.Properties(obj), node.Props, "source", "ignoreCase")
		mode, ok := ResolveConditionMode(cfg)
		if !ok {
			continue
		}
		if rt.evalCondition(mode, cfg) {
			if target, ok := node.Props.String("target"); ok && target != "" {
				rt.vars[target] = cfg.StringOr("name", "")
			}
			return branch(true)
		}
	}
	return branch(false)
}

func switchHandler(mode ConditionMode) handler {
	return func(rt *run, node *graph.Node) step {
		return branch(rt.evalCondition(mode, node.Props))
	}
}

func inheritProps(own, parent graph.Properties, keys ...string) graph.Properties {
	out := make(graph.Properties, len(own)+len(keys))
	for k, v := range own {
		out[k] = v
	}
	for _, key := range keys {
		if own.Has(key) {
			continue
		}
		if v, ok := parent.Get(key); ok {
			out[key] = v
		}
	}
	return out
}

func (rt *run) evalCondition(mode ConditionMode, cfg graph.Properties) bool {
	source, ok := cfg.String("source")
	if !ok || source == "" {
		return false
	}
	value, found := rt.resolve(source)
	if !found || value == nil {
		return false
	}
	ignoreCase := cfg.Bool("ignoreCase", false)

	switch mode {
	case ModeRange:
		return rt.inRange(value, cfg)
	case ModeEquals:
		if raw, ok := cfg.Get("values"); ok {
			if set, ok := raw.([]any); ok {
				for _, elem := range set {
					want, _ := rt.value(elem)
					if compareEqual(value, want, ignoreCase) {
						return true
					}
				}
				return false
			}
		}
		raw, ok := cfg.Get("value")
		if !ok {
			return false
		}
		want, _ := rt.value(raw)
		return compareEqual(value, want, ignoreCase)
	case ModeContains:
		raw, ok := cfg.Get("contains")
		if !ok {
			raw, ok = cfg.Get("value")
		}
		if !ok {
			return false
		}
		if needles, ok := raw.([]any); ok {
			for _, n := range needles {
				needle, _ := rt.value(n)
				if containsValue(value, needle, ignoreCase) {
					return true
				}
			}
			return false
		}
		needle, _ := rt.value(raw)
		return containsValue(value, needle, ignoreCase)
	default:
		return false
	}
}

// inRange checks value against optional min/max bounds. A bound that is
// present but does not resolve to a number fails the check.
func (rt *run) inRange(value any, cfg graph.Properties) bool {
	n, ok := AsNumber(value)
	if !ok {
		return false
	}
	inclusive := cfg.Bool("inclusive", true)

	bound := func(key string) (decimal.Decimal, bool, bool) {
		raw, ok := cfg.Get(key)
		if !ok || raw == nil {
			return decimal.Zero, false, true
		}
		d, ok := rt.number(raw)
		return d, true, ok
	}

	lo, hasMin, ok := bound("min")
	if !ok {
		return false
	}
	hi, hasMax, ok := bound("max")
	if !ok {
		return false
	}
	if !hasMin && !hasMax {
		return false
	}
	if hasMin {
		c := n.Cmp(lo)
		if c < 0 || (!inclusive && c == 0) {
			return false
		}
	}
	if hasMax {
		c := n.Cmp(hi)
		if c > 0 || (!inclusive && c == 0) {
			return false
		}
	}
	return true
}
