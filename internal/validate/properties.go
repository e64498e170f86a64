// internal/validate/properties.go
package validate

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/solatis/pointsflow/internal/engine"
	"github.com/solatis/pointsflow/internal/graph"
)

// propertyChecks holds the per-type property rules. Types without an entry
// only get the catalog's generic requiredProps check.
var propertyChecks = map[string]func(rep *report, n *nodeInfo){
	"filter":                checkFilter,
	"award":                 checkAward,
	"counter":               checkCounter,
	"cooldown":              checkCooldown,
	"condition":             checkCondition,
	"range_switch":          modeCheck(engine.ModeRange),
	"equals_switch":         modeCheck(engine.ModeEquals),
	"contains_switch":       modeCheck(engine.ModeContains),
	"var_set":               requireKey,
	"state_get":             requireKey,
	"state_set":             requireKey,
	"compute_tenure":        checkComputeTenure,
	"streak_daily":          checkStreakDaily,
	"audience_selector":     checkAudienceSelector,
	"action_update_profile": checkUpdateProfile,
	"action_notification":   requireChannel,
	"action_feed_post":      requireChannel,
}

func checkProperties(rep *report, n *nodeInfo) {
	if check, ok := propertyChecks[n.typ]; ok {
		check(rep, n)
	}
	if !n.known {
		return
	}
	for _, prop := range n.entry.RequiredProps {
		if n.typ == "condition" && n.props.Has("branches") {
			// branch configurations may carry their own source
			continue
		}
		if !n.props.Has(prop) {
			rep.once(CodeMissingProperty, n.id, prop, "%s node %q requires %q", n.typ, n.id, prop)
		}
	}
}

func missing(rep *report, n *nodeInfo, prop string) {
	rep.once(CodeMissingProperty, n.id, prop, "%s node %q requires %q", n.typ, n.id, prop)
}

func invalid(rep *report, n *nodeInfo, prop, why string) {
	rep.once(CodeInvalidProperty, n.id, prop, "%s node %q: %s %s", n.typ, n.id, prop, why)
}

// isNumber accepts a JSON number or a decimal string.
func isNumber(v any) bool {
	_, ok := engine.AsNumber(v)
	return ok
}

// isNumberOrRef also accepts var:/state:/path: sources resolved at run time.
func isNumberOrRef(v any) bool {
	return isSourceRef(v) || isNumber(v)
}

func isSourceRef(v any) bool {
	s, ok := v.(string)
	return ok && engine.IsSourceRef(s)
}

func nonEmptyString(p graph.Properties, key string) bool {
	s, ok := p.String(key)
	return ok && s != ""
}

func checkFilter(rep *report, n *nodeInfo) {
	if logic, ok := n.props.Get("logic"); ok && logic != nil {
		switch logic.(type) {
		case map[string]any, []any:
		default:
			invalid(rep, n, "logic", "must be a JsonLogic object or array")
		}
		return
	}
	if !nonEmptyString(n.props, "field") {
		missing(rep, n, "logic")
		return
	}
	if op, ok := n.props.String("operator"); ok && op != "" {
		if _, ok := engine.ParseOperator(op); !ok {
			invalid(rep, n, "operator", "is not a known operator")
		}
	}
}

func checkAward(rep *report, n *nodeInfo) {
	v, ok := n.props.Get("points")
	if !ok || v == nil {
		missing(rep, n, "points")
		return
	}
	if !isNumberOrRef(v) {
		invalid(rep, n, "points", "must be a number or a var: source")
	}
}

func checkCounter(rep *report, n *nodeInfo) {
	v, ok := n.props.Get("target")
	switch {
	case !ok || v == nil:
		missing(rep, n, "target")
	case isSourceRef(v):
		// resolved per run
	default:
		if d, ok := engine.AsNumber(v); !ok || !d.IsPositive() {
			invalid(rep, n, "target", "must be a number greater than zero")
		}
	}
	if _, ok := engine.ResolveCounterBehavior(n.props); !ok {
		invalid(rep, n, "behavior", "must be loop, cap or once")
	}
}

func checkCooldown(rep *report, n *nodeInfo) {
	present := false
	for _, key := range []string{"seconds", "minutes", "hours"} {
		v, ok := n.props.Get(key)
		if !ok || v == nil {
			continue
		}
		present = true
		if d, ok := engine.AsNumber(v); !ok || d.IsNegative() {
			invalid(rep, n, key, "must be a number of at least zero")
		}
	}
	if !present {
		missing(rep, n, "seconds")
	}
}

func checkCondition(rep *report, n *nodeInfo) {
	raw, hasBranches := n.props.Get("branches")
	if !hasBranches || raw == nil {
		mode, ok := engine.ResolveConditionMode(n.props)
		if !ok {
			invalid(rep, n, "mode", "must be range, equals or contains, or inferable from min/max, value or contains")
			return
		}
		if !nonEmptyString(n.props, "source") {
			missing(rep, n, "source")
		}
		checkModeFields(rep, n, mode, n.props, "")
		return
	}

	branches, ok := raw.([]any)
	if !ok || len(branches) == 0 {
		invalid(rep, n, "branches", "must be a non-empty array")
		return
	}
	nodeHasSource := nonEmptyString(n.props, "source")
	for i, b := range branches {
		obj, ok := b.(map[string]any)
		if !ok {
			invalid(rep, n, branchKey(i), "must be an object")
			continue
		}
		cfg := graph.Properties(obj)
		mode, ok := engine.ResolveConditionMode(cfg)
		if !ok {
			invalid(rep, n, branchKey(i), "has no resolvable mode")
			continue
		}
		if !nodeHasSource && !nonEmptyString(cfg, "source") {
			missing(rep, n, branchKey(i)+".source")
		}
		checkModeFields(rep, n, mode, cfg, branchKey(i)+".")
	}
}

func branchKey(i int) string {
	return "branches[" + strconv.Itoa(i) + "]"
}

func modeCheck(mode engine.ConditionMode) func(*report, *nodeInfo) {
	return func(rep *report, n *nodeInfo) {
		if !nonEmptyString(n.props, "source") {
			missing(rep, n, "source")
		}
		checkModeFields(rep, n, mode, n.props, "")
	}
}

func checkModeFields(rep *report, n *nodeInfo, mode engine.ConditionMode, cfg graph.Properties, prefix string) {
	switch mode {
	case engine.ModeRange:
		if !cfg.Has("min") && !cfg.Has("max") {
			missing(rep, n, prefix+"min")
			return
		}
		for _, key := range []string{"min", "max"} {
			if v, ok := cfg.Get(key); ok && v != nil && !isNumberOrRef(v) {
				invalid(rep, n, prefix+key, "must be a number or a source")
			}
		}
	case engine.ModeEquals:
		if !cfg.Has("value") && !cfg.Has("values") {
			missing(rep, n, prefix+"value")
			return
		}
		if v, ok := cfg.Get("values"); ok && v != nil {
			if _, isArr := v.([]any); !isArr {
				invalid(rep, n, prefix+"values", "must be an array")
			}
		}
	case engine.ModeContains:
		if !cfg.Has("contains") && !cfg.Has("value") {
			missing(rep, n, prefix+"contains")
		}
	}
}

func requireKey(rep *report, n *nodeInfo) {
	if !nonEmptyString(n.props, "key") {
		missing(rep, n, "key")
	}
}

func checkComputeTenure(rep *report, n *nodeInfo) {
	if !nonEmptyString(n.props, "source") {
		missing(rep, n, "source")
	}
	if unit, ok := n.props.String("unit"); ok && unit != "" {
		switch engine.TenureUnit(strings.ToLower(unit)) {
		case engine.TenureDays, engine.TenureMonths, engine.TenureYears:
		default:
			invalid(rep, n, "unit", "must be days, months or years")
		}
	}
}

func checkStreakDaily(rep *report, n *nodeInfo) {
	v, ok := n.props.Get("basePoints")
	if !ok || v == nil {
		missing(rep, n, "basePoints")
		return
	}
	if !isNumberOrRef(v) {
		invalid(rep, n, "basePoints", "must be a number")
	}
	for _, key := range []string{"stepPoints", "maxPoints"} {
		if v, ok := n.props.Get(key); ok && v != nil && !isNumberOrRef(v) {
			invalid(rep, n, key, "must be a number")
		}
	}
	if v, ok := n.props.Get("utcOffsetMinutes"); ok && v != nil && !isSourceRef(v) {
		if d, ok := engine.AsNumber(v); !ok || d.Abs().GreaterThan(maxOffsetMinutes) {
			invalid(rep, n, "utcOffsetMinutes", "must be a number of minutes between -1440 and 1440")
		}
	}
}

var maxOffsetMinutes = decimal.NewFromInt(24 * 60)

func checkAudienceSelector(rep *report, n *nodeInfo) {
	for _, key := range []string{"query", "queryJson"} {
		v, ok := n.props.Get(key)
		if !ok || v == nil {
			continue
		}
		switch q := v.(type) {
		case map[string]any:
			return
		case string:
			if _, ok := graph.DecodeObject([]byte(q)); ok {
				return
			}
		}
		invalid(rep, n, key, "must be a JSON object")
		return
	}
	if !nonEmptyString(n.props, "entity") && !nonEmptyString(n.props, "field") {
		missing(rep, n, "query")
		return
	}
	if !nonEmptyString(n.props, "field") {
		missing(rep, n, "field")
	}
}

func checkUpdateProfile(rep *report, n *nodeInfo) {
	if !n.props.Has("setLevel") && !n.props.Has("addTags") {
		missing(rep, n, "setLevel")
	}
}

func requireChannel(rep *report, n *nodeInfo) {
	if !nonEmptyString(n.props, "channel") {
		missing(rep, n, "channel")
	}
}
