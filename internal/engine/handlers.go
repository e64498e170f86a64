package engine

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/solatis/pointsflow/internal/graph"
	"github.com/solatis/pointsflow/internal/types"
)

// handler executes one node and reports how to leave it.
type handler func(rt *run, node *graph.Node) step

// defaultHandlers is the node dispatch table. Type names are lower-cased.
func defaultHandlers() map[string]handler {
	return map[string]handler{
		"trigger":               runTrigger,
		"start":                 runTrigger,
		"filter":                runFilter,
		"counter":               runCounter,
		"cooldown":              runCooldown,
		"condition":             runCondition,
		"range_switch":          switchHandler(ModeRange),
		"equals_switch":         switchHandler(ModeEquals),
		"contains_switch":       switchHandler(ModeContains),
		"var_set":               runVarSet,
		"state_get":             runStateGet,
		"state_set":             runStateSet,
		"compute_tenure":        runComputeTenure,
		"streak_daily":          runStreakDaily,
		"audience_selector":     runAudienceSelector,
		"award":                 runAward,
		"action_update_profile": runUpdateProfile,
		"action_notification":   runNotification,
		"action_feed_post":      runFeedPost,
		"end":                   runEnd,
	}
}

func runTrigger(rt *run, _ *graph.Node) step {
	rt.matched = true
	return stepNext
}

func runEnd(_ *run, _ *graph.Node) step {
	return stepHalt
}

// runFilter evaluates either a JsonLogic predicate in "logic" or a simple
// field/operator/value triple. Evaluation errors fail the filter.
func runFilter(rt *run, node *graph.Node) step {
	if logic, ok := node.Props.Get("logic"); ok {
		switch logic.(type) {
		case map[string]any, []any:
			pass, err := rt.engine.predicate.Evaluate(logic, rt.predicateData())
			return branch(err == nil && pass)
		}
	}

	field, ok := node.Props.String("field")
	if !ok || field == "" {
		return branch(false)
	}
	op, ok := ParseOperator(node.Props.StringOr("operator", string(OpEq)))
	if !ok {
		return branch(false)
	}
	value, found := rt.resolve(field)
	var target any
	if raw, ok := node.Props.Get("value"); ok {
		target, _ = rt.value(raw)
	}
	return branch(Compare(op, value, found, target))
}

// Keys under which JsonLogic rules see the run's variables and the current
// node's state, next to the event's own fields. Event documents built by
// the orchestrator have no "$" keys at the root.
const (
	PredicateVarsKey  = "$vars"
	PredicateStateKey = "$state"
)

// predicateData is the document JsonLogic rules see.
func (rt *run) predicateData() map[string]any {
	data := make(map[string]any)
	if root, ok := rt.event.(map[string]any); ok {
		for k, v := range root {
			data[k] = v
		}
	}
	data[PredicateVarsKey] = rt.vars
	data[PredicateStateKey] = rt.state(rt.nodeID).Values()
	return data
}

func runVarSet(rt *run, node *graph.Node) step {
	key, ok := node.Props.String("key")
	if !ok || key == "" {
		return stepNext
	}
	if v, ok := rt.propValue(node.Props); ok {
		rt.vars[key] = v
	}
	return stepNext
}

func runStateGet(rt *run, node *graph.Node) step {
	key, ok := node.Props.String("key")
	if !ok || key == "" {
		return stepNext
	}
	target := node.Props.StringOr("target", key)
	st := rt.state(rt.stateNode(node))
	if v, ok := st.Get(key); ok {
		rt.vars[target] = v
	} else if def, ok := node.Props.Get("default"); ok {
		rt.vars[target] = def
	}
	return stepNext
}

func runStateSet(rt *run, node *graph.Node) step {
	key, ok := node.Props.String("key")
	if !ok || key == "" {
		return stepNext
	}
	v, ok := rt.propValue(node.Props)
	if !ok {
		return stepNext
	}
	st := rt.state(rt.stateNode(node))
	st.Set(key, v)
	st.UpdatedAt = rt.now
	return stepNext
}

// propValue reads a value from "source" when present, else from "value".
func (rt *run) propValue(props graph.Properties) (any, bool) {
	if src, ok := props.String("source"); ok && src != "" {
		return rt.resolve(src)
	}
	raw, ok := props.Get("value")
	if !ok {
		return nil, false
	}
	return rt.value(raw)
}

// stateNode returns the node whose state a state_get/state_set addresses:
// the "node" property when it names a node of this graph, else itself.
func (rt *run) stateNode(node *graph.Node) string {
	if other, ok := node.Props.String("node"); ok && other != "" {
		if target, ok := rt.graph.Node(other); ok {
			return target.ID
		}
	}
	return node.ID
}

func runAward(rt *run, node *graph.Node) step {
	raw, ok := node.Props.Get("points")
	if !ok {
		return stepNext
	}
	points, ok := rt.number(raw)
	if !ok {
		return stepNext
	}
	rt.points = rt.points.Add(points)
	rt.awardIDs = append(rt.awardIDs, node.ID)
	return stepNext
}

// runAudienceSelector ends the pass with a selection request. The resume node
// is the selector's default successor.
func runAudienceSelector(rt *run, node *graph.Node) step {
	resume, _ := rt.graph.Next(node.ID, graph.BranchNone)
	rt.audience = &AudienceSelection{
		NodeID:           node.ID,
		Query:            rt.audienceQuery(node.Props),
		ResumeFromNodeID: resume,
	}
	return stepHalt
}

func (rt *run) audienceQuery(props graph.Properties) json.RawMessage {
	for _, key := range []string{"query", "queryJson"} {
		raw, ok := props.Get(key)
		if !ok {
			continue
		}
		switch q := raw.(type) {
		case map[string]any:
			if b, err := json.Marshal(q); err == nil {
				return b
			}
		case string:
			if obj, ok := graph.DecodeObject([]byte(q)); ok {
				if b, err := json.Marshal(obj); err == nil {
					return b
				}
			}
		}
	}

	query := make(map[string]any)
	for _, key := range []string{"entity", "field", "operator"} {
		if s, ok := props.String(key); ok && s != "" {
			query[key] = s
		}
	}
	if raw, ok := props.Get("value"); ok {
		if v, ok := rt.value(raw); ok {
			query["value"] = v
		}
	}
	if raw, ok := props.Get("limit"); ok {
		if n, ok := rt.number(raw); ok {
			query["limit"] = n.IntPart()
		}
	}
	b, err := json.Marshal(query)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

func runUpdateProfile(rt *run, node *graph.Node) step {
	data := make(map[string]any)
	if raw, ok := node.Props.Get("setLevel"); ok {
		if level := strings.TrimSpace(rt.text(raw)); level != "" {
			data["setLevel"] = level
		}
	}
	if raw, ok := node.Props.Get("addTags"); ok {
		if tags := rt.tags(raw); len(tags) > 0 {
			data["addTags"] = tags
		}
	}
	if len(data) == 0 {
		return stepNext
	}
	rt.addAction(node, types.ActionUpdateProfile, data)
	return stepNext
}

// tags accepts an array of strings or a comma-separated string.
func (rt *run) tags(raw any) []string {
	var parts []any
	switch t := raw.(type) {
	case []any:
		parts = t
	case string:
		for _, p := range strings.Split(rt.text(t), ",") {
			parts = append(parts, p)
		}
	default:
		return nil
	}
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if tag := strings.TrimSpace(rt.text(p)); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func runNotification(rt *run, node *graph.Node) step {
	rt.addAction(node, types.ActionNotification, rt.textFields(node.Props, "channel", "title", "body"))
	return stepNext
}

func runFeedPost(rt *run, node *graph.Node) step {
	rt.addAction(node, types.ActionFeedPost, rt.textFields(node.Props, "channel", "content"))
	return stepNext
}

func (rt *run) textFields(props graph.Properties, keys ...string) map[string]any {
	data := make(map[string]any, len(keys))
	for _, key := range keys {
		if raw, ok := props.Get(key); ok {
			data[key] = rt.text(raw)
		}
	}
	return data
}

func (rt *run) addAction(node *graph.Node, kind types.ActionKind, data map[string]any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	rt.actions = append(rt.actions, types.Action{NodeID: node.ID, Kind: kind, Data: b})
}

// numberValue stores a decimal as a JSON number in variables and state.
func numberValue(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
