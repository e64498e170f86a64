// Package engine interprets decision graphs against one event and subject.
//
// Execute is pure and synchronous: it reads node state through a StateSource,
// never writes it, and returns the mutated states alongside the effects so the
// caller can persist both atomically. It never panics on malformed input;
// anything it cannot interpret is a non-matching result.
package engine

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solatis/pointsflow/internal/graph"
	"github.com/solatis/pointsflow/internal/types"
)

/*
 * Step loop.
 *
 *   1. Parse the graph; failure -> NoMatch
 *   2. current = StartNodeOverride or start; matched starts true only for an
 *      override (audience replay), otherwise trigger/start sets it
 *   3. Up to MaxExecutionSteps iterations: look up node, dispatch on its
 *      lower-cased type through the handler table, resolve the successor
 *      with the handler's branch outcome
 *   4. Halt on: unknown node, type not in catalog or handler table, end,
 *      audience_selector, no successor, step budget exhausted
 *
 * Result shaping: an audience selection returns only the selection. Otherwise
 * matched && (points > 0 || actions > 0), so trigger->end alone is NoMatch.
 *
 * Cycles are legal; the step budget is the only guard.
 */

// Catalog is the subset of the node catalog the engine consults.
type Catalog interface {
	Supported(nodeType string) bool
}

// Request is one interpreter invocation.
type Request struct {
	Graph             json.RawMessage
	Variables         json.RawMessage
	Event             json.RawMessage
	OccurredAt        time.Time
	StartNodeOverride string
	States            StateSource
}

// Kind discriminates the result variants.
type Kind int

const (
	KindNoMatch Kind = iota
	KindMatched
	KindAudience
)

func (k Kind) String() string {
	switch k {
	case KindMatched:
		return "matched"
	case KindAudience:
		return "audience_selection"
	default:
		return "no_match"
	}
}

// Effects are what a matched run wants applied.
type Effects struct {
	PointsDelta  decimal.Decimal `json:"pointsDelta"`
	AwardNodeIDs []string        `json:"awardNodeIds"`
	Actions      []types.Action  `json:"actions"`
}

// AudienceSelection asks the caller to select subjects with Query and replay
// the graph for each from ResumeFromNodeID.
type AudienceSelection struct {
	NodeID           string          `json:"nodeId"`
	Query            json.RawMessage `json:"queryJson"`
	ResumeFromNodeID string          `json:"resumeFromNodeId"`
}

// Result is a sum type: read Effects only from KindMatched and the audience
// only from KindAudience.
type Result struct {
	kind     Kind
	effects  Effects
	audience AudienceSelection

	// States holds node states mutated by the run, keyed by normalized node
	// id, for the caller to persist.
	States map[string]*State

	// Steps is the number of nodes visited.
	Steps int
}

// Kind returns the result variant.
func (r Result) Kind() Kind { return r.kind }

// Matched reports whether the run produced effects.
func (r Result) Matched() bool { return r.kind == KindMatched }

// Effects returns the effects of a matched run; zero for other variants.
func (r Result) Effects() Effects {
	if r.kind != KindMatched {
		return Effects{PointsDelta: decimal.Zero}
	}
	return r.effects
}

// Audience returns the selection request of an audience pass.
func (r Result) Audience() (AudienceSelection, bool) {
	if r.kind != KindAudience {
		return AudienceSelection{}, false
	}
	return r.audience, true
}

// Engine runs graphs. It holds no per-run state and is safe for concurrent use.
type Engine struct {
	catalog   Catalog
	predicate Predicate
	handlers  map[string]handler
}

// Option configures an Engine.
type Option func(*Engine)

// WithPredicate replaces the JsonLogic predicate evaluator.
func WithPredicate(p Predicate) Option {
	return func(e *Engine) { e.predicate = p }
}

// New creates an engine consulting catalog for supported node types.
func New(catalog Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog:   catalog,
		predicate: JSONLogic{},
		handlers:  defaultHandlers(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute interprets the graph. It never panics; a handler failure ends the
// run as NoMatch.
func (e *Engine) Execute(req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{kind: KindNoMatch}
		}
	}()

	g, ok := graph.Parse(req.Graph)
	if !ok {
		return Result{kind: KindNoMatch}
	}

	rt := newRun(e, g, req)
	current := g.Start
	if override := strings.TrimSpace(req.StartNodeOverride); override != "" {
		current = override
		rt.matched = true
	}

	for rt.steps < types.MaxExecutionSteps {
		node, ok := g.Node(current)
		if !ok {
			break
		}
		typ := strings.ToLower(node.Type)
		h, ok := e.handlers[typ]
		if !ok || (e.catalog != nil && !e.catalog.Supported(typ)) {
			break
		}
		rt.steps++
		rt.nodeID = node.ID
		st := h(rt, node)
		if st.halt {
			break
		}
		next, ok := g.Next(node.ID, st.branch)
		if !ok {
			break
		}
		current = next
	}

	return rt.result()
}

// step is a handler outcome.
type step struct {
	branch graph.Branch
	halt   bool
}

var (
	stepNext = step{branch: graph.BranchNone}
	stepHalt = step{halt: true}
)

func branch(b bool) step { return step{branch: graph.BranchOf(b)} }

// run is the mutable scratch of one Execute call.
type run struct {
	engine *Engine
	graph  *graph.Graph
	event  any
	now    time.Time
	vars   map[string]any
	source StateSource
	states map[string]*State
	nodeID string

	matched  bool
	points   decimal.Decimal
	awardIDs []string
	actions  []types.Action
	audience *AudienceSelection
	steps    int
}

func newRun(e *Engine, g *graph.Graph, req Request) *run {
	now := req.OccurredAt
	if now.IsZero() {
		now = time.Now()
	}
	var event any = map[string]any{}
	if obj, ok := graph.DecodeObject(req.Event); ok {
		event = obj
	}
	vars := make(map[string]any)
	if obj, ok := graph.DecodeObject(req.Variables); ok {
		for k, v := range obj {
			vars[k] = v
		}
	}
	return &run{
		engine: e,
		graph:  g,
		event:  event,
		now:    now.UTC(),
		vars:   vars,
		source: req.States,
		states: make(map[string]*State),
		points: decimal.Zero,
	}
}

// state returns the working copy of a node's state, loading it on first use.
func (rt *run) state(nodeID string) *State {
	key := graph.NormalizeID(nodeID)
	if s, ok := rt.states[key]; ok {
		return s
	}
	var s *State
	if rt.source != nil {
		if loaded := rt.source.NodeState(key); loaded != nil {
			s = loaded.Clone()
		}
	}
	if s == nil {
		s = NewState()
	}
	rt.states[key] = s
	return s
}

// resolve resolves a source against the event, variables and the state of
// the node being executed. Node state is only loaded for state: sources.
func (rt *run) resolve(source string) (any, bool) {
	var st *State
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(source)), prefixState) {
		st = rt.state(rt.nodeID)
	}
	return ResolveSource(source, rt.event, rt.vars, st)
}

// value resolves prefixed strings and passes every other value through.
func (rt *run) value(v any) (any, bool) {
	if s, ok := v.(string); ok && IsSourceRef(s) {
		return rt.resolve(s)
	}
	return v, v != nil
}

// text renders a string property: prefixed sources resolve, anything else is
// a {{path}} template.
func (rt *run) text(v any) string {
	s, ok := v.(string)
	if !ok {
		return Stringify(v)
	}
	if IsSourceRef(s) {
		resolved, _ := rt.resolve(s)
		return Stringify(resolved)
	}
	return renderTemplate(s, rt.resolve)
}

// number resolves a numeric property that may be a literal, a numeric string
// or a source reference.
func (rt *run) number(v any) (decimal.Decimal, bool) {
	if s, ok := v.(string); ok {
		if d, ok := AsNumber(s); ok {
			return d, true
		}
		resolved, found := rt.resolve(s)
		if !found {
			return decimal.Zero, false
		}
		return AsNumber(resolved)
	}
	return AsNumber(v)
}

func (rt *run) result() Result {
	dirty := make(map[string]*State)
	for key, s := range rt.states {
		if s.Dirty() {
			s.UpdatedAt = rt.now
			dirty[key] = s
		}
	}

	if rt.audience != nil {
		return Result{kind: KindAudience, audience: *rt.audience, States: dirty, Steps: rt.steps}
	}
	if rt.matched && (rt.points.GreaterThan(decimal.Zero) || len(rt.actions) > 0) {
		return Result{
			kind: KindMatched,
			effects: Effects{
				PointsDelta:  rt.points,
				AwardNodeIDs: rt.awardIDs,
				Actions:      rt.actions,
			},
			States: dirty,
			Steps:  rt.steps,
		}
	}
	return Result{kind: KindNoMatch, States: dirty, Steps: rt.steps}
}
