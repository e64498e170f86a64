package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/solatis/pointsflow/internal/types"
)

// memRepo is an in-memory Repository with the same duplicate and counting
// semantics as the SQL store: the marker map is the unique constraint and
// the rule's count is incremented under the same lock.
type memRepo struct {
	mu          sync.Mutex
	rules       map[types.RuleID]*types.Rule
	executions  map[types.ExecutionKey]types.RuleExecution
	states      map[string]types.NodeState
	balances    map[string]decimal.Decimal
	outbox      map[string]types.OutboxMessage
	commits     int
	failCommit  map[types.RuleID]error
	deactivated []types.RuleID
}

func newMemRepo(rules ...types.Rule) *memRepo {
	r := &memRepo{
		rules:      make(map[types.RuleID]*types.Rule),
		executions: make(map[types.ExecutionKey]types.RuleExecution),
		states:     make(map[string]types.NodeState),
		balances:   make(map[string]decimal.Decimal),
		outbox:     make(map[string]types.OutboxMessage),
		failCommit: make(map[types.RuleID]error),
	}
	for i := range rules {
		rule := rules[i]
		r.rules[rule.ID] = &rule
	}
	return r
}

func (r *memRepo) ActiveRules(_ context.Context, topic string) ([]types.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Rule
	for _, rule := range r.rules {
		if rule.Topic == topic && rule.IsActive {
			out = append(out, *rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memRepo) DeactivateRule(_ context.Context, id types.RuleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[id].IsActive = false
	r.deactivated = append(r.deactivated, id)
	return nil
}

func (r *memRepo) FindExecution(_ context.Context, key types.ExecutionKey) (types.RuleExecution, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[key]
	return e, ok, nil
}

func stateKey(rule types.RuleID, node, subject string) string {
	return string(rule) + "|" + node + "|" + subject
}

func (r *memRepo) NodeStates(_ context.Context, ruleID types.RuleID, subjectID string) ([]types.NodeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.NodeState
	for _, st := range r.states {
		if st.RuleID == ruleID && st.SubjectID == subjectID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (r *memRepo) Commit(_ context.Context, c types.Commit) (types.CommitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failCommit[c.Execution.RuleID]; err != nil {
		return types.CommitResult{}, err
	}
	key := c.Execution.Key()
	if existing, ok := r.executions[key]; ok {
		return types.CommitResult{Duplicate: true, Execution: existing, Balance: r.balances[key.SubjectID]}, nil
	}
	var closed bool
	if c.CountExecution {
		rule, ok := r.rules[key.RuleID]
		if !ok || rule.Exhausted() {
			return types.CommitResult{Exhausted: true, Execution: c.Execution}, nil
		}
		rule.ExecutionsCount++
		if rule.Exhausted() && rule.IsActive {
			rule.IsActive = false
			closed = true
		}
	}
	r.commits++
	r.executions[key] = c.Execution
	for _, st := range c.States {
		r.states[stateKey(st.RuleID, st.NodeID, st.SubjectID)] = st
	}
	if c.Execution.SubjectID != "" {
		r.balances[key.SubjectID] = r.balances[key.SubjectID].Add(c.Execution.PointsDelta)
	}
	for _, m := range c.Outbox {
		if _, dup := r.outbox[m.ID]; !dup {
			r.outbox[m.ID] = m
		}
	}
	return types.CommitResult{Execution: c.Execution, Closed: closed, Balance: r.balances[key.SubjectID]}, nil
}

func (r *memRepo) rule(id types.RuleID) types.Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rules[id]
}

func (r *memRepo) balance(subject string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[subject]
}

func (r *memRepo) hasMarker(key types.ExecutionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.executions[key]
	return ok
}

// fixedAudience returns the same subjects for every query.
type fixedAudience struct {
	mu       sync.Mutex
	subjects []string
	err      error
	queries  []json.RawMessage
}

func (a *fixedAudience) ResolveAudience(_ context.Context, query json.RawMessage, limit int) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queries = append(a.queries, query)
	if a.err != nil {
		return nil, a.err
	}
	if len(a.subjects) > limit {
		return a.subjects[:limit], nil
	}
	return a.subjects, nil
}

var errStore = errors.New("store unavailable")
