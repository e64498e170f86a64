// internal/orchestrator/apply.go
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solatis/pointsflow/internal/engine"
	"github.com/solatis/pointsflow/internal/graph"
	"github.com/solatis/pointsflow/internal/types"
	"golang.org/x/sync/errgroup"
)

/*
 * One rule application for one subject:
 *
 *   marker lookup (fast path) -> (rule, subject) lock -> marker lookup again
 *   -> reserve an execution slot -> run the graph -> Commit
 *
 * The lookups only save engine runs. The unique marker inserted by Commit is
 * what makes a lost race a duplicate instead of a second application.
 *
 * Every commit past the lookups counts one execution, matched or not, through
 * the store's conditional increment. The local slot only keeps workers of one
 * invocation from running the engine once the allowance is gone.
 *
 * The subject-less pass of a cron rule follows the same path under subject
 * "". When it ends in an audience selection its slot is given back and the
 * audience is replayed. The pass's own marker is committed last, uncounted,
 * and only when the replay was not cut short.
 */

func lockKey(rule types.RuleID, subject string) string {
	return string(rule) + "\x00" + subject
}

func (o *Orchestrator) apply(ctx context.Context, log *slog.Logger, rule *types.Rule, ev types.Event, subject, resume string, b *budget) []Outcome {
	out := Outcome{RuleID: rule.ID, SubjectID: subject, PointsDelta: decimal.Zero, Balance: decimal.Zero}
	key := types.ExecutionKey{RuleID: rule.ID, SubjectID: subject, OperationID: ev.OperationID}

	if done, recorded := o.recorded(ctx, log, key, out); done {
		return []Outcome{recorded}
	}
	unlock := o.locks.Lock(lockKey(rule.ID, subject))
	defer unlock()
	if done, recorded := o.recorded(ctx, log, key, out); done {
		return []Outcome{recorded}
	}

	if !b.reserve() {
		out.Status = StatusExhausted
		return []Outcome{o.record(out)}
	}
	reserved := true
	counted := false
	defer func() {
		if reserved {
			b.release(counted)
		}
	}()

	res, err := o.run(ctx, rule, ev, subject, resume)
	if err != nil {
		return []Outcome{o.fail(log, out, "load_state", err)}
	}

	var fanned []Outcome
	if sel, ok := res.Audience(); ok {
		if subject != "" || resume != "" {
			log.Debug("audience selection ignored outside the subject-less pass",
				"subject_id", subject, "node_id", sel.NodeID)
		} else {
			b.release(false)
			reserved = false
			var complete bool
			fanned, complete = o.fanout(ctx, log, rule, ev, sel, b)
			if !complete {
				return fanned
			}
		}
	}

	commit, err := o.buildCommit(rule, ev, subject, res)
	if err != nil {
		return append([]Outcome{o.fail(log, out, "encode", err)}, fanned...)
	}
	commit.CountExecution = reserved
	cr, err := o.repo.Commit(ctx, commit)
	if err != nil {
		return append([]Outcome{o.fail(log, out, "commit", err)}, fanned...)
	}
	if cr.Exhausted || cr.Closed {
		b.close()
	}

	out.Balance = cr.Balance
	switch {
	case cr.Duplicate:
		out = duplicate(out, cr.Execution)
		out.Balance = cr.Balance
	case cr.Exhausted:
		out.Status = StatusExhausted
	case !reserved:
		// the selection pass; its work is in the fan-out outcomes
		out.Status = StatusSkipped
	case res.Matched():
		counted = true
		effects := res.Effects()
		out.Status = StatusApplied
		out.PointsDelta = effects.PointsDelta
		out.Actions = effects.Actions
		log.Debug("rule applied",
			"subject_id", subject,
			"points", effects.PointsDelta.String(),
			"actions", len(effects.Actions),
			"steps", res.Steps)
	default:
		counted = true
		out.Status = StatusNoMatch
	}
	return append([]Outcome{o.record(out)}, fanned...)
}

// recorded reports whether key already has a marker, filling in the
// duplicate outcome, or whether the lookup itself failed.
func (o *Orchestrator) recorded(ctx context.Context, log *slog.Logger, key types.ExecutionKey, out Outcome) (bool, Outcome) {
	exec, found, err := o.repo.FindExecution(ctx, key)
	if err != nil {
		return true, o.fail(log, out, "find_execution", err)
	}
	if !found {
		return false, out
	}
	return true, o.record(duplicate(out, exec))
}

func duplicate(out Outcome, exec types.RuleExecution) Outcome {
	out.Status = StatusDuplicate
	out.PointsDelta = exec.PointsDelta
	out.Actions = nil
	if len(exec.Actions) > 0 {
		var actions []types.Action
		if err := json.Unmarshal(exec.Actions, &actions); err == nil && len(actions) > 0 {
			out.Actions = actions
		}
	}
	return out
}

// run loads the subject's node states and executes the graph.
func (o *Orchestrator) run(ctx context.Context, rule *types.Rule, ev types.Event, subject, resume string) (engine.Result, error) {
	eventJSON, err := ev.ContextJSON(subject)
	if err != nil {
		return engine.Result{}, fmt.Errorf("failed to encode event: %w", err)
	}

	states := engine.StateMap{}
	if o.repo != nil && rule.ID != "" {
		stored, err := o.repo.NodeStates(ctx, rule.ID, subject)
		if err != nil {
			return engine.Result{}, err
		}
		for _, ns := range stored {
			st, err := engine.DecodeState(ns.State, ns.UpdatedAt)
			if err != nil {
				return engine.Result{}, fmt.Errorf("node %s: %w", ns.NodeID, err)
			}
			states[graph.NormalizeID(ns.NodeID)] = st
		}
	}

	res := o.engine.Execute(engine.Request{
		Graph:             rule.Graph,
		Variables:         rule.Variables,
		Event:             eventJSON,
		OccurredAt:        ev.OccurredAt,
		StartNodeOverride: resume,
		States:            states,
	})
	o.metrics.run(res)
	return res, nil
}

// fanout replays the graph for every selected subject from the resume node.
// complete is false when the audience could not be resolved or ctx was
// cancelled before every subject was visited.
func (o *Orchestrator) fanout(ctx context.Context, log *slog.Logger, rule *types.Rule, ev types.Event, sel engine.AudienceSelection, b *budget) (outcomes []Outcome, complete bool) {
	if sel.ResumeFromNodeID == "" {
		log.Debug("audience selector has no resume node, nothing to replay", "node_id", sel.NodeID)
		return nil, true
	}
	if o.audience == nil {
		return []Outcome{o.fail(log, Outcome{RuleID: rule.ID}, "audience", fmt.Errorf("no audience resolver configured"))}, false
	}

	subjects, err := o.audience.ResolveAudience(ctx, sel.Query, o.cfg.AudienceCap)
	if err != nil {
		return []Outcome{o.fail(log, Outcome{RuleID: rule.ID}, "audience", err)}, false
	}
	if len(subjects) > o.cfg.AudienceCap {
		subjects = subjects[:o.cfg.AudienceCap]
	}
	o.metrics.fanout(len(subjects))
	log.Info("fanning out audience", "node_id", sel.NodeID, "subjects", len(subjects), "resume", sel.ResumeFromNodeID)

	results := make([]*Outcome, len(subjects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FanoutWorkers)

	start := time.Now()
	for i, subject := range subjects {
		if gctx.Err() != nil {
			break
		}
		if _, exhausted := b.snapshot(); exhausted {
			log.Info("max executions reached, stopping fan-out", "visited", i, "subjects", len(subjects))
			break
		}
		if subject == "" {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			outs := o.apply(gctx, log, rule, ev, subject, sel.ResumeFromNodeID, b)
			results[i] = &outs[0]
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r != nil {
			outcomes = append(outcomes, *r)
		}
	}
	log.Debug("fan-out finished", "outcomes", len(outcomes), "elapsed", time.Since(start))
	return outcomes, ctx.Err() == nil
}

// EffectMessage is the JSON published for every queued effect.
type EffectMessage struct {
	MessageID   string            `json:"messageId"`
	OperationID types.OperationID `json:"operationId"`
	RuleID      types.RuleID      `json:"ruleId"`
	SubjectID   string            `json:"subjectId,omitempty"`
	NodeID      string            `json:"nodeId,omitempty"`
	Kind        string            `json:"kind"`
	Data        json.RawMessage   `json:"data"`
	OccurredAt  time.Time         `json:"occurredAt"`
}

// KindPointsAwarded is the outbox kind announcing an accrual.
const KindPointsAwarded = "points_awarded"

func (o *Orchestrator) buildCommit(rule *types.Rule, ev types.Event, subject string, res engine.Result) (types.Commit, error) {
	effects := res.Effects()
	actions := effects.Actions
	if actions == nil {
		actions = []types.Action{}
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return types.Commit{}, fmt.Errorf("failed to encode actions: %w", err)
	}

	c := types.Commit{
		Execution: types.RuleExecution{
			RuleID:      rule.ID,
			SubjectID:   subject,
			OperationID: ev.OperationID,
			Matched:     res.Matched(),
			PointsDelta: effects.PointsDelta,
			Actions:     actionsJSON,
			CreatedAt:   o.now(),
		},
	}

	for key, st := range res.States {
		raw, err := st.MarshalJSON()
		if err != nil {
			return types.Commit{}, fmt.Errorf("failed to encode state of node %s: %w", key, err)
		}
		c.States = append(c.States, types.NodeState{
			RuleID:    rule.ID,
			NodeID:    key,
			SubjectID: subject,
			State:     raw,
			UpdatedAt: st.UpdatedAt,
		})
	}
	sort.Slice(c.States, func(i, j int) bool { return c.States[i].NodeID < c.States[j].NodeID })

	if !res.Matched() {
		return c, nil
	}
	c.Outbox, err = o.effectMessages(rule, ev, subject, effects)
	return c, err
}

func (o *Orchestrator) effectMessages(rule *types.Rule, ev types.Event, subject string, effects engine.Effects) ([]types.OutboxMessage, error) {
	var msgs []types.OutboxMessage
	add := func(nodeID, kind string, seq int, data json.RawMessage) error {
		id := types.OutboxMessageID(ev.OperationID, rule.ID, subject, nodeID, seq)
		payload, err := json.Marshal(EffectMessage{
			MessageID:   id,
			OperationID: ev.OperationID,
			RuleID:      rule.ID,
			SubjectID:   subject,
			NodeID:      nodeID,
			Kind:        kind,
			Data:        data,
			OccurredAt:  ev.OccurredAt,
		})
		if err != nil {
			return fmt.Errorf("failed to encode %s effect: %w", kind, err)
		}
		msgs = append(msgs, types.OutboxMessage{
			ID:      id,
			Subject: o.cfg.ActionsPrefix + "." + kind,
			Kind:    kind,
			Payload: payload,
		})
		return nil
	}

	seen := make(map[string]int)
	for _, a := range effects.Actions {
		seq := seen[a.NodeID]
		seen[a.NodeID]++
		if err := add(a.NodeID, string(a.Kind), seq, a.Data); err != nil {
			return nil, err
		}
	}

	if subject != "" && effects.PointsDelta.IsPositive() {
		data, err := json.Marshal(struct {
			PointsDelta  decimal.Decimal `json:"pointsDelta"`
			AwardNodeIDs []string        `json:"awardNodeIds"`
		}{effects.PointsDelta, effects.AwardNodeIDs})
		if err != nil {
			return nil, fmt.Errorf("failed to encode points effect: %w", err)
		}
		// action node ids are never empty, so the bare key cannot collide
		if err := add("", KindPointsAwarded, 0, data); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}
