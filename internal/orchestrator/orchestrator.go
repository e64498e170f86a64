// Package orchestrator applies rule graphs to events exactly once per
// (rule, subject, operation).
//
// For each event the active rules of its topic run in priority order. A
// subject event runs each rule once; a subject-less event (a cron tick) runs
// each rule once without a subject and, when the graph selects an audience,
// replays it for every selected subject on a bounded worker pool. Effects of
// one rule application are committed atomically through the Repository.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/solatis/pointsflow/internal/engine"
	"github.com/solatis/pointsflow/internal/types"
)

const (
	DefaultFanoutWorkers = 8
	DefaultCronTopic     = "cron"
	DefaultActionsPrefix = "pointsflow.actions"
)

// Repository is the persistence the orchestrator needs. Commit must be
// atomic and must treat an existing marker as a duplicate, not an error.
type Repository interface {
	ActiveRules(ctx context.Context, topic string) ([]types.Rule, error)
	DeactivateRule(ctx context.Context, id types.RuleID) error
	FindExecution(ctx context.Context, key types.ExecutionKey) (types.RuleExecution, bool, error)
	NodeStates(ctx context.Context, ruleID types.RuleID, subjectID string) ([]types.NodeState, error)
	Commit(ctx context.Context, c types.Commit) (types.CommitResult, error)
}

// AudienceResolver turns an audience query into at most limit subject ids.
type AudienceResolver interface {
	ResolveAudience(ctx context.Context, query json.RawMessage, limit int) ([]string, error)
}

// Executor runs one graph. *engine.Engine implements it.
type Executor interface {
	Execute(req engine.Request) engine.Result
}

// Config tunes the orchestrator. Zero values select the defaults.
type Config struct {
	FanoutWorkers int
	AudienceCap   int
	CronTopic     string
	ActionsPrefix string
}

func (c Config) withDefaults() Config {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = DefaultFanoutWorkers
	}
	if c.AudienceCap <= 0 || c.AudienceCap > types.MaxAudienceSize {
		c.AudienceCap = types.MaxAudienceSize
	}
	if c.CronTopic == "" {
		c.CronTopic = DefaultCronTopic
	}
	if c.ActionsPrefix == "" {
		c.ActionsPrefix = DefaultActionsPrefix
	}
	return c
}

// Orchestrator is safe for concurrent use; concurrent deliveries of the same
// event are serialised per (rule, subject).
type Orchestrator struct {
	repo     Repository
	audience AudienceResolver
	engine   Executor
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	locks    *keyedMutex
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics records evaluations into m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the clock used for events without occurredAt and for
// marker timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. audience may be nil when no rule selects
// audiences; selections then fail per rule.
func New(repo Repository, audience AudienceResolver, exec Executor, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:     repo,
		audience: audience,
		engine:   exec,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process applies every active rule of the event's topic. Per-rule and
// per-subject failures are reported in the Report, not returned; the error is
// reserved for an invalid event, failing to load rules, or cancellation.
func (o *Orchestrator) Process(ctx context.Context, ev types.Event) (Report, error) {
	if ev.OperationID == "" || ev.Topic == "" {
		return Report{}, types.ErrInvalidEvent
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = o.now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()

	report := Report{OperationID: ev.OperationID, Topic: ev.Topic}
	rules, err := o.repo.ActiveRules(ctx, ev.Topic)
	if err != nil {
		o.metrics.failure("load_rules")
		return report, fmt.Errorf("failed to load rules for topic %q: %w", ev.Topic, err)
	}

	for i := range rules {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Outcomes = append(report.Outcomes, o.processRule(ctx, &rules[i], ev)...)
	}

	o.logger.Debug("event processed",
		"operation_id", ev.OperationID,
		"topic", ev.Topic,
		"subject_id", ev.SubjectID,
		"rules", len(rules),
		"applied", report.Count(StatusApplied))
	return report, nil
}

func (o *Orchestrator) processRule(ctx context.Context, rule *types.Rule, ev types.Event) []Outcome {
	log := o.logger.With("rule_id", rule.ID, "operation_id", ev.OperationID)

	if rule.Exhausted() {
		if err := o.repo.DeactivateRule(ctx, rule.ID); err != nil {
			o.metrics.failure("deactivate")
			log.Warn("failed to deactivate exhausted rule", "error", err)
		} else {
			log.Info("rule exhausted, deactivated", "executions", rule.ExecutionsCount)
		}
		return []Outcome{o.record(Outcome{RuleID: rule.ID, SubjectID: ev.SubjectID, Status: StatusExhausted})}
	}

	if ev.Topic == o.cfg.CronTopic {
		sched, err := ParseSchedule(rule.Schedule)
		if err != nil {
			return []Outcome{o.fail(log, Outcome{RuleID: rule.ID, SubjectID: ev.SubjectID}, "schedule", err)}
		}
		if !sched.Due(ev.OccurredAt) {
			return []Outcome{o.record(Outcome{RuleID: rule.ID, SubjectID: ev.SubjectID, Status: StatusNotScheduled})}
		}
	}

	b := newBudget(rule.MaxExecutions, rule.ExecutionsCount)
	outcomes := o.apply(ctx, log, rule, ev, ev.SubjectID, "", b)
	if count, exhausted := b.snapshot(); exhausted && rule.MaxExecutions > 0 {
		log.Info("rule reached max executions, deactivated", "executions", count)
	}
	return outcomes
}

func (o *Orchestrator) record(out Outcome) Outcome {
	o.metrics.outcome(out)
	return out
}

func (o *Orchestrator) fail(log *slog.Logger, out Outcome, stage string, err error) Outcome {
	o.metrics.failure(stage)
	log.Error("rule application failed", "subject_id", out.SubjectID, "stage", stage, "error", err)
	out.Status = StatusFailed
	out.Error = err.Error()
	return o.record(out)
}

// Simulate runs rule against ev without writing anything. Stored node state
// of the event's subject is used when the rule has an id.
func (o *Orchestrator) Simulate(ctx context.Context, rule types.Rule, ev types.Event) (engine.Result, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = o.now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	return o.run(ctx, &rule, ev, ev.SubjectID, "")
}
