// Package types provides domain models shared across pointsflow components.
//
// Rules, events, execution markers and action kinds live here so the engine,
// the orchestrator and the storage layer agree on one vocabulary without
// importing each other. ID helpers in ids.go are the only part that pulls in
// a third-party module (uuid).
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RuleID identifies a stored rule. UUIDv7 for rules created by pointsflow,
// but imported rules may carry any non-empty string.
type RuleID string

// OperationID identifies one logical business event. Redeliveries of the same
// event carry the same OperationID; it is one third of the idempotency key.
type OperationID string

// Event is an inbound business event or scheduled tick.
// SubjectID is empty for subject-less triggers such as cron ticks.
type Event struct {
	OperationID OperationID     `json:"operationId"`
	Topic       string          `json:"topic"`
	SubjectID   string          `json:"subjectId,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
	EventType   string          `json:"eventType,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ContextJSON renders the event as the JSON document graphs evaluate against.
// The subject is overridden so audience replays see the fanned-out subject.
func (e Event) ContextJSON(subjectID string) (json.RawMessage, error) {
	ev := e
	ev.SubjectID = subjectID
	ev.OccurredAt = e.OccurredAt.UTC()
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage(`{}`)
	}
	return json.Marshal(ev)
}

// Rule owns exactly one graph plus the bookkeeping the orchestrator mutates.
// MaxExecutions of zero means unlimited.
type Rule struct {
	ID              RuleID          `json:"id"`
	Name            string          `json:"name"`
	Topic           string          `json:"topic"`
	Graph           json.RawMessage `json:"graph"`
	Variables       json.RawMessage `json:"variables,omitempty"`
	Schedule        json.RawMessage `json:"schedule,omitempty"`
	Priority        int             `json:"priority"`
	MaxExecutions   int64           `json:"maxExecutions"`
	ExecutionsCount int64           `json:"executionsCount"`
	IsActive        bool            `json:"isActive"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Exhausted reports whether the rule has used up its execution allowance.
func (r *Rule) Exhausted() bool {
	return r.MaxExecutions > 0 && r.ExecutionsCount >= r.MaxExecutions
}

// ExecutionKey is the idempotency key of a rule application.
type ExecutionKey struct {
	RuleID      RuleID
	SubjectID   string
	OperationID OperationID
}

// RuleExecution is the persisted marker of one rule applied to one subject for
// one operation. Its existence prevents re-applying the same effects.
type RuleExecution struct {
	RuleID      RuleID          `json:"ruleId"`
	SubjectID   string          `json:"subjectId"`
	OperationID OperationID     `json:"operationId"`
	Matched     bool            `json:"matched"`
	PointsDelta decimal.Decimal `json:"pointsDelta"`
	Actions     json.RawMessage `json:"actions,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Key returns the idempotency key of the marker.
func (e RuleExecution) Key() ExecutionKey {
	return ExecutionKey{RuleID: e.RuleID, SubjectID: e.SubjectID, OperationID: e.OperationID}
}

// ActionKind enumerates deferred side effects a graph can request.
type ActionKind string

const (
	ActionUpdateProfile ActionKind = "update_profile"
	ActionNotification  ActionKind = "notification"
	ActionFeedPost      ActionKind = "feed_post"
)

// Action is a deferred side effect. The engine only describes it; dispatch
// goes through the outbox.
type Action struct {
	NodeID string          `json:"nodeId"`
	Kind   ActionKind      `json:"kind"`
	Data   json.RawMessage `json:"data"`
}

// OutboxMessage is one effect queued for at-least-once delivery.
// ID is deterministic so downstream consumers can deduplicate.
type OutboxMessage struct {
	ID          string
	Subject     string
	Kind        string
	Payload     json.RawMessage
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// NodeState is the persisted form of one node's state for one subject.
type NodeState struct {
	RuleID    RuleID
	NodeID    string
	SubjectID string
	State     json.RawMessage
	UpdatedAt time.Time
}

// Commit is everything one rule application writes, applied atomically:
// the idempotency marker, node states, the points accrual and outbox rows.
// With CountExecution set the rule's executions_count is incremented in the
// same transaction, conditional on maxExecutions not being reached.
type Commit struct {
	Execution      RuleExecution
	States         []NodeState
	Outbox         []OutboxMessage
	CountExecution bool
}

// CommitResult reports the outcome of a Commit. When Duplicate is set the
// marker already existed, nothing was written, and Execution holds the
// previously recorded outcome. When Exhausted is set the rule had no
// executions left and nothing was written. Closed reports that this commit
// used the rule's last execution and deactivated it.
type CommitResult struct {
	Duplicate bool
	Exhausted bool
	Closed    bool
	Execution RuleExecution
	Balance   decimal.Decimal
}

// Subject is the profile row audience queries select from.
type Subject struct {
	ID    string   `json:"subjectId" yaml:"subjectId"`
	Level string   `json:"level" yaml:"level"`
	Tags  []string `json:"tags" yaml:"tags"`
}

// Resource limits enforced by the parser and validator.
const (
	// MaxGraphNodes bounds graph size so a single rule cannot dominate a batch.
	MaxGraphNodes = 64

	// MaxGraphEdges bounds adjacency size.
	MaxGraphEdges = 128

	// MaxExecutionSteps is the only runaway-loop guard. Edges may point
	// backwards; no cycle detection is attempted.
	MaxExecutionSteps = 128

	// MaxAudienceSize caps the subjects resolved for one audience selection.
	MaxAudienceSize = 10000
)
