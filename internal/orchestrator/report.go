package orchestrator

import (
	"github.com/shopspring/decimal"
	"github.com/solatis/pointsflow/internal/types"
)

// Status is the outcome of one rule for one subject. StatusSkipped marks the
// subject-less pass that selected an audience: it applies nothing itself.
type Status string

const (
	StatusApplied      Status = "applied"
	StatusDuplicate    Status = "duplicate"
	StatusNoMatch      Status = "no_match"
	StatusSkipped      Status = "skipped"
	StatusExhausted    Status = "exhausted"
	StatusNotScheduled Status = "not_scheduled"
	StatusFailed       Status = "failed"
)

// Outcome reports one (rule, subject) evaluation. SubjectID is empty for the
// subject-less pass of a cron rule.
type Outcome struct {
	RuleID      types.RuleID    `json:"ruleId"`
	SubjectID   string          `json:"subjectId"`
	Status      Status          `json:"status"`
	PointsDelta decimal.Decimal `json:"pointsDelta"`
	Balance     decimal.Decimal `json:"balance"`
	Actions     []types.Action  `json:"actions,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Report collects the outcomes of one processed event, in rule order.
// Fan-out outcomes of a rule are ordered by subject id.
type Report struct {
	OperationID types.OperationID `json:"operationId"`
	Topic       string            `json:"topic"`
	Outcomes    []Outcome         `json:"outcomes"`
}

// Count returns how many outcomes have status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// PointsAwarded sums the points of applied outcomes.
func (r *Report) PointsAwarded() decimal.Decimal {
	total := decimal.Zero
	for _, o := range r.Outcomes {
		if o.Status == StatusApplied {
			total = total.Add(o.PointsDelta)
		}
	}
	return total
}
