package types

import "errors"

// Sentinel errors for pointsflow operations.
var (
	// ErrInvalidRuleID indicates a blank rule identifier.
	ErrInvalidRuleID = errors.New("invalid rule id")

	// ErrRuleNotFound indicates no rule exists with the requested id.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInvalidGraph indicates a graph failed validation and cannot be activated.
	ErrInvalidGraph = errors.New("graph failed validation")

	// ErrInvalidEvent indicates an event without operation id or topic.
	ErrInvalidEvent = errors.New("event requires operationId and topic")

	// ErrInvalidSchedule indicates a rule schedule that cannot be interpreted.
	ErrInvalidSchedule = errors.New("invalid rule schedule")

	// ErrInvalidAudienceQuery indicates an audience query the executor cannot translate.
	ErrInvalidAudienceQuery = errors.New("invalid audience query")

	// ErrDuplicateExecution indicates the idempotency marker already exists.
	// Callers treat it as a successful no-op.
	ErrDuplicateExecution = errors.New("rule already executed for subject and operation")

	// ErrRuleExhausted indicates the rule reached maxExecutions before the
	// execution could be counted.
	ErrRuleExhausted = errors.New("rule reached max executions")
)
