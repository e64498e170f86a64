package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// outboxNamespace scopes name-based outbox message ids.
var outboxNamespace = uuid.MustParse("6f1b6f0e-3a52-4c4e-9a1e-2f4d8f0a7c11")

// NewRuleID generates a UUIDv7 rule identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewRuleID() RuleID {
	return RuleID(uuid.Must(uuid.NewV7()).String())
}

// NewOperationID generates a UUIDv7 operation identifier for events that
// arrive without one.
func NewOperationID() OperationID {
	return OperationID(uuid.Must(uuid.NewV7()).String())
}

// NewEntryID generates a UUIDv7 points ledger entry identifier.
func NewEntryID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// CronOperationID derives the operation id of a scheduler tick. Every replica
// ticking the same minute produces the same id, so the tick is applied once.
func CronOperationID(tick time.Time) OperationID {
	return OperationID("cron:" + tick.UTC().Truncate(time.Minute).Format(time.RFC3339))
}

// OutboxMessageID derives a deterministic message id from the effect's origin.
// seq distinguishes repeated visits of the same node within one run; the first
// visit (seq 0) uses the bare four-part key.
func OutboxMessageID(op OperationID, rule RuleID, subjectID, nodeID string, seq int) string {
	name := strings.Join([]string{string(op), string(rule), subjectID, nodeID}, "|")
	if seq > 0 {
		name = fmt.Sprintf("%s#%d", name, seq)
	}
	return uuid.NewSHA1(outboxNamespace, []byte(name)).String()
}

// ParseRuleID validates a rule identifier. Rules created here are UUIDs, but
// imported ids only need to be non-blank.
func ParseRuleID(s string) (RuleID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidRuleID
	}
	return RuleID(s), nil
}
