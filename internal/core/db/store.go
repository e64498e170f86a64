// internal/core/db/store.go
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/solatis/pointsflow/internal/types"
)

/*
 * Store is the SQL repository behind the orchestrator and the outbox relay.
 *
 * Every rule application is one transaction (Commit): the idempotency marker
 * goes in first with ON CONFLICT DO NOTHING, so a writer that loses the race
 * sees zero affected rows, rolls back, and reports the marker the winner
 * recorded. Node states, the points accrual and outbox rows only follow a
 * marker this transaction inserted.
 *
 * Decimals cross the driver boundary as text: bound through CAST(? AS NUMERIC)
 * and read back through CAST(col AS TEXT).
 */

// Store implements the repository contracts on top of named queries.
type Store struct {
	q   *Queries
	now func() time.Time
}

// NewStore loads the named queries for db.
func NewStore(db *sqlx.DB) (*Store, error) {
	q, err := LoadQueries(db)
	if err != nil {
		return nil, err
	}
	return &Store{q: q, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Queries exposes the named queries, e.g. for the API-key authenticator.
func (s *Store) Queries() *Queries {
	return s.q
}

type ruleRow struct {
	ID              string    `db:"rule_id"`
	Name            string    `db:"name"`
	Topic           string    `db:"topic"`
	Graph           string    `db:"graph_json"`
	Variables       string    `db:"variables_json"`
	Schedule        string    `db:"schedule_json"`
	Priority        int       `db:"priority"`
	MaxExecutions   int64     `db:"max_executions"`
	ExecutionsCount int64     `db:"executions_count"`
	IsActive        bool      `db:"is_active"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r ruleRow) rule() types.Rule {
	return types.Rule{
		ID:              types.RuleID(r.ID),
		Name:            r.Name,
		Topic:           r.Topic,
		Graph:           json.RawMessage(r.Graph),
		Variables:       rawOrNil(r.Variables),
		Schedule:        rawOrNil(r.Schedule),
		Priority:        r.Priority,
		MaxExecutions:   r.MaxExecutions,
		ExecutionsCount: r.ExecutionsCount,
		IsActive:        r.IsActive,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func rules(rows []ruleRow) []types.Rule {
	out := make([]types.Rule, len(rows))
	for i, r := range rows {
		out[i] = r.rule()
	}
	return out
}

// ActiveRules returns the active rules for topic, ordered by priority
// descending and then creation time ascending.
func (s *Store) ActiveRules(ctx context.Context, topic string) ([]types.Rule, error) {
	var rows []ruleRow
	if err := s.q.Select(ctx, "list-active-rules-by-topic", &rows, topic); err != nil {
		return nil, fmt.Errorf("failed to list rules for topic %q: %w", topic, err)
	}
	return rules(rows), nil
}

// Rules returns every stored rule.
func (s *Store) Rules(ctx context.Context) ([]types.Rule, error) {
	var rows []ruleRow
	if err := s.q.Select(ctx, "list-rules", &rows); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules(rows), nil
}

// Rule returns one rule, or types.ErrRuleNotFound.
func (s *Store) Rule(ctx context.Context, id types.RuleID) (types.Rule, error) {
	var row ruleRow
	err := s.q.Get(ctx, "get-rule", &row, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Rule{}, types.ErrRuleNotFound
	}
	if err != nil {
		return types.Rule{}, fmt.Errorf("failed to load rule %s: %w", id, err)
	}
	return row.rule(), nil
}

// SaveRule inserts or replaces a rule definition. The stored execution
// count is preserved across updates.
func (s *Store) SaveRule(ctx context.Context, r types.Rule) error {
	if _, err := types.ParseRuleID(string(r.ID)); err != nil {
		return err
	}
	now := s.now()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}
	variables := string(r.Variables)
	if variables == "" {
		variables = "{}"
	}
	_, err := s.q.Exec(ctx, "upsert-rule",
		string(r.ID), r.Name, r.Topic, string(r.Graph), variables, string(r.Schedule), r.Priority,
		r.MaxExecutions, r.IsActive, created.UTC(), now)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", r.ID, err)
	}
	return nil
}

// DeactivateRule marks a rule inactive.
func (s *Store) DeactivateRule(ctx context.Context, id types.RuleID) error {
	if _, err := s.q.Exec(ctx, "deactivate-rule", s.now(), string(id)); err != nil {
		return fmt.Errorf("failed to deactivate rule %s: %w", id, err)
	}
	return nil
}

type executionRow struct {
	RuleID      string    `db:"rule_id"`
	SubjectID   string    `db:"subject_id"`
	OperationID string    `db:"operation_id"`
	Matched     bool      `db:"matched"`
	PointsDelta string    `db:"points_delta"`
	Actions     string    `db:"actions_json"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r executionRow) execution() (types.RuleExecution, error) {
	delta, err := decimal.NewFromString(r.PointsDelta)
	if err != nil {
		return types.RuleExecution{}, fmt.Errorf("invalid points_delta %q: %w", r.PointsDelta, err)
	}
	return types.RuleExecution{
		RuleID:      types.RuleID(r.RuleID),
		SubjectID:   r.SubjectID,
		OperationID: types.OperationID(r.OperationID),
		Matched:     r.Matched,
		PointsDelta: delta,
		Actions:     rawOrNil(r.Actions),
		CreatedAt:   r.CreatedAt.UTC(),
	}, nil
}

// FindExecution looks up the idempotency marker for key.
func (s *Store) FindExecution(ctx context.Context, key types.ExecutionKey) (types.RuleExecution, bool, error) {
	return findExecution(ctx, s.q, key)
}

func findExecution(ctx context.Context, q *Queries, key types.ExecutionKey) (types.RuleExecution, bool, error) {
	var row executionRow
	err := q.Get(ctx, "get-execution", &row, string(key.RuleID), key.SubjectID, string(key.OperationID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.RuleExecution{}, false, nil
	}
	if err != nil {
		return types.RuleExecution{}, false, fmt.Errorf("failed to load execution marker: %w", err)
	}
	exec, err := row.execution()
	if err != nil {
		return types.RuleExecution{}, false, err
	}
	return exec, true, nil
}

type nodeStateRow struct {
	RuleID    string    `db:"rule_id"`
	NodeID    string    `db:"node_id"`
	SubjectID string    `db:"subject_id"`
	State     string    `db:"state_json"`
	UpdatedAt time.Time `db:"updated_at"`
}

// NodeStates returns every stored node state of one rule for one subject.
func (s *Store) NodeStates(ctx context.Context, ruleID types.RuleID, subjectID string) ([]types.NodeState, error) {
	var rows []nodeStateRow
	if err := s.q.Select(ctx, "list-node-states", &rows, string(ruleID), subjectID); err != nil {
		return nil, fmt.Errorf("failed to load node states: %w", err)
	}
	out := make([]types.NodeState, len(rows))
	for i, r := range rows {
		out[i] = types.NodeState{
			RuleID:    types.RuleID(r.RuleID),
			NodeID:    r.NodeID,
			SubjectID: r.SubjectID,
			State:     json.RawMessage(r.State),
			UpdatedAt: r.UpdatedAt.UTC(),
		}
	}
	return out, nil
}

// Commit applies one rule application atomically. A pre-existing marker is
// not an error: the result has Duplicate set and carries the recorded outcome.
func (s *Store) Commit(ctx context.Context, c types.Commit) (types.CommitResult, error) {
	exec := c.Execution
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.now()
	}
	actions := string(exec.Actions)
	if actions == "" {
		actions = "[]"
	}

	var res types.CommitResult
	err := s.q.InTx(ctx, func(tx *Queries) error {
		r, err := tx.Exec(ctx, "insert-execution",
			string(exec.RuleID), exec.SubjectID, string(exec.OperationID), exec.Matched,
			exec.PointsDelta.String(), actions, exec.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert execution marker: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return types.ErrDuplicateExecution
		}

		if c.CountExecution {
			closed, err := countExecution(ctx, tx, exec.RuleID, exec.CreatedAt.UTC())
			if err != nil {
				return err
			}
			res.Closed = closed
		}

		for _, st := range c.States {
			updated := st.UpdatedAt
			if updated.IsZero() {
				updated = exec.CreatedAt
			}
			if _, err := tx.Exec(ctx, "upsert-node-state",
				string(st.RuleID), st.NodeID, st.SubjectID, string(st.State), updated.UTC()); err != nil {
				return fmt.Errorf("failed to store state of node %s: %w", st.NodeID, err)
			}
		}

		if !exec.PointsDelta.IsZero() && exec.SubjectID != "" {
			if _, err := tx.Exec(ctx, "insert-ledger-entry",
				types.NewEntryID(), exec.SubjectID, string(exec.RuleID), string(exec.OperationID),
				exec.PointsDelta.String(), exec.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("failed to append ledger entry: %w", err)
			}
			if _, err := tx.Exec(ctx, "accrue-balance",
				exec.SubjectID, exec.PointsDelta.String(), exec.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("failed to accrue balance: %w", err)
			}
		}

		for _, m := range c.Outbox {
			created := m.CreatedAt
			if created.IsZero() {
				created = exec.CreatedAt
			}
			if _, err := tx.Exec(ctx, "insert-outbox-message",
				m.ID, m.Subject, m.Kind, string(m.Payload), created.UTC()); err != nil {
				return fmt.Errorf("failed to enqueue outbox message %s: %w", m.ID, err)
			}
		}

		bal, err := balance(ctx, tx, exec.SubjectID)
		if err != nil {
			return err
		}
		res.Execution = exec
		res.Balance = bal
		return nil
	})

	if errors.Is(err, types.ErrDuplicateExecution) {
		return s.duplicate(ctx, exec.Key())
	}
	if errors.Is(err, types.ErrRuleExhausted) {
		return types.CommitResult{Exhausted: true, Execution: exec, Balance: decimal.Zero}, nil
	}
	if err != nil {
		return types.CommitResult{}, err
	}
	return res, nil
}

// countExecution increments the rule's execution count unless maxExecutions
// is already reached, and deactivates the rule when this was the last one.
func countExecution(ctx context.Context, tx *Queries, id types.RuleID, at time.Time) (closed bool, err error) {
	r, err := tx.Exec(ctx, "count-rule-execution", at, string(id))
	if err != nil {
		return false, fmt.Errorf("failed to count execution of rule %s: %w", id, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return false, types.ErrRuleExhausted
	}
	r, err = tx.Exec(ctx, "close-exhausted-rule", at, string(id))
	if err != nil {
		return false, fmt.Errorf("failed to deactivate rule %s: %w", id, err)
	}
	n, err = r.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) duplicate(ctx context.Context, key types.ExecutionKey) (types.CommitResult, error) {
	recorded, found, err := s.FindExecution(ctx, key)
	if err != nil {
		return types.CommitResult{}, err
	}
	if !found {
		return types.CommitResult{}, fmt.Errorf("execution marker vanished after conflict: %w", types.ErrDuplicateExecution)
	}
	bal, err := s.Balance(ctx, key.SubjectID)
	if err != nil {
		return types.CommitResult{}, err
	}
	return types.CommitResult{Duplicate: true, Execution: recorded, Balance: bal}, nil
}

// Balance returns a subject's points balance; zero when none is recorded.
func (s *Store) Balance(ctx context.Context, subjectID string) (decimal.Decimal, error) {
	return balance(ctx, s.q, subjectID)
}

func balance(ctx context.Context, q *Queries, subjectID string) (decimal.Decimal, error) {
	if subjectID == "" {
		return decimal.Zero, nil
	}
	var raw string
	err := q.Get(ctx, "get-balance", &raw, subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load balance: %w", err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid balance %q: %w", raw, err)
	}
	return d, nil
}

// LedgerEntry is one points accrual.
type LedgerEntry struct {
	ID          string
	SubjectID   string
	RuleID      types.RuleID
	OperationID types.OperationID
	Delta       decimal.Decimal
	CreatedAt   time.Time
}

// Ledger returns a subject's points ledger in insertion order.
func (s *Store) Ledger(ctx context.Context, subjectID string) ([]LedgerEntry, error) {
	var rows []struct {
		ID          string    `db:"entry_id"`
		SubjectID   string    `db:"subject_id"`
		RuleID      string    `db:"rule_id"`
		OperationID string    `db:"operation_id"`
		Delta       string    `db:"delta"`
		CreatedAt   time.Time `db:"created_at"`
	}
	if err := s.q.Select(ctx, "list-ledger-entries", &rows, subjectID); err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	out := make([]LedgerEntry, 0, len(rows))
	for _, r := range rows {
		d, err := decimal.NewFromString(r.Delta)
		if err != nil {
			return nil, fmt.Errorf("invalid ledger delta %q: %w", r.Delta, err)
		}
		out = append(out, LedgerEntry{
			ID:          r.ID,
			SubjectID:   r.SubjectID,
			RuleID:      types.RuleID(r.RuleID),
			OperationID: types.OperationID(r.OperationID),
			Delta:       d,
			CreatedAt:   r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

type outboxRow struct {
	ID          string       `db:"message_id"`
	Subject     string       `db:"subject"`
	Kind        string       `db:"kind"`
	Payload     string       `db:"payload_json"`
	Attempts    int          `db:"attempts"`
	LastError   string       `db:"last_error"`
	CreatedAt   time.Time    `db:"created_at"`
	PublishedAt sql.NullTime `db:"published_at"`
}

// PendingOutbox returns up to limit unpublished messages, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]types.OutboxMessage, error) {
	var rows []outboxRow
	if err := s.q.Select(ctx, "list-pending-outbox", &rows, limit); err != nil {
		return nil, fmt.Errorf("failed to list pending outbox: %w", err)
	}
	out := make([]types.OutboxMessage, len(rows))
	for i, r := range rows {
		out[i] = types.OutboxMessage{
			ID:        r.ID,
			Subject:   r.Subject,
			Kind:      r.Kind,
			Payload:   json.RawMessage(r.Payload),
			Attempts:  r.Attempts,
			LastError: r.LastError,
			CreatedAt: r.CreatedAt.UTC(),
		}
		if r.PublishedAt.Valid {
			t := r.PublishedAt.Time.UTC()
			out[i].PublishedAt = &t
		}
	}
	return out, nil
}

// MarkPublished records a successful publish.
func (s *Store) MarkPublished(ctx context.Context, id string, at time.Time) error {
	if _, err := s.q.Exec(ctx, "mark-outbox-published", at.UTC(), id); err != nil {
		return fmt.Errorf("failed to mark outbox message %s published: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed publish attempt; the message stays pending.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := s.q.Exec(ctx, "mark-outbox-failed", msg, id); err != nil {
		return fmt.Errorf("failed to mark outbox message %s failed: %w", id, err)
	}
	return nil
}

// UpsertSubject stores a subject profile, replacing its tag set.
func (s *Store) UpsertSubject(ctx context.Context, subj types.Subject) error {
	if subj.ID == "" {
		return errors.New("subject id is required")
	}
	now := s.now()
	return s.q.InTx(ctx, func(tx *Queries) error {
		if _, err := tx.Exec(ctx, "upsert-subject", subj.ID, subj.Level, now, now); err != nil {
			return fmt.Errorf("failed to upsert subject %s: %w", subj.ID, err)
		}
		if _, err := tx.Exec(ctx, "delete-subject-tags", subj.ID); err != nil {
			return fmt.Errorf("failed to clear tags of subject %s: %w", subj.ID, err)
		}
		for _, tag := range subj.Tags {
			if tag == "" {
				continue
			}
			if _, err := tx.Exec(ctx, "insert-subject-tag", subj.ID, tag); err != nil {
				return fmt.Errorf("failed to tag subject %s: %w", subj.ID, err)
			}
		}
		return nil
	})
}

// Subject loads one subject profile with its tags.
func (s *Store) Subject(ctx context.Context, id string) (types.Subject, bool, error) {
	var row struct {
		ID    string `db:"subject_id"`
		Level string `db:"level"`
	}
	err := s.q.Get(ctx, "get-subject", &row, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Subject{}, false, nil
	}
	if err != nil {
		return types.Subject{}, false, fmt.Errorf("failed to load subject %s: %w", id, err)
	}
	var tags []string
	if err := s.q.Select(ctx, "list-subject-tags", &tags, id); err != nil {
		return types.Subject{}, false, fmt.Errorf("failed to load tags of subject %s: %w", id, err)
	}
	return types.Subject{ID: row.ID, Level: row.Level, Tags: tags}, true, nil
}

// CreateAPIKey stores the HMAC of a newly issued key.
func (s *Store) CreateAPIKey(ctx context.Context, id, clientID, name string, keyHash []byte) error {
	if _, err := s.q.Exec(ctx, "insert-api-key", id, clientID, name, keyHash, s.now()); err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	return nil
}

// RevokeAPIKey revokes a key. Revoking an already revoked key is a no-op.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	if _, err := s.q.Exec(ctx, "revoke-api-key", s.now(), id); err != nil {
		return fmt.Errorf("failed to revoke api key %s: %w", id, err)
	}
	return nil
}
