// internal/rules/rules.go
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/solatis/pointsflow/internal/orchestrator"
	"github.com/solatis/pointsflow/internal/types"
	"github.com/solatis/pointsflow/internal/validate"
	"gopkg.in/yaml.v3"
)

/*
 * Rule definition files.
 *
 *   rules:
 *     - id: welcome-bonus
 *       name: Welcome bonus
 *       topic: signups
 *       priority: 10
 *       maxExecutions: 0
 *       active: true
 *       schedule: {kind: daily, hour: 9}
 *       variables: {bonus: 50}
 *       graph: {...}            # or graphFile: graphs/welcome.json
 *
 * graphFile paths are relative to the definition file.
 */

// Definition is one rule as written in a definition file.
type Definition struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	Topic         string         `yaml:"topic"`
	Priority      int            `yaml:"priority"`
	MaxExecutions int64          `yaml:"maxExecutions"`
	Active        *bool          `yaml:"active"`
	Schedule      map[string]any `yaml:"schedule"`
	Variables     map[string]any `yaml:"variables"`
	Graph         map[string]any `yaml:"graph"`
	GraphFile     string         `yaml:"graphFile"`
}

type file struct {
	Rules []Definition `yaml:"rules"`
}

// LoadFile reads a definition file.
func LoadFile(path string) ([]types.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes definitions. baseDir resolves graphFile entries.
func Parse(data []byte, baseDir string) ([]types.Rule, error) {
	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	seen := make(map[string]bool, len(doc.Rules))
	out := make([]types.Rule, 0, len(doc.Rules))
	for i, def := range doc.Rules {
		if def.ID == "" {
			return nil, fmt.Errorf("rule %d: %w", i, types.ErrInvalidRuleID)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", def.ID)
		}
		seen[def.ID] = true

		r, err := def.rule(baseDir)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", def.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (d Definition) rule(baseDir string) (types.Rule, error) {
	if d.Topic == "" {
		return types.Rule{}, fmt.Errorf("topic is required")
	}
	if d.MaxExecutions < 0 {
		return types.Rule{}, fmt.Errorf("maxExecutions must not be negative")
	}

	var graph json.RawMessage
	switch {
	case d.Graph != nil && d.GraphFile != "":
		return types.Rule{}, fmt.Errorf("graph and graphFile are exclusive")
	case d.Graph != nil:
		raw, err := json.Marshal(d.Graph)
		if err != nil {
			return types.Rule{}, fmt.Errorf("encode graph: %w", err)
		}
		graph = raw
	case d.GraphFile != "":
		path := d.GraphFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return types.Rule{}, fmt.Errorf("read graph file: %w", err)
		}
		graph = raw
	default:
		return types.Rule{}, fmt.Errorf("graph or graphFile is required")
	}

	vars, err := optionalJSON(d.Variables)
	if err != nil {
		return types.Rule{}, fmt.Errorf("encode variables: %w", err)
	}
	schedule, err := optionalJSON(d.Schedule)
	if err != nil {
		return types.Rule{}, fmt.Errorf("encode schedule: %w", err)
	}

	name := d.Name
	if name == "" {
		name = d.ID
	}
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	return types.Rule{
		ID:            types.RuleID(d.ID),
		Name:          name,
		Topic:         d.Topic,
		Graph:         graph,
		Variables:     vars,
		Schedule:      schedule,
		Priority:      d.Priority,
		MaxExecutions: d.MaxExecutions,
		IsActive:      active,
	}, nil
}

func optionalJSON(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// Store persists imported rules.
type Store interface {
	SaveRule(ctx context.Context, r types.Rule) error
}

// Validator checks rule graphs.
type Validator interface {
	Validate(raw []byte) validate.Result
}

// Rejection is a rule that was not imported.
type Rejection struct {
	RuleID types.RuleID
	Err    error
}

// ImportResult lists what an import did.
type ImportResult struct {
	Imported []types.RuleID
	Rejected []Rejection
	Warnings map[types.RuleID][]validate.Issue
}

// Err joins the rejections, or returns nil.
func (r ImportResult) Err() error {
	errs := make([]error, 0, len(r.Rejected))
	for _, rej := range r.Rejected {
		errs = append(errs, fmt.Errorf("rule %s: %w", rej.RuleID, rej.Err))
	}
	return errors.Join(errs...)
}

// Importer validates and stores rule definitions.
type Importer struct {
	store     Store
	validator Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewImporter creates an importer.
func NewImporter(store Store, validator Validator, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		store:     store,
		validator: validator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Check validates a rule without storing it.
func (im *Importer) Check(r types.Rule) (validate.Result, error) {
	res := im.validator.Validate(r.Graph)
	if err := res.Err(); err != nil {
		return res, err
	}
	if _, err := orchestrator.ParseSchedule(r.Schedule); err != nil {
		return res, err
	}
	return res, nil
}

// Import stores every rule that validates. Invalid rules are reported, not
// stored; a storage failure aborts the import.
func (im *Importer) Import(ctx context.Context, rules []types.Rule) (ImportResult, error) {
	result := ImportResult{Warnings: make(map[types.RuleID][]validate.Issue)}
	for _, r := range rules {
		res, err := im.Check(r)
		if len(res.Warnings) > 0 {
			result.Warnings[r.ID] = res.Warnings
		}
		if err != nil {
			im.logger.Warn("rule rejected", "rule_id", r.ID, "error", err)
			result.Rejected = append(result.Rejected, Rejection{RuleID: r.ID, Err: err})
			continue
		}

		now := im.now()
		r.CreatedAt, r.UpdatedAt = now, now
		if err := im.store.SaveRule(ctx, r); err != nil {
			return result, err
		}
		im.logger.Info("rule imported", "rule_id", r.ID, "topic", r.Topic, "active", r.IsActive)
		result.Imported = append(result.Imported, r.ID)
	}
	return result, nil
}
