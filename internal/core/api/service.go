// Package api implements the pointsflow.v1.RuleEngine gRPC service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/solatis/pointsflow/internal/engine"
	"github.com/solatis/pointsflow/internal/orchestrator"
	"github.com/solatis/pointsflow/internal/types"
	"github.com/solatis/pointsflow/internal/validate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Processor is the orchestrator surface the service calls.
type Processor interface {
	Process(ctx context.Context, ev types.Event) (orchestrator.Report, error)
	Simulate(ctx context.Context, rule types.Rule, ev types.Event) (engine.Result, error)
}

// RuleStore looks up stored rules for simulation by id.
type RuleStore interface {
	Rule(ctx context.Context, id types.RuleID) (types.Rule, error)
}

// GraphValidator checks graphs before they are stored or simulated.
type GraphValidator interface {
	Validate(raw []byte) validate.Result
}

// RuleEngineService implements RuleEngineServer. Request and response bodies
// are JSON documents carried as google.protobuf.Struct.
type RuleEngineService struct {
	processor Processor
	rules     RuleStore
	validator GraphValidator
	logger    *slog.Logger
}

// NewRuleEngineService creates the service.
func NewRuleEngineService(processor Processor, rules RuleStore, validator GraphValidator, logger *slog.Logger) (*RuleEngineService, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if rules == nil {
		return nil, fmt.Errorf("rules cannot be nil")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngineService{processor: processor, rules: rules, validator: validator, logger: logger}, nil
}

// ProcessEvent runs every active rule of the event's topic. The request is
// the event; the response is the processing report.
func (s *RuleEngineService) ProcessEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var ev types.Event
	if err := decodeStruct(req, &ev); err != nil {
		return nil, err
	}
	report, err := s.processor.Process(ctx, ev)
	if err != nil {
		return nil, statusError(err)
	}
	return encodeStruct(report)
}

type validateRequest struct {
	Graph json.RawMessage `json:"graph"`
}

// ValidateGraph validates {"graph": ...}. The graph may be an object or a
// JSON string.
func (s *RuleEngineService) ValidateGraph(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in validateRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, err
	}
	graph, err := graphBytes(in.Graph)
	if err != nil {
		return nil, err
	}
	return encodeStruct(s.validator.Validate(graph))
}

type simulateRequest struct {
	RuleID types.RuleID `json:"ruleId"`
	Rule   *types.Rule  `json:"rule"`
	Event  types.Event  `json:"event"`
}

// SimulationResult is the JSON view of an engine result.
type SimulationResult struct {
	Kind     string                    `json:"kind"`
	Steps    int                       `json:"steps"`
	Effects  *engine.Effects           `json:"effects,omitempty"`
	Audience *engine.AudienceSelection `json:"audience,omitempty"`
	States   map[string]*engine.State  `json:"states,omitempty"`
	Warnings []validate.Issue          `json:"warnings,omitempty"`
}

// SimulateRule runs a stored rule ({"ruleId": ...}) or an inline one
// ({"rule": {...}}) against an event without persisting anything. Inline
// graphs must validate.
func (s *RuleEngineService) SimulateRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in simulateRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, err
	}

	var rule types.Rule
	var warnings []validate.Issue
	switch {
	case in.Rule != nil:
		rule = *in.Rule
		graph, err := graphBytes(rule.Graph)
		if err != nil {
			return nil, err
		}
		rule.Graph = graph
		res := s.validator.Validate(graph)
		if err := res.Err(); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		warnings = res.Warnings
	case in.RuleID != "":
		r, err := s.rules.Rule(ctx, in.RuleID)
		if err != nil {
			return nil, statusError(err)
		}
		rule = r
	default:
		return nil, status.Error(codes.InvalidArgument, "ruleId or rule required")
	}

	res, err := s.processor.Simulate(ctx, rule, in.Event)
	if err != nil {
		return nil, statusError(err)
	}
	s.logger.Debug("simulated rule", "rule_id", rule.ID, "kind", res.Kind().String(), "steps", res.Steps)
	return encodeStruct(simulationResult(res, warnings))
}

func simulationResult(res engine.Result, warnings []validate.Issue) SimulationResult {
	out := SimulationResult{
		Kind:     res.Kind().String(),
		Steps:    res.Steps,
		States:   res.States,
		Warnings: warnings,
	}
	switch res.Kind() {
	case engine.KindMatched:
		eff := res.Effects()
		out.Effects = &eff
	case engine.KindAudience:
		sel, _ := res.Audience()
		out.Audience = &sel
	}
	return out
}

// graphBytes unwraps a graph sent as a JSON string.
func graphBytes(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, status.Error(codes.InvalidArgument, "graph required")
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, status.Error(codes.InvalidArgument, "graph must be an object or JSON string")
	}
	return []byte(s), nil
}
