package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/solatis/pointsflow/internal/catalog"
	"github.com/solatis/pointsflow/internal/engine"
	"github.com/solatis/pointsflow/internal/orchestrator"
	"github.com/solatis/pointsflow/internal/types"
	"github.com/solatis/pointsflow/internal/validate"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate --event event.json (--rule <id> | --graph graph.json)",
	Short: "Dry-run a rule against an event",
	Long: `Runs one rule graph against an event and prints the result without
writing anything. --rule uses the stored rule and the subject's stored node
state; --graph runs a graph file with empty state.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().String("event", "", "event JSON file")
	simulateCmd.Flags().String("rule", "", "stored rule id")
	simulateCmd.Flags().String("graph", "", "graph JSON file")
	simulateCmd.Flags().String("vars", "", "variables JSON file, with --graph")
	_ = simulateCmd.MarkFlagRequired("event")
	simulateCmd.MarkFlagsMutuallyExclusive("rule", "graph")
	simulateCmd.MarkFlagsOneRequired("rule", "graph")
}

// simulation is the printed result.
type simulation struct {
	Kind     string                    `json:"kind"`
	Steps    int                       `json:"steps"`
	Effects  *engine.Effects           `json:"effects,omitempty"`
	Audience *engine.AudienceSelection `json:"audience,omitempty"`
	States   map[string]*engine.State  `json:"states,omitempty"`
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eventPath, _ := cmd.Flags().GetString("event")
	ruleID, _ := cmd.Flags().GetString("rule")
	graphPath, _ := cmd.Flags().GetString("graph")
	varsPath, _ := cmd.Flags().GetString("vars")

	raw, err := os.ReadFile(eventPath)
	if err != nil {
		return fmt.Errorf("failed to read event: %w", err)
	}
	var ev types.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("failed to decode event: %w", err)
	}

	cat := catalog.MustBuiltin()
	exec := engine.New(cat)

	var (
		rule types.Rule
		orch *orchestrator.Orchestrator
	)
	if ruleID != "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer database.Close()
		if rule, err = store.Rule(ctx, types.RuleID(ruleID)); err != nil {
			return err
		}
		orch = orchestrator.New(store, store, exec, orchestrator.Config{}, orchestrator.WithLogger(logger))
	} else {
		graph, err := os.ReadFile(graphPath)
		if err != nil {
			return fmt.Errorf("failed to read graph: %w", err)
		}
		if err := validate.New(cat).Validate(graph).Err(); err != nil {
			return err
		}
		rule = types.Rule{Name: graphPath, Graph: graph}
		if varsPath != "" {
			vars, err := os.ReadFile(varsPath)
			if err != nil {
				return fmt.Errorf("failed to read variables: %w", err)
			}
			rule.Variables = vars
		}
		orch = orchestrator.New(nil, nil, exec, orchestrator.Config{}, orchestrator.WithLogger(logger))
	}

	res, err := orch.Simulate(ctx, rule, ev)
	if err != nil {
		return err
	}
	out := simulation{Kind: res.Kind().String(), Steps: res.Steps, States: res.States}
	if eff := res.Effects(); res.Matched() {
		out.Effects = &eff
	}
	if sel, ok := res.Audience(); ok {
		out.Audience = &sel
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
