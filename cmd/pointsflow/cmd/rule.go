package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/solatis/pointsflow/internal/catalog"
	"github.com/solatis/pointsflow/internal/rules"
	"github.com/solatis/pointsflow/internal/types"
	"github.com/solatis/pointsflow/internal/validate"
	"github.com/spf13/cobra"
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage stored rules",
}

var ruleImportCmd = &cobra.Command{
	Use:   "import <rules.yaml>...",
	Short: "Validate and store rule definitions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRuleImport,
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored rules",
	RunE:  runRuleList,
}

var ruleDeactivateCmd = &cobra.Command{
	Use:   "deactivate <rule-id>",
	Short: "Deactivate a stored rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleDeactivate,
}

func init() {
	rootCmd.AddCommand(ruleCmd)
	ruleCmd.AddCommand(ruleImportCmd, ruleListCmd, ruleDeactivateCmd)
}

func runRuleImport(cmd *cobra.Command, args []string) error {
	var defs []types.Rule
	for _, path := range args {
		loaded, err := rules.LoadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		defs = append(defs, loaded...)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	database, store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	importer := rules.NewImporter(store, validate.New(catalog.MustBuiltin()), logger)
	res, err := importer.Import(ctx, defs)
	if err != nil {
		return err
	}
	for id, warnings := range res.Warnings {
		for _, w := range warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: warning %s\n", id, w)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d rule(s), rejected %d\n", len(res.Imported), len(res.Rejected))
	return res.Err()
}

func runRuleList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	database, store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	all, err := store.Rules(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RULE\tTOPIC\tPRIORITY\tACTIVE\tEXECUTIONS")
	for _, r := range all {
		limit := "unlimited"
		if r.MaxExecutions > 0 {
			limit = fmt.Sprint(r.MaxExecutions)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%d/%s\n", r.ID, r.Topic, r.Priority, r.IsActive, r.ExecutionsCount, limit)
	}
	return w.Flush()
}

func runRuleDeactivate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	database, store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	id := types.RuleID(args[0])
	if _, err := store.Rule(ctx, id); err != nil {
		return err
	}
	if err := store.DeactivateRule(ctx, id); err != nil {
		return err
	}
	logger.Info("rule deactivated", "rule_id", id)
	return nil
}
