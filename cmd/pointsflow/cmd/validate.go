package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/solatis/pointsflow/internal/catalog"
	"github.com/solatis/pointsflow/internal/rules"
	"github.com/solatis/pointsflow/internal/validate"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <graph.json | rules.yaml>...",
	Short: "Validate rule graphs without storing them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("json", false, "print results as JSON")
}

func isRuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func runValidate(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	validator := validate.New(catalog.MustBuiltin())
	importer := rules.NewImporter(nil, validator, logger)

	results := make(map[string]validate.Result)
	failed := 0
	for _, path := range args {
		if !isRuleFile(path) {
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read graph: %w", err)
			}
			res := validator.Validate(raw)
			results[path] = res
			if !res.IsValid {
				failed++
			}
			continue
		}

		defs, err := rules.LoadFile(path)
		if err != nil {
			return err
		}
		for _, r := range defs {
			res, err := importer.Check(r)
			key := path + "#" + string(r.ID)
			if err != nil && res.IsValid {
				// graph is fine, the schedule is not
				res.IsValid = false
				res.Errors = append(res.Errors, validate.Issue{Code: "invalid_schedule", Message: err.Error()})
			}
			results[key] = res
			if !res.IsValid {
				failed++
			}
		}
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			res := results[name]
			state := "valid"
			if !res.IsValid {
				state = "INVALID"
			}
			fmt.Fprintf(out, "%s: %s\n", name, state)
			for _, issue := range res.Errors {
				fmt.Fprintf(out, "  error   %s\n", issue)
			}
			for _, issue := range res.Warnings {
				fmt.Fprintf(out, "  warning %s\n", issue)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d graphs failed validation", failed, len(results))
	}
	return nil
}
