package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/solatis/pointsflow/internal/core/db"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE:  runMigrateStatus,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if err := db.MigrateUp(ctx, database); err != nil {
		return err
	}
	logger.Info("migrations applied", "database", database.DriverName())
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	statuses, err := db.MigrateStatus(ctx, database)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MIGRATION\tSTATUS\tAPPLIED AT\tDURATION")
	for _, st := range statuses {
		state, at, dur := "pending", "-", "-"
		if st.Applied {
			state = "applied"
			dur = (time.Duration(st.ExecutionMs) * time.Millisecond).String()
			if st.AppliedAt != nil {
				at = st.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.ID, state, at, dur)
	}
	return w.Flush()
}
