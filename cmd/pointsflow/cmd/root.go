package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/solatis/pointsflow/internal/core/config"
	"github.com/solatis/pointsflow/internal/core/db"
	"github.com/spf13/cobra"
)

// Version is the release version reported by serve.
const Version = "0.1.0"

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string

	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:           "pointsflow",
	Short:         "pointsflow loyalty rule engine",
	Long:          `pointsflow evaluates loyalty rule graphs against business events and applies each rule at most once per subject and operation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(logLevel, logFormat)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (json, text)", format)
	}
}

// loadConfig applies --db-url over the loaded configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbURL != "" {
		cfg.Database.URL = dbURL
	}
	return cfg, nil
}

// openStore opens the database and refuses to continue with pending
// migrations.
func openStore(ctx context.Context, cfg *config.Config) (*sqlx.DB, *db.Store, error) {
	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	statuses, err := db.MigrateStatus(ctx, database)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, st := range statuses {
		if !st.Applied {
			database.Close()
			return nil, nil, fmt.Errorf("migration %s not applied - run 'pointsflow migrate' first", st.ID)
		}
	}
	store, err := db.NewStore(database)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to load queries: %w", err)
	}
	return database, store, nil
}
