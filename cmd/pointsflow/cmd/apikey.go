package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/solatis/pointsflow/internal/core/auth"
	"github.com/solatis/pointsflow/internal/core/config"
	"github.com/spf13/cobra"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Issue and revoke gRPC API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create <client-id>",
	Short: "Issue a new API key; the key is printed once",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyCreate,
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <api-key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyRevoke,
}

func init() {
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyRevokeCmd)
	apikeyCreateCmd.Flags().String("name", "", "human readable key name")
	apikeyCreateCmd.Flags().String("secret-id", "", "HMAC secret id to sign with (defaults to the only configured secret)")
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	secretID, _ := cmd.Flags().GetString("secret-id")
	if secretID == "" {
		if len(secrets) != 1 {
			return fmt.Errorf("--secret-id required when %d HMAC secrets are configured", len(secrets))
		}
		for id := range secrets {
			secretID = id
		}
	}
	secret, ok := secrets[secretID]
	if !ok {
		return fmt.Errorf("HMAC secret %s is not configured", secretID)
	}

	key, hash, err := auth.GenerateAPIKey(secretID, secret)
	if err != nil {
		return err
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

	name, _ := cmd.Flags().GetString("name")
	id := uuid.Must(uuid.NewV7()).String()
	if err := store.CreateAPIKey(ctx, id, args[0], name, hash); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "api_key_id: %s\napi_key:    %s\n", id, key)
	return nil
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
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

	if err := store.RevokeAPIKey(ctx, args[0]); err != nil {
		return err
	}
	logger.Info("api key revoked", "api_key_id", args[0])
	return nil
}
