package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/castellan/quarry/cmd/quarry/commands"
	"github.com/castellan/quarry/logger"
)

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "quarry - Cluster-safe scheduler storage backend",
	Long: `quarry - Persistent, cluster-safe storage backend for a job scheduler.

Operational commands for a quarry deployment: run migrations, inspect
triggers and cluster membership, and force a recovery sweep.

Examples:
  quarry migrate                  # Create or update the schema
  quarry triggers ls              # List triggers with state and next fire
  quarry checkins ls              # Show cluster members and staleness
  quarry recover                  # Sweep work held by dead instances`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to a config file (QUARRY_* env vars apply regardless)")

	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.TriggersCmd)
	rootCmd.AddCommand(commands.CheckinsCmd)
	rootCmd.AddCommand(commands.RecoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
