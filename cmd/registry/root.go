package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"heliograph/internal/platform/config"
	"heliograph/internal/platform/logger"
)

var (
	cfg *config.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "registry",
	Short: "Canonical document registry",
	Long: `registry assigns one canonical record to every physical document,
deduplicates submissions, tracks processing state and publishes events
through a transactional outbox.

Configuration is read from REGISTRY_* environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.FromEnv()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		log = logger.New(cfg)
		slog.SetDefault(log)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, forwardCmd, migrateCmd)
}

// Execute runs the root command and logs a failure once.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		if log != nil {
			log.Error("command failed", "error", err)
		} else {
			fmt.Fprintln(rootCmd.ErrOrStderr(), "error:", err)
		}
		return err
	}
	return nil
}
