// Command cohort-extractor evaluates the JCVI vaccine eligibility study over
// a clinical data backend and writes one row per patient.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jcvi-cohort-engine/internal/app"
	"github.com/jcvi-cohort-engine/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "cohort-extractor",
		Short:        "JCVI cohort rule evaluation engine",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (default: ./config.yaml)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(resultsCmd())
	return rootCmd
}

func loadManager(cmd *cobra.Command) (*config.Manager, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.NewManager(path)
}

// loadApp reads the configuration and compiles the study.
func loadApp(cmd *cobra.Command) (*app.App, error) {
	manager, err := loadManager(cmd)
	if err != nil {
		return nil, err
	}
	return app.New(manager)
}
