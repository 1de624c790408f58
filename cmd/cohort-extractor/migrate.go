package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jcvi-cohort-engine/internal/config"
	"github.com/jcvi-cohort-engine/internal/database"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema for clinical events and results",
	}
	cmd.PersistentFlags().String("dir", "", "Migrations directory (default: migrations built into the binary)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := migrationRunner(cmd)
			if err != nil {
				return err
			}
			defer runner.Close()

			if err := runner.Up(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			return printStatus(cmd, runner)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := migrationRunner(cmd)
			if err != nil {
				return err
			}
			defer runner.Close()

			if err := runner.Down(cmd.Context()); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			return printStatus(cmd, runner)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := migrationRunner(cmd)
			if err != nil {
				return err
			}
			defer runner.Close()
			return printStatus(cmd, runner)
		},
	})

	return cmd
}

func migrationRunner(cmd *cobra.Command) (*database.MigrationRunner, error) {
	manager, err := loadManager(cmd)
	if err != nil {
		return nil, err
	}
	cfg := manager.GetConfig()
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.Database.MigrationsPath
	}
	return database.NewMigrationRunner(manager.DatabaseURL(), dir, logger)
}

func printStatus(cmd *cobra.Command, runner *database.MigrationRunner) error {
	status, err := runner.Status()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !status.Initialised {
		fmt.Fprintln(out, "No migrations applied.")
		return nil
	}
	state := "clean"
	if status.Dirty {
		state = "dirty"
	}
	fmt.Fprintf(out, "Schema version %d (%s)\n", status.Version, state)
	return nil
}
