package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jcvi-cohort-engine/internal/app"
	"github.com/jcvi-cohort-engine/internal/results"
)

func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect, export and import stored cohort runs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "runs",
		Short: "List stored runs, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.Runs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, runID := range runs {
				count, err := store.Count(cmd.Context(), runID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%d\n", runID, count)
			}
			return nil
		},
	})

	exportCmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write a run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			var w io.Writer = cmd.OutOrStdout()
			if path, _ := cmd.Flags().GetString("output"); path != "" {
				if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
					return fmt.Errorf("failed to create output directory: %w", err)
				}
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("failed to create export file: %w", err)
				}
				defer f.Close()
				w = f
			}
			return store.ExportJSON(cmd.Context(), args[0], w)
		},
	}
	exportCmd.Flags().StringP("output", "o", "", "Export file (default: stdout)")
	cmd.AddCommand(exportCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "import <export.json>",
		Short: "Load a JSON export; records already stored are skipped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open export: %w", err)
			}
			defer f.Close()

			imported, skipped, err := store.ImportJSON(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d records, skipped %d.\n", imported, skipped)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete every record of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := store.DeleteRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if deleted == 0 {
				return fmt.Errorf("run %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d records.\n", deleted)
			return nil
		},
	})

	return cmd
}

func openStore(cmd *cobra.Command) (results.Store, error) {
	manager, err := loadManager(cmd)
	if err != nil {
		return nil, err
	}
	store, err := app.OpenResults(manager.GetConfig().Results)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("no results store configured: set results.driver")
	}
	return store, nil
}
