package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jcvi-cohort-engine/internal/cohort"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate the study for every patient and write the cohort rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("workers") {
				a.Config.Runner.Workers, _ = cmd.Flags().GetInt("workers")
			}
			if cmd.Flags().Changed("output") {
				a.Config.Output.Path, _ = cmd.Flags().GetString("output")
			}
			if cmd.Flags().Changed("format") {
				a.Config.Output.Format, _ = cmd.Flags().GetString("format")
			}
			if cmd.Flags().Changed("include-internal") {
				a.Config.Runner.IncludeInternal, _ = cmd.Flags().GetBool("include-internal")
			}

			ids, err := patientSelection(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			source, err := a.Source(ctx)
			if err != nil {
				return err
			}
			store, err := a.Results()
			if err != nil {
				return err
			}
			out, err := a.Sinks(store)
			if err != nil {
				return err
			}

			var opts []cohort.Option
			if populationOnly, _ := cmd.Flags().GetBool("population-only"); populationOnly {
				opts = append(opts, cohort.PopulationOnly())
			}
			runner := a.Runner(source, out, opts...)

			var summary *cohort.Summary
			if len(ids) > 0 {
				summary, err = runner.Run(ctx, ids)
			} else {
				summary, err = runner.RunAll(ctx)
			}
			if summary != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(summary); encErr != nil {
					return encErr
				}
			}
			if err != nil {
				return err
			}
			if failOnError, _ := cmd.Flags().GetBool("fail-on-error"); failOnError && summary.Failed > 0 {
				return fmt.Errorf("%d of %d patients failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("patients", nil, "Patient IDs to evaluate (default: every patient in the backend)")
	cmd.Flags().String("patients-file", "", "File with one patient ID per line")
	cmd.Flags().Int("workers", 0, "Concurrent patient evaluations (overrides runner.workers)")
	cmd.Flags().StringP("output", "o", "", "Output file (overrides output.path)")
	cmd.Flags().String("format", "", "Output format: csv or jsonl (overrides output.format)")
	cmd.Flags().Bool("include-internal", false, "Include sub-variables in every row")
	cmd.Flags().Bool("population-only", false, "Mark patients outside the study population as excluded")
	cmd.Flags().Bool("fail-on-error", false, "Exit non-zero when any patient fails")
	return cmd
}

// patientSelection merges --patients and --patients-file. Blank lines and
// lines starting with # are skipped.
func patientSelection(cmd *cobra.Command) ([]string, error) {
	ids, _ := cmd.Flags().GetStringSlice("patients")
	path, _ := cmd.Flags().GetString("patients-file")
	if path == "" {
		return ids, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open patients file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read patients file: %w", err)
	}
	return ids, nil
}
