package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jcvi-cohort-engine/internal/eventstore"
)

const importBatchSize = 500

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <patients.json|patients.jsonl|->",
		Short: "Load patient histories into the configured backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open patients file: %w", err)
				}
				defer f.Close()
				in = f
			}

			patients, err := eventstore.ReadPatients(in)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			importer, err := a.Importer(ctx)
			if err != nil {
				return err
			}

			events := 0
			for start := 0; start < len(patients); start += importBatchSize {
				end := min(start+importBatchSize, len(patients))
				if err := importer.Import(ctx, patients[start:end]...); err != nil {
					return fmt.Errorf("importing patients %d-%d: %w", start+1, end, err)
				}
				for _, p := range patients[start:end] {
					events += len(p.Events)
				}
			}

			a.Logger.WithFields(logrus.Fields{
				"backend":  a.Config.Backend.Type,
				"patients": len(patients),
				"events":   events,
			}).Info("Patients imported")
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d patients with %d events.\n", len(patients), events)
			return nil
		},
	}
}
