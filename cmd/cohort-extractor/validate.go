package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the codelists and dates and compile the study without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			groups := a.Study.Groups.Graph()
			covariates := a.Study.Covariates.Graph()
			fmt.Fprintf(out, "Codelists:       %d\n", a.Registry.Len())
			fmt.Fprintf(out, "Reference dates: %d\n", len(a.Dates.Names()))
			fmt.Fprintf(out, "Group variables: %d (%d output)\n", groups.Len(), len(groups.Outputs()))
			fmt.Fprintf(out, "Covariates:      %d (%d output)\n", covariates.Len(), len(covariates.Outputs()))
			fmt.Fprintln(out, "Study definition is valid.")
			return nil
		},
	}
}
