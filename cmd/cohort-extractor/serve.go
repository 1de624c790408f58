package main

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/jcvi-cohort-engine/internal/api"
	"github.com/jcvi-cohort-engine/internal/sink"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API for single patient evaluation and stored runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("port") {
				a.Config.Server.Port, _ = cmd.Flags().GetInt("port")
			}
			if a.Config.Logging.Level == "debug" {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
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

			var opts []api.Option
			var out sink.Sink
			if store != nil {
				opts = append(opts, api.WithResults(store))
				out = sink.NewStoreSink(store, false)
			}
			if a.Config.Backend.Type == "postgres" {
				db, err := a.Database(ctx)
				if err != nil {
					return err
				}
				opts = append(opts, api.WithHealthCheck("database", db.Health))
			}

			server := api.NewServer(a.Config.Server, a.Runner(source, out), a.Logger, opts...)
			return server.Start(ctx)
		},
	}
	cmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	return cmd
}
