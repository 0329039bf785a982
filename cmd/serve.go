package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API",
		Long: `Starts the HTTP server exposing the control API, progress endpoints and
Prometheus metrics. Blocks until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			return appInstance.Run(cmd.Context())
		}),
	}
}
