package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"omniman/internal/bootstrap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, metrics server, and embedded directive worker",
	Long: `Run the order hub. The HTTP API listens on app.listen_addr, the
metrics and health sidecar on telemetry.metrics_port, and when
workers.embedded is true a directive worker polls the queue in-process.
SIGINT or SIGTERM triggers a graceful shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bootstrap.LoadOrDefault(configPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := bootstrap.New(ctx, cfg, version)
		if err != nil {
			return err
		}
		defer app.Close()

		return app.Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
