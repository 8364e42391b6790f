package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"omniman/internal/bootstrap"
	"omniman/internal/worker"
	"omniman/pkg/cli"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Process queued directives",
	Long: `Process queued directives from the durable queue. By default the
queue is drained once and the command exits 0; with --watch a worker keeps
polling until interrupted. Use this instead of workers.embedded when
directive processing should scale separately from the API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		topics, _ := cmd.Flags().GetStringArray("topic")
		limit, _ := cmd.Flags().GetInt("limit")
		watch, _ := cmd.Flags().GetBool("watch")
		interval, _ := cmd.Flags().GetDuration("interval")

		if err := cli.ValidateTopics(topics); err != nil {
			return err
		}

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

		if interval <= 0 {
			interval = time.Duration(cfg.Workers.PollIntervalMS) * time.Millisecond
		}
		if limit <= 0 {
			limit = cfg.Workers.BatchSize
		}
		runner := worker.NewRunner(app.Store, app.Registry, app.Logger, worker.Config{
			Topics:       topics,
			PollInterval: interval,
			BatchSize:    limit,
			PoolSize:     cfg.Workers.PoolSize,
			Alerts:       app.Alerts,
		})

		if watch {
			if err := runner.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return runner.Stop()
		}

		n, err := runner.Drain(ctx)
		if err != nil {
			return fmt.Errorf("drain stopped after %d directives: %w", n, err)
		}
		fmt.Printf("Processed %d directive(s)\n", n)
		return nil
	},
}

func init() {
	workCmd.Flags().StringArray("topic", nil, "Only claim directives with this topic (repeatable; default all)")
	workCmd.Flags().Int("limit", 0, "Directives claimed per batch (default from config)")
	workCmd.Flags().Bool("watch", false, "Keep polling instead of exiting after a clean drain")
	workCmd.Flags().Duration("interval", 0, "Poll interval when watching (default from config)")
	rootCmd.AddCommand(workCmd)
}
