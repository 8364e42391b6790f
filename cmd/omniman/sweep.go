package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"omniman/internal/bootstrap"
	"omniman/internal/storage"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep-idempotency",
	Short: "Delete aged idempotency keys",
	Long: `Delete done and failed idempotency rows older than --days, plus any
row whose expiry has passed. With --include-in-progress, in_progress rows
older than one hour are removed too; those are locks orphaned by a commit
that crashed before writing its result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		includeInProgress, _ := cmd.Flags().GetBool("include-in-progress")

		cfg, err := bootstrap.LoadOrDefault(configPath)
		if err != nil {
			return err
		}

		ctx := context.Background()
		app, err := bootstrap.New(ctx, cfg, version)
		if err != nil {
			return err
		}
		defer app.Close()

		removed, err := app.Store.SweepIdempotencyKeys(ctx, storage.SweepOptions{
			Now:               time.Now().UTC(),
			OlderThan:         time.Duration(days) * 24 * time.Hour,
			IncludeInProgress: includeInProgress,
			InProgressAge:     time.Hour,
			DryRun:            dryRun,
		})
		if err != nil {
			return err
		}

		if dryRun {
			fmt.Printf("Would remove %d idempotency row(s)\n", removed)
		} else {
			fmt.Printf("Removed %d idempotency row(s)\n", removed)
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().Int("days", 7, "Retention window for done and failed rows")
	sweepCmd.Flags().Bool("dry-run", false, "Count matching rows without deleting them")
	sweepCmd.Flags().Bool("include-in-progress", false, "Also remove in_progress rows older than one hour")
	rootCmd.AddCommand(sweepCmd)
}
