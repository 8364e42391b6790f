package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"omniman/internal/bootstrap"
	"omniman/internal/seed"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert the demo channels",
	Long: `Insert the demo channels (pos, shop, ifood) if they do not exist
yet. Existing channels are never touched, so operator edits survive
re-seeding. The demo price book and stock levels for memory backends load
at process start, not here; they live in the serving process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		created, err := seed.Channels(ctx, app.Store, app.Logger)
		if err != nil {
			return err
		}
		fmt.Printf("Seeded %d channel(s)\n", created)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
