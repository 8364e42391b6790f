// Command omniman runs the omnichannel order hub: an HTTP kernel that turns
// mutable channel sessions into sealed orders and drives the side-effect
// directive queue.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "omniman",
	Short: "Omnichannel order hub kernel",
	Long: `omniman is the order hub kernel: sessions are built up per sales
channel, committed into immutable orders, and side effects (stock holds,
payment capture, notifications) run through a durable directive queue.

Configuration is read from --config, falling back to configs/omniman.yaml
and then to built-in defaults (sqlite store, memory backends).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
}
