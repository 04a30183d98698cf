package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brighthome/dispatch/cmd/dispatchd/commands"
	"github.com/brighthome/dispatch/logger"
)

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "dispatchd - booking dispatch and cleaner allocation daemon",
	Long: `dispatchd - the dispatch core of the cleaning marketplace.

dispatchd owns the booking lifecycle state machine, the cleaner allocation
engine, surge pricing, and the background SLA monitor.

Available commands:
  serve   - Start the dispatch daemon
  migrate - Apply database migrations and exit
  status  - Show live job and cleaner counts
  version - Show build information

Examples:
  dispatchd serve                  # Start with dispatch.toml + env config
  dispatchd migrate --db dispatch.db
  dispatchd status`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
