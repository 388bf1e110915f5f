// hive is the swarm coordination CLI: event store queries, analytics
// reports, JSONL sync, legacy-store migration, and the streaming server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/hive/internal/config"
	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/storage"
)

var (
	flagDB      string
	flagProject string
)

var rootCmd = &cobra.Command{
	Use:           "hive",
	Short:         "Swarm coordination substrate",
	Long:          "Append-only event log with projections, work-item graph, semantic memory, and live event streams for a fleet of coding agents.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		if flagDB != "" {
			config.Set("database-url", flagDB)
		}
		if spec := config.GetString("debug"); spec != "" {
			debug.SetNamespaces(spec)
		}
		return nil
	},
}

// openStore opens the configured store. The caller closes it.
func openStore(ctx context.Context) (*storage.DB, error) {
	return storage.Open(ctx, config.DatabasePath())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagProject, "project", "default", "project key")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
