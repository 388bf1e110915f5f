package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/untoldecay/hive/internal/coord"
	"github.com/untoldecay/hive/internal/event"
)

var flagClearViews bool

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild projections from the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := event.NewStore(db).Replay(cmd.Context(), flagProject,
			event.ReplayOptions{ClearViews: flagClearViews})
		if err != nil {
			return err
		}
		fmt.Printf("replayed %d events for %s\n", n, flagProject)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale reservations now",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := coord.NewReservations(event.NewStore(db)).
			SweepExpired(cmd.Context(), flagProject, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("expired %d reservations\n", n)
		return nil
	},
}

func init() {
	replayCmd.Flags().BoolVar(&flagClearViews, "clear-views", true, "truncate projections before replaying")
	rootCmd.AddCommand(replayCmd, sweepCmd)
}
