package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/untoldecay/hive/internal/config"
	"github.com/untoldecay/hive/internal/coord"
	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/storage"
	"github.com/untoldecay/hive/internal/stream"
)

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming server and the reservation sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		if logFile := config.GetString("log.file"); logFile != "" {
			log.SetOutput(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    config.GetInt("log.max-size-mb"),
				MaxBackups: config.GetInt("log.max-backups"),
			})
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		store := event.NewStore(db)
		addr := flagAddr
		if addr == "" {
			addr = config.GetString("stream.addr")
		}
		srv := stream.NewServer(store, addr)
		if err := srv.Start(); err != nil {
			return err
		}
		fmt.Printf("streaming at %s\n", srv.URL())
		log.Printf("hive serve: streaming at %s", srv.URL())

		sweepCtx, stopSweep := context.WithCancel(cmd.Context())
		defer stopSweep()
		go sweepLoop(sweepCtx, db, store, config.GetDuration("sweep-interval"))

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		select {
		case s := <-sig:
			log.Printf("hive serve: received %s, shutting down", s)
		case <-cmd.Context().Done():
		}

		stopSweep()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	},
}

// sweepLoop expires stale reservations for every project that has any.
func sweepLoop(ctx context.Context, db *storage.DB, store *event.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	reservations := coord.NewReservations(store)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		projects, err := activeProjects(ctx, db)
		if err != nil {
			log.Printf("hive serve: sweep project scan: %v", err)
			continue
		}
		for _, project := range projects {
			n, err := reservations.SweepExpired(ctx, project, time.Now())
			if err != nil {
				log.Printf("hive serve: sweep %s: %v", project, err)
				continue
			}
			if n > 0 {
				log.Printf("hive serve: expired %d reservations in %s", n, project)
			}
		}
	}
}

func activeProjects(ctx context.Context, db *storage.DB) ([]string, error) {
	rows, err := db.Query(ctx,
		"SELECT DISTINCT project_key FROM reservations WHERE released_at IS NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (host:port, port 0 for OS-assigned)")
	rootCmd.AddCommand(serveCmd)
}
