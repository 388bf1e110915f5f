package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/untoldecay/hive/internal/cell"
	"github.com/untoldecay/hive/internal/event"
)

// watchDebounce coalesces editor write bursts into one import.
const watchDebounce = 500 * time.Millisecond

var watchCmd = &cobra.Command{
	Use:   "watch <file>",
	Short: "Import a JSONL export whenever it changes",
	Long:  "Watches a JSONL cell export (typically kept in git) and imports it into the store on every change. Content-hash dedup makes repeated imports cheap.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		svc := cell.NewService(event.NewStore(db), nil)

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()

		// Watch the directory: editors replace files, which drops a
		// watch placed on the file itself.
		dir := filepath.Dir(path)
		if err := watcher.Add(dir); err != nil {
			return err
		}
		target := filepath.Clean(path)
		fmt.Fprintf(os.Stderr, "watching %s\n", target)

		var timer *time.Timer
		pending := make(chan struct{}, 1)
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case err, open := <-watcher.Errors:
				if !open {
					return nil
				}
				fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
			case ev, open := <-watcher.Events:
				if !open {
					return nil
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case pending <- struct{}{}:
					default:
					}
				})
			case <-pending:
				f, err := os.Open(target)
				if err != nil {
					fmt.Fprintf(os.Stderr, "open %s: %v\n", target, err)
					continue
				}
				counts, err := svc.Import(cmd.Context(), flagProject, f, false)
				f.Close()
				if err != nil {
					fmt.Fprintf(os.Stderr, "import: %v\n", err)
					continue
				}
				if counts.Created+counts.Updated > 0 {
					fmt.Printf("imported: created=%d updated=%d skipped=%d\n",
						counts.Created, counts.Updated, counts.Skipped)
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
