package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/untoldecay/hive/internal/migrate"
	"github.com/untoldecay/hive/internal/ui"
)

var flagMigrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate [source]",
	Short: "Merge an older project-local store into the global store",
	Long:  "Copies rows from a legacy project-local store into the configured global store with INSERT OR IGNORE, then renames the source to a timestamped backup. Without an argument the source is auto-detected beside the working directory.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := ""
		if len(args) == 1 {
			source = args[0]
		} else {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			path, ok := migrate.DetectLocalStore(cwd)
			if !ok {
				fmt.Println("no project-local store found")
				return nil
			}
			source = path
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := migrate.Run(cmd.Context(), db, source,
			migrate.Options{DryRun: flagMigrateDryRun})
		if err != nil {
			return err
		}

		tables := make([]string, 0, len(result.Tables))
		for name := range result.Tables {
			tables = append(tables, name)
		}
		sort.Strings(tables)
		rows := make([][]string, 0, len(tables))
		for _, name := range tables {
			rows = append(rows, []string{name, strconv.Itoa(result.Tables[name])})
		}
		if err := ui.RenderTable(os.Stdout, []string{"table", "rows"}, rows); err != nil {
			return err
		}

		if result.DryRun {
			fmt.Printf("dry run: %d rows in %s would be considered\n", result.Total(), result.Source)
		} else {
			fmt.Printf("migrated %d rows; source backed up to %s\n", result.Total(), result.BackupPath)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&flagMigrateDryRun, "dry-run", false, "report counts without writing")
	rootCmd.AddCommand(migrateCmd)
}
