package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/hive/internal/cell"
	"github.com/untoldecay/hive/internal/event"
)

var (
	flagDirty  bool
	flagDryRun bool
)

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write cells as JSONL (stdout when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		svc := cell.NewService(event.NewStore(db), nil)

		out := os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		var n int
		if flagDirty {
			n, err = svc.ExportDirty(cmd.Context(), flagProject, out)
		} else {
			n, err = svc.Export(cmd.Context(), flagProject, out)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exported %d cells\n", n)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import cells from a JSONL export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		svc := cell.NewService(event.NewStore(db), nil)

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		counts, err := svc.Import(cmd.Context(), flagProject, f, flagDryRun)
		if err != nil {
			return err
		}
		verb := "imported"
		if flagDryRun {
			verb = "would import"
		}
		fmt.Printf("%s: created=%d updated=%d skipped=%d\n",
			verb, counts.Created, counts.Updated, counts.Skipped)
		return nil
	},
}

func init() {
	exportCmd.Flags().BoolVar(&flagDirty, "dirty", false, "export only cells changed since the last export")
	importCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "report counts without writing")
	rootCmd.AddCommand(exportCmd, importCmd)
}
