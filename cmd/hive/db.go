package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/untoldecay/hive/internal/analytics"
	"github.com/untoldecay/hive/internal/ui"
)

var (
	flagSince  string
	flagUntil  string
	flagEpic   string
	flagFormat string
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Query the store",
}

var dbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available analytics reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		rows := make([][]string, 0)
		for _, name := range analytics.NamedQueryNames() {
			q, err := analytics.LookupNamed(name)
			if err != nil {
				return err
			}
			rows = append(rows, []string{q.Name, strings.Join(q.Parameters, ", "), q.Description})
		}
		return ui.RenderTable(os.Stdout, []string{"name", "parameters", "description"}, rows)
	},
}

var dbQueryCmd = &cobra.Command{
	Use:   "query <sql>",
	Short: "Run a read-only SELECT (capped at 1000 rows)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := analytics.NewRunner(db).RunRaw(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return analytics.Format(os.Stdout, result, flagFormat)
	},
}

var dbAnalyticsCmd = &cobra.Command{
	Use:   "analytics <name>",
	Short: "Run a named analytics report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := analytics.NamedParams{ProjectKey: flagProject, Epic: flagEpic}
		now := time.Now()
		if flagSince != "" {
			t, err := analytics.ParseTime(flagSince, now)
			if err != nil {
				return err
			}
			params.Since = t
		}
		if flagUntil != "" {
			t, err := analytics.ParseTime(flagUntil, now)
			if err != nil {
				return err
			}
			params.Until = t
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		result, err := analytics.NewRunner(db).RunNamed(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}
		if len(result.Rows) == 0 && flagFormat == analytics.FormatTable {
			fmt.Println("no rows")
			return nil
		}
		return analytics.Format(os.Stdout, result, flagFormat)
	},
}

func init() {
	dbAnalyticsCmd.Flags().StringVar(&flagSince, "since", "", "lower time bound (7d, 24h, 30m, or RFC 3339)")
	dbAnalyticsCmd.Flags().StringVar(&flagUntil, "until", "", "upper time bound")
	dbAnalyticsCmd.Flags().StringVar(&flagEpic, "epic", "", "narrow cell reports to one epic id")
	for _, c := range []*cobra.Command{dbQueryCmd, dbAnalyticsCmd} {
		c.Flags().StringVar(&flagFormat, "format", analytics.FormatTable, "output format: table|json|csv|jsonl")
	}

	dbCmd.AddCommand(dbListCmd, dbQueryCmd, dbAnalyticsCmd)
	rootCmd.AddCommand(dbCmd)
}
