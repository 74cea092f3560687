package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"automator/internal/services"

	"github.com/spf13/cobra"
)

var (
	tickAt   string
	tickJSON bool
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler tick and print the report",
	Long: `Run one scheduler tick against the configured database and print the per-rule report.
Each due rule claims its window in the database before any action runs. A rule
whose window was already claimed by a live server or another tick is reported as
skipped and its actions are not run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		if tickAt != "" {
			t, err := time.Parse(time.RFC3339, tickAt)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			now = t
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go a.Hub.Run(ctx)

		report, err := a.Service.Tick(ctx, now)
		if report != nil {
			if perr := printReport(cmd.OutOrStdout(), report, tickJSON); perr != nil {
				return perr
			}
		}
		return err
	},
}

func init() {
	tickCmd.Flags().StringVar(&tickAt, "at", "", "evaluate as of this RFC3339 time (default now)")
	tickCmd.Flags().BoolVar(&tickJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(tickCmd)
}

func printReport(w io.Writer, report *services.RunReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintf(w, "considered=%d executed=%d skipped=%d errors=%d (%s)\n",
		report.Considered, report.Executed, report.Skipped, report.Errors,
		report.FinishedAt.Sub(report.StartedAt).Truncate(time.Millisecond))
	if len(report.Entries) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tNAME\tSTATUS\tWINDOW\tDETAIL")
	for _, e := range report.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.RuleID, e.Name, e.Status, e.WindowID, e.Detail)
	}
	return tw.Flush()
}
