package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/store"
	"github.com/xkilldash9x/webpilot/internal/trace"
)

// connectIndex opens the Postgres run index. Replaced in tests.
var connectIndex = store.Connect

func newTraceCmd() *cobra.Command {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded runs",
	}
	traceCmd.AddCommand(newTraceShowCmd())
	traceCmd.AddCommand(newTraceRunsCmd())
	return traceCmd
}

func newTraceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-dir>",
		Short: "Print the steps of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := trace.Load(args[0])
			if err != nil {
				return err
			}
			return t.Render(cmd.OutOrStdout())
		},
	}
}

func newTraceRunsCmd() *cobra.Command {
	var limit int
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the trace index (requires trace.postgres_url)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			url := cfg.Trace().PostgresURL
			if url == "" {
				return errors.New("no trace index configured; set WEBPILOT_TRACE_POSTGRES_URL")
			}

			ctx := cmd.Context()
			s, closeFn, err := connectIndex(ctx, url, observability.GetLogger())
			if err != nil {
				return err
			}
			defer closeFn()

			runs, err := s.RecentRuns(ctx, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tSTEPS\tGOAL")
			for _, r := range runs {
				status := string(r.Status)
				if r.LastErrorKind != "" {
					status += " (" + string(r.LastErrorKind) + ")"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					r.RunID, r.StartedAt.Local().Format(time.DateTime), status, r.Steps, r.Goal)
			}
			return tw.Flush()
		},
	}
	runsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return runsCmd
}
