package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/xdt/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		runID  string
		limit  int
		offset int
		level  string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled runs and events",
		Long: `Show the runs recorded in the run journal, most recent first. With --run,
show the events of one run in the order they were recorded.

The journal must be enabled in the configuration (journal.enabled and
journal.path).`,
		Example: `  # List recent runs
  xdt history

  # Show the events of a run
  xdt history --run 3f2c9a1e-...

  # Only construction failures
  xdt history --run 3f2c9a1e-... --level error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Journal.Enabled {
				return fmt.Errorf("journal is not enabled in the configuration")
			}

			ctx := cmd.Context()
			store, err := stores.Open(ctx, stores.Config{Path: cfg.Journal.Path})
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if runID == "" {
				runs, err := store.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, runs)
				}

				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tSCRIPT")
				for _, r := range runs {
					duration := "-"
					if r.CompletedAt != nil {
						duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.StartedAt.Local().Format(time.DateTime), duration, r.ScriptPath)
				}
				return w.Flush()
			}

			run, err := store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			events, err := store.ListEvents(ctx, stores.EventFilter{RunID: runID, Level: stores.EventLevel(level)}, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, map[string]any{"run": run, "events": events})
			}

			fmt.Fprintf(out, "Run %s: %s\n", run.ID, run.Status)
			if run.Error != nil {
				fmt.Fprintf(out, "Error: %s\n", *run.Error)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tLEVEL\tTYPE\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "show the events of this run")
	cmd.Flags().StringVar(&level, "level", "", "only events of this level (info, warning, error)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	return cmd
}
