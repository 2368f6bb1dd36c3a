package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"recurd/internal/app"
	"recurd/internal/schedule"
	"recurd/internal/task/scheduler"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		asJSON  bool
		history int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(opts.cfgPath)
			if err != nil {
				return err
			}
			defer a.Stop(context.Background(), app.StopAppStop)

			views := a.Scheduler().ListSchedules()
			var recs []schedule.ExecutionRecord
			if history > 0 {
				if recs, err = a.Scheduler().Executions(cmd.Context(), "", history); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Schedules  []scheduler.View           `json:"schedules"`
					Executions []schedule.ExecutionRecord `json:"executions,omitempty"`
				}{views, recs})
			}
			printSchedules(out, views)
			if len(recs) > 0 {
				fmt.Fprintln(out)
				printExecutions(out, recs)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().IntVar(&history, "history", 0, "also print the N most recent executions")
	return cmd
}

func printSchedules(w io.Writer, views []scheduler.View) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tRULE\tKIND\tENABLED\tLAST RUN\tNEXT RUN")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			v.ID, v.Name, v.Description, v.Job.Kind, v.Enabled, fmtTimePtr(v.LastRun), fmtTime(v.NextRun))
	}
	_ = tw.Flush()
}

func printExecutions(w io.Writer, recs []schedule.ExecutionRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCHEDULE\tFIRED AT\tDURATION\tOUTCOME\tMANUAL\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
			r.Name, fmtTime(r.FiredAt), r.Duration().Round(time.Millisecond), r.Outcome, r.Manual, r.Error)
	}
	_ = tw.Flush()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04 MST")
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return fmtTime(*t)
}
