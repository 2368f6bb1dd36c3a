package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"recurd/internal/app"
	"recurd/internal/schedule"
)

func newTriggerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <name|id>",
		Short: "Run a schedule once now, outside its rule",
		Long: `trigger runs the schedule's job immediately in this process. LastRun is
updated; NextRun is not. Use it against a stopped daemon's storage, or with
storage disabled to test a job definition.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(opts.cfgPath)
			if err != nil {
				return err
			}
			defer a.Stop(context.Background(), app.StopAppStop)

			// Seeds are not applied without Start; resolve against persisted state.
			sched := a.Scheduler()
			id := args[0]
			if sc, ok := sched.Store().FindByName(id); ok {
				id = sc.ID
			}

			rec, err := sched.TriggerNow(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s in %s\n", rec.Name, rec.Outcome, rec.Duration())
			if rec.Output != nil {
				fmt.Fprintf(out, "%v\n", rec.Output)
			}
			if rec.Outcome == schedule.Failure {
				return fmt.Errorf("job failed: %s", rec.Error)
			}
			return nil
		},
	}
}
