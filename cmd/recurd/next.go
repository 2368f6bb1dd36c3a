package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"recurd/internal/recurrence"
)

func newNextCmd() *cobra.Command {
	var (
		spec  recurrence.Spec
		count int
		from  string
	)
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Preview the next fire times of a rule",
		Example: `  recurd next --frequency daily --at 00:00
  recurd next --frequency weekly --weekday sunday --at 01:00 --tz Europe/Berlin
  recurd next --frequency monthly --day 31 --at 01:00 -n 12
  recurd next --frequency cron --cron "*/15 9-17 * * 1-5"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := spec.Rule(time.UTC)
			if err != nil {
				return err
			}
			after := time.Now()
			if from != "" {
				if after, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, rule.String())
			if expr, ok := rule.CronSpec(); ok && rule.Frequency() != recurrence.Cron {
				fmt.Fprintf(out, "cron: %s\n", expr)
			}
			loc := rule.Location()
			for _, t := range rule.Upcoming(after, count) {
				fmt.Fprintf(out, "  %s  %s\n", t.In(loc).Format("Mon 2006-01-02 15:04 MST"), t.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec.Frequency, "frequency", "daily", "daily, weekly, monthly or cron")
	f.StringVar(&spec.At, "at", "", "time of day, HH:MM")
	f.StringVar(&spec.Weekday, "weekday", "", "weekday for weekly rules (e.g. sunday)")
	f.IntVar(&spec.DayOfMonth, "day", 0, "day of month for monthly rules (1-31; short months clamp)")
	f.StringVar(&spec.Cron, "cron", "", "5-field cron expression for cron rules")
	f.StringVar(&spec.Timezone, "tz", "", "IANA timezone (default UTC)")
	f.IntVarP(&count, "count", "n", 5, "number of fire times to print")
	f.StringVar(&from, "from", "", "start instant, RFC 3339 (default now)")
	return cmd
}
