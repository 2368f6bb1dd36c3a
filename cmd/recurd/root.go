package main

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	cfgPath string
	envFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "recurd",
		Short: "Recurring job scheduler",
		Long: `recurd fires jobs on daily, weekly, monthly or cron rules.

Schedules are declared in the config file and upserted by name; state and
execution history survive restarts when storage is enabled.

Examples:

  # Run the daemon
  recurd run -c /etc/recurd/recurd.yaml

  # Preview a rule
  recurd next --frequency monthly --day 31 --at 01:00 -n 6

  # Show persisted schedules
  recurd list -c recurd.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(opts.envFile)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.cfgPath, "config", "c", envOr("RECURD_CONFIG", ""), "config file (JSON or YAML); empty uses built-in defaults")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config; missing is fine")

	cmd.AddCommand(
		newRunCmd(opts),
		newNextCmd(),
		newListCmd(opts),
		newTriggerCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadEnv loads path into the environment without overriding variables
// that are already set.
func loadEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
