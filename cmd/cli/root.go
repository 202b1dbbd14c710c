package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"pgagent/cmd/cli/killcmd"
	"pgagent/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "pgagent",
	Short: "pgagent - runs jobs scheduled in the pgagent schema",
	Long: `pgagent polls a Postgres database for due jobs in the pgagent schema and runs their SQL
and batch steps, recording the outcome in the job logs.

Start an agent with "pgagent run agent". Any number of agents can serve the same database.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(killcmd.Command)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
