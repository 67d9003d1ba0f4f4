package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "quoroom.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Quoroom: self-governing rooms of agents",
		Long:  "Quoroom runs rooms of agents that pursue a goal in cycles and settle decisions by quorum vote.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newRoomCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newGoalCmd())
	cmd.AddCommand(newDecisionCmd())
	cmd.AddCommand(newEscalationCmd())
	cmd.AddCommand(newCycleCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "qr %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
