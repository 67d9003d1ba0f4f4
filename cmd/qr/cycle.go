package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/quoroom/internal/dashboard"
)

func newCycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Cycle history commands",
	}

	cmd.AddCommand(newCycleListCmd())
	cmd.AddCommand(newCycleLogsCmd())
	return cmd
}

func newCycleListCmd() *cobra.Command {
	var (
		configPath string
		f          dashboard.CycleFilter
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cycles, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			cycles, err := dashboard.Cycles(gormDB, f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(cycles) == 0 {
				fmt.Fprintln(out, "No cycles found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWORKER\tSTATUS\tTURNS\tTOKENS\tDURATION\tSTARTED\tERROR")
			for _, c := range cycles {
				started := c.StartedAt
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\t%s\n", c.ID, c.WorkerID, c.Status, c.Turns,
					c.InputTokens, c.OutputTokens, time.Duration(c.DurationMs)*time.Millisecond,
					formatTime(&started), dash(truncate(c.ErrorMessage, 40)))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&f.RoomID, "room", "", "filter by room")
	cmd.Flags().StringVar(&f.WorkerID, "worker", "", "filter by worker")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status (running, completed, failed)")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum cycles to show")
	return cmd
}

func newCycleLogsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "logs <cycle-id>",
		Short: "Print a cycle's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			logs, err := dashboard.CycleLogs(gormDB, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range logs {
				fmt.Fprintf(out, "#%d [%s] %s\n", l.Seq, l.EntryType, l.Content)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
