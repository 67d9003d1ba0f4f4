package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/quoroom/internal/dashboard"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show an overview of every room",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			rooms, err := dashboard.Overview(gormDB, "")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(rooms) == 0 {
				fmt.Fprintln(out, "No rooms found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ROOM\tNAME\tSTATUS\tAUTONOMY\tWORKERS\tRUNNING\tOPEN DECISIONS\tESCALATIONS")
			for _, s := range rooms {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n", s.Room.ID, s.Room.Name, s.Room.Status,
					s.Settings.AutonomyMode, len(s.Workers), s.RunningCycles, s.OpenDecisions, s.KeeperEscalations)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
