package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/quoroom/internal/messaging"
)

func newEscalationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalation",
		Short: "Keeper escalation commands",
	}

	cmd.AddCommand(newEscalationListCmd())
	cmd.AddCommand(newEscalationResolveCmd())
	return cmd
}

func newEscalationListCmd() *cobra.Command {
	var (
		configPath string
		roomID     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations awaiting the keeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			escs, err := messaging.PendingForKeeper(gormDB, roomID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(escs) == 0 {
				fmt.Fprintln(out, "No pending escalations.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tROOM\tFROM\tDECISION\tMESSAGE")
			for _, e := range escs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.RoomID, e.FromAgentID, dash(e.DecisionID), truncate(e.Message, 60))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&roomID, "room", "", "only this room")
	return cmd
}

func newEscalationResolveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resolve <escalation-id> <answer>",
		Short: "Answer an escalation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			esc, err := messaging.Resolve(gormDB, nil, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Escalation %s resolved\n", esc.ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
