package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/quoroom/internal/goal"
	"github.com/zulandar/quoroom/internal/models"
)

func newGoalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Goal tree commands",
	}

	cmd.AddCommand(newGoalAddCmd())
	cmd.AddCommand(newGoalListCmd())
	cmd.AddCommand(newGoalProgressCmd())
	return cmd
}

func newGoalAddCmd() *cobra.Command {
	var (
		configPath string
		opts       goal.CreateOpts
	)

	cmd := &cobra.Command{
		Use:   "add <room-id>",
		Short: "Add a goal, or a subgoal with --parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			opts.RoomID = args[0]
			g, err := goal.Create(gormDB, nil, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created goal %s\n", g.ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.Description, "description", "", "what the goal is (required)")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent goal ID")
	cmd.Flags().StringVar(&opts.AssignedTo, "assign", "", "worker ID the goal is assigned to")
	cmd.MarkFlagRequired("description")
	return cmd
}

func newGoalListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list <room-id>",
		Short: "Print a room's goal tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			roots, err := goal.Tree(gormDB, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(roots) == 0 {
				fmt.Fprintln(out, "No goals found.")
				return nil
			}
			fmt.Fprint(out, goal.Render(roots))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newGoalProgressCmd() *cobra.Command {
	var (
		configPath string
		opts       goal.ProgressOpts
		metric     float64
	)

	cmd := &cobra.Command{
		Use:   "progress <goal-id>",
		Short: "Record progress against a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metric") {
				opts.MetricValue = &metric
			}
			g, err := goal.UpdateProgress(gormDB, nil, args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Goal %s at %.0f%%\n", g.ID, g.Progress*100)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().Float64Var(&opts.Progress, "value", 0, "progress between 0 and 1 (required)")
	cmd.Flags().Float64Var(&metric, "metric", 0, "current value of the goal's metric")
	cmd.Flags().StringVar(&opts.Observation, "note", "", "observation to record")
	cmd.Flags().StringVar(&opts.WorkerID, "by", models.KeeperID, "who made the observation")
	cmd.MarkFlagRequired("value")
	return cmd
}
