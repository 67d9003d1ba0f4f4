package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/quorum"
)

func newDecisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decision",
		Short: "Quorum decision commands",
	}

	cmd.AddCommand(newDecisionProposeCmd())
	cmd.AddCommand(newDecisionVoteCmd())
	cmd.AddCommand(newDecisionResolveCmd())
	cmd.AddCommand(newDecisionListCmd())
	cmd.AddCommand(newDecisionVotesCmd())
	return cmd
}

func newDecisionProposeCmd() *cobra.Command {
	var (
		configPath string
		opts       quorum.ProposeOpts
	)

	cmd := &cobra.Command{
		Use:   "propose <room-id> <proposal>",
		Short: "Put a proposal to a room's vote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			opts.RoomID, opts.Proposal = args[0], args[1]
			d, err := quorum.New(gormDB, nil).Propose(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Decision %s is %s (threshold %s)\n", d.ID, d.Status, d.Threshold)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.ProposerID, "by", models.KeeperID, "proposer worker ID")
	cmd.Flags().StringVar(&opts.Type, "type", "", "threshold or category (default the room's threshold)")
	return cmd
}

func newDecisionVoteCmd() *cobra.Command {
	var (
		configPath string
		voter      string
		reasoning  string
	)

	cmd := &cobra.Command{
		Use:   "vote <decision-id> <yes|no|abstain>",
		Short: "Cast or replace a ballot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			d, err := quorum.New(gormDB, nil).CastVote(cmd.Context(), args[0], voter, args[1], reasoning)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Voted %s on %s; decision is %s\n", args[1], d.ID, d.Status)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&voter, "as", models.KeeperID, "voter ID")
	cmd.Flags().StringVar(&reasoning, "reason", "", "reasoning recorded with the ballot")
	return cmd
}

func newDecisionResolveCmd() *cobra.Command {
	var (
		configPath string
		resolution string
	)

	cmd := &cobra.Command{
		Use:   "resolve <decision-id> <approved|rejected|expired>",
		Short: "Close an open decision by keeper fiat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			d, err := quorum.New(gormDB, nil).Resolve(cmd.Context(), args[0], args[1], resolution, models.KeeperID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Decision %s %s\n", d.ID, d.Status)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&resolution, "resolution", "", "resolution text")
	return cmd
}

func newDecisionListCmd() *cobra.Command {
	var (
		configPath string
		status     string
	)

	cmd := &cobra.Command{
		Use:   "list <room-id>",
		Short: "List a room's decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			decisions, err := quorum.New(gormDB, nil).List(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(decisions) == 0 {
				fmt.Fprintln(out, "No decisions found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTHRESHOLD\tPROPOSER\tTIMEOUT\tPROPOSAL")
			for _, d := range decisions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Status, d.Threshold, d.ProposerID,
					formatTime(d.TimeoutAt), truncate(d.Proposal, 40))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, approved, rejected, expired)")
	return cmd
}

func newDecisionVotesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "votes <decision-id>",
		Short: "Show the ballots and tally of a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			q := quorum.New(gormDB, nil)
			ballots, err := q.Votes(cmd.Context(), args[0], models.KeeperID)
			if err != nil {
				return err
			}
			tally, err := q.Tally(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tally: %d yes, %d no, %d abstain of %d eligible\n",
				tally.Yes, tally.No, tally.Abstain, tally.Eligible)
			if len(ballots) == 0 {
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VOTER\tVOTE\tREASONING")
			for _, b := range ballots {
				fmt.Fprintf(w, "%s\t%s\t%s\n", b.VoterID, dash(b.Vote), dash(truncate(b.Reasoning, 60)))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
