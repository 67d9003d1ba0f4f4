package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/quoroom/internal/dashboard"
	"github.com/zulandar/quoroom/internal/goal"
	"github.com/zulandar/quoroom/internal/room"
	"gopkg.in/yaml.v3"
)

func newRoomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Room management commands",
	}

	cmd.AddCommand(newRoomCreateCmd())
	cmd.AddCommand(newRoomListCmd())
	cmd.AddCommand(newRoomShowCmd())
	cmd.AddCommand(newRoomPauseCmd())
	cmd.AddCommand(newRoomResumeCmd())
	cmd.AddCommand(newRoomSettingsCmd())
	return cmd
}

func newRoomCreateCmd() *cobra.Command {
	var (
		configPath string
		opts       room.CreateOpts
		autonomy   string
		threshold  string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a room with its queen and root goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			s := room.SettingsFromConfig(cfg.RoomDefaults)
			if autonomy != "" {
				s.AutonomyMode = autonomy
			}
			if threshold != "" {
				s.Threshold = threshold
			}
			opts.Settings = &s

			created, err := room.Create(gormDB, nil, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created room %s (%s)\n", created.Room.ID, created.Room.Name)
			fmt.Fprintf(out, "  queen:     %s (%s)\n", created.Queen.ID, created.Queen.Name)
			fmt.Fprintf(out, "  root goal: %s\n", created.RootGoal.ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.Name, "name", "", "room name (required)")
	cmd.Flags().StringVar(&opts.Goal, "goal", "", "objective of the room (required)")
	cmd.Flags().StringVar(&opts.QueenName, "queen", "", "name of the queen (default \"queen\")")
	cmd.Flags().StringVar(&opts.QueenModel, "model", "", "model the queen runs on")
	cmd.Flags().StringVar(&autonomy, "autonomy", "", "autonomy mode: manual, semi or full")
	cmd.Flags().StringVar(&threshold, "threshold", "", "vote threshold: majority, supermajority or unanimous")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("goal")
	return cmd
}

func newRoomListCmd() *cobra.Command {
	var (
		configPath string
		status     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			rooms, err := room.List(gormDB, status)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(rooms) == 0 {
				fmt.Fprintln(out, "No rooms found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tQUEEN\tGOAL")
			for _, r := range rooms {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Status, r.QueenID, truncate(r.Goal, 40))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, paused)")
	return cmd
}

func newRoomShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <room-id>",
		Short: "Show a room's workers, goals and open business",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			sum, err := dashboard.Summarize(gormDB, args[0])
			if err != nil {
				return err
			}
			tree, err := goal.Tree(gormDB, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			r := sum.Room
			fmt.Fprintf(out, "Room:       %s (%s)\n", r.Name, r.ID)
			fmt.Fprintf(out, "Status:     %s\n", r.Status)
			fmt.Fprintf(out, "Goal:       %s\n", r.Goal)
			fmt.Fprintf(out, "Autonomy:   %s\n", sum.Settings.AutonomyMode)
			fmt.Fprintf(out, "Threshold:  %s\n", sum.Settings.Threshold)
			fmt.Fprintf(out, "Running:    %d cycle(s)\n", sum.RunningCycles)
			fmt.Fprintf(out, "Decisions:  %d open\n", sum.OpenDecisions)
			fmt.Fprintf(out, "Escalated:  %d awaiting keeper\n", sum.KeeperEscalations)

			fmt.Fprintln(out, "\nWorkers:")
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  ID\tNAME\tROLE\tSTATE\tVOTES")
			for _, wk := range sum.Workers {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d/%d\n", wk.ID, wk.Name, wk.Role, wk.AgentState,
					wk.VotesCast, wk.VotesCast+wk.VotesMissed)
			}
			w.Flush()

			fmt.Fprintln(out, "\nGoals:")
			fmt.Fprint(out, goal.Render(tree))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newRoomPauseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "pause <room-id>",
		Short: "Stop scheduling new cycles in a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := room.Pause(gormDB, nil, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Room %s paused\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newRoomResumeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resume <room-id>",
		Short: "Resume scheduling in a paused room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := room.Resume(gormDB, nil, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Room %s resumed\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newRoomSettingsCmd() *cobra.Command {
	var (
		configPath string
		sets       []string
	)

	cmd := &cobra.Command{
		Use:   "settings <room-id>",
		Short: "Show or change a room's settings",
		Long: `Prints the room's settings. Each --set key=value replaces one setting;
values are parsed as YAML, so lists are written as [a,b].`,
		Example: "  qr room settings room-1a2b --set autonomy_mode=full --set auto_approve=[low_impact]",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			s, version, err := room.LoadSettings(gormDB, args[0])
			if err != nil {
				return err
			}
			if len(sets) > 0 {
				if s, err = applySettings(s, sets); err != nil {
					return err
				}
				if version, err = room.ReplaceSettings(gormDB, nil, args[0], version, s); err != nil {
					return err
				}
			}

			data, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Settings version %d\n", version)
			fmt.Fprintln(out, string(data))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringArrayVar(&sets, "set", nil, "setting to change, as key=value (repeatable)")
	return cmd
}

// applySettings overlays key=value pairs onto s by way of its JSON form.
func applySettings(s room.Settings, sets []string) (room.Settings, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return s, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return s, err
	}
	known := map[string]bool{}
	for k := range fields {
		known[k] = true
	}
	// omitempty fields are absent from the encoding when unset.
	known["auto_approve"], known["quiet_from"], known["quiet_until"] = true, true, true

	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return s, fmt.Errorf("invalid --set %q: want key=value", kv)
		}
		if !known[key] {
			return s, fmt.Errorf("unknown setting %q", key)
		}
		var v any
		if err := yaml.Unmarshal([]byte(value), &v); err != nil {
			return s, fmt.Errorf("setting %s: %w", key, err)
		}
		fields[key] = v
	}

	raw, err = json.Marshal(fields)
	if err != nil {
		return s, err
	}
	var next room.Settings
	if err := json.Unmarshal(raw, &next); err != nil {
		return s, fmt.Errorf("apply settings: %w", err)
	}
	return next, nil
}
