package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/room"
	"github.com/zulandar/quoroom/internal/scheduler"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker management commands",
	}

	cmd.AddCommand(newWorkerAddCmd())
	cmd.AddCommand(newWorkerListCmd())
	cmd.AddCommand(newWorkerRemoveCmd())
	cmd.AddCommand(newWorkerUnblockCmd())
	cmd.AddCommand(newWorkerStartCmd())
	cmd.AddCommand(newWorkerStopCmd())
	return cmd
}

func newWorkerAddCmd() *cobra.Command {
	var (
		configPath string
		opts       room.WorkerOpts
	)

	cmd := &cobra.Command{
		Use:   "add <room-id>",
		Short: "Add a worker to a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			w, err := room.AddWorker(gormDB, nil, args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added worker %s (%s) to room %s\n", w.ID, w.Name, w.RoomID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.Name, "name", "", "worker name (required)")
	cmd.Flags().StringVar(&opts.Model, "model", "", "model the worker runs on")
	cmd.Flags().BoolVar(&opts.NoVote, "no-vote", false, "exclude the worker from voting")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newWorkerListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list <room-id>",
		Short: "List the workers of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			workers, err := room.Workers(gormDB, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(workers) == 0 {
				fmt.Fprintln(out, "No workers found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tROLE\tSTATE\tVOTER\tLAST CYCLE\tWIP")
			for _, wk := range workers {
				wip := ""
				if wk.WIP != nil {
					wip = *wk.WIP
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n", wk.ID, wk.Name, wk.Role, wk.AgentState,
					wk.CanVote, formatTime(wk.LastCycleEndedAt), dash(truncate(wip, 40)))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newWorkerRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove <worker-id>",
		Short: "Remove an idle worker from its room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := room.DeleteWorker(gormDB, nil, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed worker %s\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newWorkerUnblockCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "unblock <worker-id>",
		Short: "Return a blocked worker to idle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			w, err := room.Unblock(gormDB, nil, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Worker %s is %s\n", w.ID, w.AgentState)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newWorkerStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start <worker-id>",
		Short: "Run one cycle of a worker in the foreground",
		Long: `Starts a keeper-initiated cycle and waits for it to end. The autonomy
mode is not consulted; every other scheduling rule applies. Interrupting
the command asks the cycle to stop at its next turn boundary.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg, gormDB, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			c, err := rt.Scheduler.Start(ctx, args[0], scheduler.StartOpts{Manual: true})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Started cycle %s\n", c.ID)

			if done := rt.Scheduler.Done(args[0]); done != nil {
				select {
				case <-done:
				case <-ctx.Done():
					fmt.Fprintln(out, "Stopping at the next turn boundary...")
					rt.Scheduler.StopAll(context.Background(), "interrupted by keeper")
				}
			}
			rt.Scheduler.Wait()

			var final models.Cycle
			if err := gormDB.Where("id = ?", c.ID).First(&final).Error; err != nil {
				return fmt.Errorf("load cycle %s: %w", c.ID, err)
			}
			printCycleResult(out, &final)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func printCycleResult(out io.Writer, c *models.Cycle) {
	fmt.Fprintf(out, "Cycle %s %s after %d turn(s) in %s\n", c.ID, c.Status, c.Turns,
		(time.Duration(c.DurationMs) * time.Millisecond).Round(time.Millisecond))
	if c.Status == models.CycleFailed {
		fmt.Fprintf(out, "  %s: %s\n", c.FailureKind, c.ErrorMessage)
	}
}

func newWorkerStopCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "stop <worker-id>",
		Short: "Ask a running cycle to stop",
		Long: `Asks the serving process to stop the worker's running cycle at its next
turn boundary. Repeating the request after the stop grace period has
passed force-fails the cycle.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, _, err := connectFromConfig(configPath)
				if err != nil {
					return err
				}
				addr = fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port)
			}
			c, err := requestStop(cmd.Context(), addr, args[0], reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for cycle %s (%s)\n", c.ID, c.Status)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&addr, "addr", "", "dashboard address (default from config)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the cycle")
	return cmd
}

// requestStop posts a stop request to a running dashboard.
func requestStop(ctx context.Context, addr, workerID, reason string) (*models.Cycle, error) {
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(addr, "/") + "/api/workers/" + workerID + "/stop"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stop %s: %w", workerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return nil, fmt.Errorf("stop %s: %s", workerID, e.Error)
	}
	var c models.Cycle
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, fmt.Errorf("stop %s: decode response: %w", workerID, err)
	}
	return &c, nil
}
