package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/config"
	"github.com/zulandar/quoroom/internal/dashboard"
	"github.com/zulandar/quoroom/internal/db"
	"github.com/zulandar/quoroom/internal/engine"
	"github.com/zulandar/quoroom/internal/messaging"
	"github.com/zulandar/quoroom/internal/quorum"
	"github.com/zulandar/quoroom/internal/room"
	"github.com/zulandar/quoroom/internal/scheduler"
	"github.com/zulandar/quoroom/internal/supervisor"
	"github.com/zulandar/quoroom/internal/telegraph"
	"github.com/zulandar/quoroom/internal/telegraph/discord"
	"github.com/zulandar/quoroom/internal/telegraph/slack"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// runtime is the set of services a process needs to run cycles.
type runtime struct {
	Quorum    *quorum.Engine
	Runner    *engine.Runner
	Scheduler *scheduler.Scheduler
}

func newRuntime(cfg *config.Config, gormDB *gorm.DB, em bus.Emitter) (*runtime, error) {
	q := quorum.New(gormDB, em)
	runner, err := engine.NewRunner(engine.RunnerOpts{
		DB:          gormDB,
		Emitter:     em,
		Reasoner:    engine.NewCommandReasoner(cfg.Reasoner),
		Quorum:      q,
		TurnTimeout: cfg.Scheduler.TurnTimeout,
		MaxBackoff:  cfg.Scheduler.MaxBackoff,
	})
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(scheduler.Opts{
		DB:        gormDB,
		Emitter:   em,
		Runner:    runner,
		Admission: scheduler.NewSlotAdmission(cfg.Scheduler.MaxConcurrentCycles),
		Location:  cfg.Location(),
		StopGrace: cfg.Scheduler.StopGrace,
	})
	if err != nil {
		return nil, err
	}
	return &runtime{Quorum: q, Runner: runner, Scheduler: sched}, nil
}

// buildNotifiers returns one notifier per configured keeper channel.
func buildNotifiers(cfg config.NotifyConfig) ([]telegraph.Notifier, error) {
	var ns []telegraph.Notifier
	if cfg.Command != "" {
		ns = append(ns, &telegraph.CommandNotifier{Config: messaging.NotifyConfig{Command: cfg.Command}})
	}
	if cfg.Slack.BotToken != "" {
		n, err := slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	if cfg.Discord.BotToken != "" {
		n, err := discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	return ns, nil
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor, dashboard and keeper notifications",
		Long: `Runs everything a quoroom deployment needs in one process: the supervisor
that starts eligible workers and sweeps expired decisions, the dashboard
API with its event stream, and the relay that pushes keeper alerts to the
configured notifiers. SIGINT or SIGTERM shuts everything down; running
cycles are asked to stop at their next turn boundary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&port, "port", 0, "dashboard port (default from config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if port <= 0 {
		port = cfg.Dashboard.Port
	}

	b := bus.New()
	defer b.Clear()

	rt, err := newRuntime(cfg, gormDB, b)
	if err != nil {
		return err
	}
	notifiers, err := buildNotifiers(cfg.Notify)
	if err != nil {
		return err
	}
	relay := telegraph.NewRelay(telegraph.RelayOpts{Notifiers: notifiers})
	detach := relay.Attach(b)
	defer detach()
	for _, n := range notifiers {
		fmt.Fprintf(out, "Keeper alerts via %s\n", n.Name())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.RunDaemon(gctx, supervisor.Opts{
			DB:             gormDB,
			Emitter:        b,
			Scheduler:      rt.Scheduler,
			Quorum:         rt.Quorum,
			PollInterval:   cfg.Scheduler.PollInterval,
			DecisionSweep:  cfg.Sweeps.Decisions,
			StopGraceSweep: cfg.Sweeps.StopGrace,
			Out:            out,
		})
	})
	g.Go(func() error {
		return dashboard.Start(gctx, dashboard.StartOpts{
			Deps: dashboard.Deps{
				DB:        gormDB,
				Bus:       b,
				Scheduler: rt.Scheduler,
				Quorum:    rt.Quorum,
				Defaults:  room.SettingsFromConfig(cfg.RoomDefaults),
			},
			Port: port,
			Out:  out,
		})
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})

	err = g.Wait()
	if dropped := relay.Dropped(); dropped > 0 {
		fmt.Fprintf(out, "Dropped %d keeper alert(s) while the relay was backed up\n", dropped)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
