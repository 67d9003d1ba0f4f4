// Package supervisor runs the long-lived daemon that keeps rooms moving: it
// starts eligible workers, expires stale decisions and reaps cycles that
// ignore a stop request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/engine"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/quorum"
	"github.com/zulandar/quoroom/internal/room"
	"github.com/zulandar/quoroom/internal/scheduler"
	"gorm.io/gorm"
)

const (
	defaultPollInterval    = 5 * time.Second
	defaultDecisionSweep   = "@every 1m"
	defaultStopGraceSweep  = "@every 30s"
	defaultShutdownTimeout = 2 * time.Minute
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Opts configures RunDaemon.
type Opts struct {
	DB        *gorm.DB
	Emitter   bus.Emitter
	Scheduler *scheduler.Scheduler
	Quorum    *quorum.Engine

	PollInterval    time.Duration
	DecisionSweep   string // cron expression
	StopGraceSweep  string // cron expression
	ShutdownTimeout time.Duration
	Out             io.Writer
}

// RunDaemon recovers cycles left running by a previous process, schedules
// the maintenance sweeps and then starts eligible workers every poll
// interval until ctx is cancelled. On shutdown it asks in-flight cycles to
// stop and waits for them up to the shutdown timeout.
func RunDaemon(ctx context.Context, opts Opts) error {
	if opts.DB == nil {
		return fmt.Errorf("supervisor: db is required")
	}
	if opts.Scheduler == nil {
		return fmt.Errorf("supervisor: scheduler is required")
	}
	if opts.Quorum == nil {
		return fmt.Errorf("supervisor: quorum is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.DecisionSweep == "" {
		opts.DecisionSweep = defaultDecisionSweep
	}
	if opts.StopGraceSweep == "" {
		opts.StopGraceSweep = defaultStopGraceSweep
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	n, err := engine.RecoverInterrupted(ctx, opts.DB, opts.Emitter)
	if err != nil {
		return fmt.Errorf("supervisor: recover: %w", err)
	}
	if n > 0 {
		fmt.Fprintf(out, "Recovered %d interrupted cycle(s)\n", n)
	}

	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(opts.DecisionSweep, func() { sweepDecisions(ctx, opts.Quorum, out) }); err != nil {
		return fmt.Errorf("supervisor: decision sweep %q: %w", opts.DecisionSweep, err)
	}
	if _, err := c.AddFunc(opts.StopGraceSweep, func() { reapStalled(ctx, opts.Scheduler, out) }); err != nil {
		return fmt.Errorf("supervisor: stop-grace sweep %q: %w", opts.StopGraceSweep, err)
	}
	c.Start()

	fmt.Fprintf(out, "Supervisor starting (poll every %s)...\n", opts.PollInterval)
	defer func() {
		<-c.Stop().Done()
		shutdown(opts.Scheduler, opts.ShutdownTimeout, out)
		fmt.Fprintf(out, "Supervisor stopped.\n")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := StartEligible(ctx, opts.DB, opts.Scheduler, out); err != nil {
			log.Printf("supervisor: start eligible: %v", err)
		}

		sleepWithContext(ctx, opts.PollInterval)
	}
}

// StartEligible tries an automatic start for every worker of every active
// room and returns how many cycles were started. Ineligible workers are
// skipped silently.
func StartEligible(ctx context.Context, gdb *gorm.DB, sched *scheduler.Scheduler, out io.Writer) (int, error) {
	rooms, err := room.List(gdb.WithContext(ctx), models.RoomActive)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, r := range rooms {
		workers, err := room.Workers(gdb.WithContext(ctx), r.ID)
		if err != nil {
			log.Printf("supervisor: workers of %s: %v", r.ID, err)
			continue
		}
		for _, w := range workers {
			if ctx.Err() != nil {
				return started, nil
			}
			c, err := sched.Start(ctx, w.ID, scheduler.StartOpts{})
			if err != nil {
				var ie *scheduler.IneligibleError
				if !errors.As(err, &ie) {
					log.Printf("supervisor: start %s: %v", w.ID, err)
				}
				continue
			}
			started++
			fmt.Fprintf(out, "Started cycle %s for %s in room %s\n", c.ID, w.Name, r.Name)
		}
	}
	return started, nil
}

func sweepDecisions(ctx context.Context, q *quorum.Engine, out io.Writer) {
	n, err := q.SweepExpired(ctx)
	if err != nil {
		log.Printf("supervisor: decision sweep: %v", err)
		return
	}
	if n > 0 {
		fmt.Fprintf(out, "Timed out %d decision(s)\n", n)
	}
}

func reapStalled(ctx context.Context, sched *scheduler.Scheduler, out io.Writer) {
	n, err := sched.Reap(ctx)
	if err != nil {
		log.Printf("supervisor: reap: %v", err)
	}
	if n > 0 {
		fmt.Fprintf(out, "Force-failed %d stalled cycle(s)\n", n)
	}
}

func shutdown(sched *scheduler.Scheduler, timeout time.Duration, out io.Writer) {
	if len(sched.Active()) == 0 {
		return
	}
	fmt.Fprintf(out, "Stopping %d running cycle(s)...\n", len(sched.Active()))
	sched.StopAll(context.Background(), "supervisor shutting down")

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("supervisor: %d cycle(s) still running after %s", len(sched.Active()), timeout)
	}
}

// sleepWithContext sleeps for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
