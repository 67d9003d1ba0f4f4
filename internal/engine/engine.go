// Package engine runs admitted cycles: it renders a worker's context, drives
// the reasoner turn by turn, executes tool calls, logs every step and
// settles the cycle's outcome on the worker.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/goal"
	"github.com/zulandar/quoroom/internal/messaging"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/quorum"
	"github.com/zulandar/quoroom/internal/room"
	"gorm.io/gorm"
)

// Failure kinds recorded on failed cycles.
const (
	FailureCancelled   = "cancelled"
	FailureRateLimited = "rate_limited"
	FailureError       = "error"
	FailureStalled     = "stalled"
	FailureInterrupted = "interrupted"
)

// Default limits.
const (
	DefaultTurnTimeout = 10 * time.Minute
	DefaultMaxBackoff  = 30 * time.Minute
	DefaultMaxTurns    = 25
)

// ErrNotRunning is returned when asked to run a cycle that already ended.
var ErrNotRunning = errors.New("engine: cycle is not running")

// RunnerOpts holds the collaborators of a Runner.
type RunnerOpts struct {
	DB          *gorm.DB
	Emitter     bus.Emitter
	Reasoner    Reasoner
	Quorum      *quorum.Engine // nil builds one on DB and Emitter
	Memory      MemoryStore    // optional
	TurnTimeout time.Duration
	MaxBackoff  time.Duration
	Clock       func() time.Time
	Logf        func(format string, args ...any)
}

// Runner executes cycles. It is safe for concurrent use; each Run owns one
// cycle.
type Runner struct {
	db          *gorm.DB
	em          bus.Emitter
	reasoner    Reasoner
	quorum      *quorum.Engine
	memory      MemoryStore
	turnTimeout time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
	logf        func(format string, args ...any)
}

// NewRunner validates opts and returns a Runner.
func NewRunner(opts RunnerOpts) (*Runner, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("engine: db is required")
	}
	if opts.Reasoner == nil {
		return nil, fmt.Errorf("engine: reasoner is required")
	}
	r := &Runner{
		db:          opts.DB,
		em:          opts.Emitter,
		reasoner:    opts.Reasoner,
		quorum:      opts.Quorum,
		memory:      opts.Memory,
		turnTimeout: opts.TurnTimeout,
		maxBackoff:  opts.MaxBackoff,
		now:         opts.Clock,
		logf:        opts.Logf,
	}
	if r.quorum == nil {
		r.quorum = quorum.New(opts.DB, opts.Emitter)
	}
	if r.turnTimeout <= 0 {
		r.turnTimeout = DefaultTurnTimeout
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = DefaultMaxBackoff
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logf == nil {
		r.logf = log.Printf
	}
	return r, nil
}

// cycleRun is the state of one executing cycle.
type cycleRun struct {
	cycle    *models.Cycle
	worker   *models.Worker
	room     *models.Room
	settings room.Settings
	em       bus.Emitter
	seq      int
	started  time.Time
}

// Run executes a running cycle to its end and returns the terminal cycle.
// Cancelling ctx stops the cycle at its next turn boundary or after the tool
// call in flight, whichever comes first. The in-flight reasoner step is
// allowed to finish. The error
// is non-nil only when the cycle's outcome could not be recorded.
func (r *Runner) Run(ctx context.Context, cycleID string) (*models.Cycle, error) {
	// Bookkeeping must outlive a stop request.
	store := context.WithoutCancel(ctx)
	gdb := r.db.WithContext(store)

	var c models.Cycle
	if err := gdb.Where("id = ?", cycleID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("engine: cycle not found: %s", cycleID)
		}
		return nil, fmt.Errorf("engine: get cycle %s: %w", cycleID, err)
	}
	if c.Status != models.CycleRunning {
		return &c, fmt.Errorf("%w: %s is %s", ErrNotRunning, c.ID, c.Status)
	}
	w, err := room.GetWorker(gdb, c.WorkerID)
	if err != nil {
		return nil, err
	}
	rm, err := room.Get(gdb, c.RoomID)
	if err != nil {
		return nil, err
	}
	settings, err := room.SettingsOf(rm)
	if err != nil {
		return nil, err
	}

	run := &cycleRun{cycle: &c, worker: w, room: rm, settings: settings, em: r.em, started: c.StartedAt}
	if run.started.IsZero() {
		run.started = r.now()
	}
	outcome := r.loop(ctx, store, run)
	return r.settle(store, run, outcome)
}

// loop drives the reasoner until it finishes, fails, is stopped or runs out
// of turns.
func (r *Runner) loop(ctx, store context.Context, run *cycleRun) error {
	gdb := r.db.WithContext(store)
	tools := &toolbox{db: r.db, quorum: r.quorum, memory: r.memory, run: run}

	system, inbox, err := r.buildContext(store, gdb, run)
	if err != nil {
		return err
	}
	if err := r.appendLog(gdb, run, models.LogContext, system); err != nil {
		return err
	}
	if err := messaging.MarkDelivered(gdb, inbox, r.now()); err != nil {
		return err
	}

	maxTurns := run.settings.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	catalog := Catalog()
	var history []Exchange

	for turn := 1; turn <= maxTurns; turn++ {
		if ctx.Err() != nil {
			return &cancelError{cause: context.Cause(ctx)}
		}
		if err := r.setBusyState(gdb, run, models.AgentThinking); err != nil {
			return err
		}

		req := StepRequest{
			CycleID:  run.cycle.ID,
			WorkerID: run.worker.ID,
			Model:    run.worker.Model,
			Turn:     turn,
			MaxTurns: maxTurns,
			System:   system,
			Tools:    catalog,
			History:  history,
		}
		if run.worker.WIP != nil {
			req.WIP = *run.worker.WIP
		}
		stepCtx, cancel := context.WithTimeout(store, r.turnTimeout)
		resp, err := r.reasoner.Step(stepCtx, req)
		cancel()
		run.cycle.Turns = turn
		if err != nil {
			r.appendLog(gdb, run, models.LogError, err.Error())
			return err
		}
		if resp == nil {
			resp = &StepResponse{}
		}
		run.cycle.InputTokens += resp.Usage.InputTokens
		run.cycle.OutputTokens += resp.Usage.OutputTokens
		if resp.Model != "" {
			run.cycle.Model = resp.Model
		}
		if resp.Text != "" {
			if err := r.appendLog(gdb, run, models.LogAssistantText, resp.Text); err != nil {
				return err
			}
		}

		exchange := Exchange{Text: resp.Text, Calls: resp.Calls}
		for _, call := range resp.Calls {
			res, err := r.callTool(store, gdb, tools, run, call)
			if err != nil {
				r.appendLog(gdb, run, models.LogError, err.Error())
				return err
			}
			exchange.Results = append(exchange.Results, res)
			if ctx.Err() != nil {
				return &cancelError{cause: context.Cause(ctx)}
			}
		}
		history = append(history, exchange)

		if resp.Done || len(resp.Calls) == 0 {
			return nil
		}
	}
	return r.appendLog(gdb, run, models.LogSystem, fmt.Sprintf("turn limit of %d reached", maxTurns))
}

func (r *Runner) callTool(store context.Context, gdb *gorm.DB, tools *toolbox, run *cycleRun, call ToolCall) (ToolResult, error) {
	payload, err := json.Marshal(call)
	if err != nil {
		// Malformed arguments still belong in the transcript.
		payload = []byte(fmt.Sprintf("%s %s", call.Name, call.Args))
	}
	if err := r.appendLog(gdb, run, models.LogToolCall, string(payload)); err != nil {
		return ToolResult{}, err
	}
	state := models.AgentActing
	if call.Name == ToolCastVote {
		state = models.AgentVoting
	}
	if err := r.setBusyState(gdb, run, state); err != nil {
		return ToolResult{}, err
	}
	res, err := tools.execute(store, call)
	if err != nil {
		return res, err
	}
	payload, _ = json.Marshal(res)
	if err := r.appendLog(gdb, run, models.LogToolResult, string(payload)); err != nil {
		return res, err
	}
	if err := r.setBusyState(gdb, run, models.AgentThinking); err != nil {
		return res, err
	}
	return res, nil
}

// buildContext gathers the goal tree, undelivered escalations and open
// decisions for the worker and renders them. It also returns the IDs of
// the escalations it rendered.
func (r *Runner) buildContext(ctx context.Context, gdb *gorm.DB, run *cycleRun) (string, []string, error) {
	roots, err := goal.Tree(gdb, run.room.ID)
	if err != nil {
		return "", nil, err
	}
	escs, err := messaging.Pending(gdb, run.worker.ID)
	if err != nil {
		return "", nil, err
	}
	var open []models.Decision
	if run.worker.CanVote {
		open, err = r.quorum.OpenFor(ctx, run.room.ID, run.worker.ID)
		if err != nil {
			return "", nil, err
		}
	}
	ids := make([]string, len(escs))
	for i, e := range escs {
		ids[i] = e.ID
	}
	system, err := RenderContext(ContextInput{
		Room:        run.room,
		Worker:      run.worker,
		Settings:    run.settings,
		Goals:       roots,
		Escalations: escs,
		Decisions:   open,
		Tools:       Catalog(),
	})
	return system, ids, err
}

// appendLog writes the next entry of the cycle's transcript.
func (r *Runner) appendLog(gdb *gorm.DB, run *cycleRun, entryType, content string) error {
	run.seq++
	entry := models.CycleLog{
		CycleID:   run.cycle.ID,
		Seq:       run.seq,
		EntryType: entryType,
		Content:   content,
		CreatedAt: r.now(),
	}
	if err := gdb.Create(&entry).Error; err != nil {
		return fmt.Errorf("engine: append log to %s: %w", run.cycle.ID, err)
	}
	bus.EmitRoom(r.em, bus.ChannelCycles, run.room.ID, "cycle.log", entry)
	return nil
}

// setBusyState moves the worker between the in-cycle states. A worker that
// was force-failed meanwhile keeps the state it was given.
func (r *Runner) setBusyState(gdb *gorm.DB, run *cycleRun, state string) error {
	if run.worker.AgentState == state {
		return nil
	}
	result := gdb.Model(&models.Worker{}).
		Where("id = ? AND agent_state IN ?", run.worker.ID, busyStates).
		Update("agent_state", state)
	if result.Error != nil {
		return fmt.Errorf("engine: set state %s: %w", run.worker.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}
	run.worker.AgentState = state
	room.PublishState(r.em, run.worker)
	return nil
}

var busyStates = []string{models.AgentThinking, models.AgentActing, models.AgentVoting}

type cancelError struct {
	cause error
}

func (e *cancelError) Error() string {
	if e.cause == nil || errors.Is(e.cause, context.Canceled) {
		return "cancelled"
	}
	return "cancelled: " + e.cause.Error()
}

func (e *cancelError) Unwrap() error { return e.cause }

// settle records the outcome on the cycle and the worker in one
// transaction. A cycle that was already failed elsewhere is left alone.
func (r *Runner) settle(store context.Context, run *cycleRun, outcome error) (*models.Cycle, error) {
	now := r.now()
	c := run.cycle
	c.DurationMs = now.Sub(run.started).Milliseconds()
	c.FinishedAt = &now

	workerUpdates := map[string]interface{}{"last_cycle_ended_at": now}
	var ce *cancelError
	switch {
	case outcome == nil:
		c.Status = models.CycleCompleted
		workerUpdates["agent_state"] = models.AgentIdle
		workerUpdates["backoff_level"] = 0
		workerUpdates["backoff_until"] = nil
	case errors.As(outcome, &ce):
		c.Status = models.CycleFailed
		c.FailureKind = FailureCancelled
		c.ErrorMessage = ce.Error()
		workerUpdates["agent_state"] = models.AgentIdle
	case errors.Is(outcome, ErrRateLimited):
		c.Status = models.CycleFailed
		c.FailureKind = FailureRateLimited
		c.ErrorMessage = outcome.Error()
		level := run.worker.BackoffLevel + 1
		until := now.Add(Backoff(run.settings.CycleGap(), level, r.maxBackoff))
		workerUpdates["agent_state"] = models.AgentRateLimited
		workerUpdates["backoff_level"] = level
		workerUpdates["backoff_until"] = until
	default:
		c.Status = models.CycleFailed
		c.FailureKind = FailureError
		c.ErrorMessage = outcome.Error()
		workerUpdates["agent_state"] = models.AgentBlocked
	}

	won := false
	err := r.db.WithContext(store).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Cycle{}).
			Where("id = ? AND status = ?", c.ID, models.CycleRunning).
			Updates(map[string]interface{}{
				"status":        c.Status,
				"turns":         c.Turns,
				"input_tokens":  c.InputTokens,
				"output_tokens": c.OutputTokens,
				"model":         c.Model,
				"duration_ms":   c.DurationMs,
				"failure_kind":  c.FailureKind,
				"error_message": c.ErrorMessage,
				"finished_at":   now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		won = true
		return tx.Model(&models.Worker{}).Where("id = ?", run.worker.ID).Updates(workerUpdates).Error
	})
	if err != nil {
		return c, fmt.Errorf("engine: settle cycle %s: %w", c.ID, err)
	}
	if !won {
		var current models.Cycle
		if err := r.db.WithContext(store).Where("id = ?", c.ID).First(&current).Error; err != nil {
			return c, fmt.Errorf("engine: reload cycle %s: %w", c.ID, err)
		}
		r.logf("engine: cycle %s was %s before it settled (%s)", c.ID, current.Status, current.ErrorMessage)
		return &current, nil
	}

	run.worker.AgentState = workerUpdates["agent_state"].(string)
	room.PublishState(r.em, run.worker)
	eventType := "cycle.completed"
	if c.Status == models.CycleFailed {
		eventType = "cycle.failed"
	}
	bus.EmitRoom(r.em, bus.ChannelCycles, c.RoomID, eventType, *c)
	return c, nil
}
