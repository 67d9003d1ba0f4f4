// Package scheduler decides when a worker may start a cycle, admits cycles
// to the runner and carries stop requests to them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/db"
	"github.com/zulandar/quoroom/internal/engine"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/room"
	"gorm.io/gorm"
)

// DefaultStopGrace is how long a stopped cycle may keep running before a
// second stop or a reap force-fails it.
const DefaultStopGrace = 2 * time.Minute

// Runner executes an admitted cycle to its end.
type Runner interface {
	Run(ctx context.Context, cycleID string) (*models.Cycle, error)
}

// Opts holds the collaborators of a Scheduler.
type Opts struct {
	DB        *gorm.DB
	Emitter   bus.Emitter
	Runner    Runner
	Admission Admission      // nil admits any number of cycles
	Location  *time.Location // quiet hours are read in this zone; nil is local time
	StopGrace time.Duration
	Clock     func() time.Time
	Logf      func(format string, args ...any)
}

// Scheduler admits and tracks cycles. All methods are safe for concurrent
// use.
type Scheduler struct {
	db        *gorm.DB
	em        bus.Emitter
	runner    Runner
	admission Admission
	loc       *time.Location
	stopGrace time.Duration
	now       func() time.Time
	logf      func(format string, args ...any)

	startMu sync.Mutex // serializes admission decisions
	mu      sync.Mutex
	active  map[string]*handle // by worker ID
	wg      sync.WaitGroup
}

// handle tracks one in-flight cycle.
type handle struct {
	cycleID       string
	workerID      string
	roomID        string
	cancel        context.CancelCauseFunc
	stopRequested time.Time
	done          chan struct{}
}

// New validates opts and returns a Scheduler.
func New(opts Opts) (*Scheduler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("scheduler: db is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("scheduler: runner is required")
	}
	s := &Scheduler{
		db:        opts.DB,
		em:        opts.Emitter,
		runner:    opts.Runner,
		admission: opts.Admission,
		loc:       opts.Location,
		stopGrace: opts.StopGrace,
		now:       opts.Clock,
		logf:      opts.Logf,
		active:    make(map[string]*handle),
	}
	if s.admission == nil {
		s.admission = unlimited{}
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.stopGrace <= 0 {
		s.stopGrace = DefaultStopGrace
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logf == nil {
		s.logf = log.Printf
	}
	return s, nil
}

// StartOpts qualifies a start request.
type StartOpts struct {
	// Manual marks a keeper-initiated start, which skips the autonomy check.
	Manual bool
}

// Check reports why workerID may not start a cycle now, or nil if it may.
// It does not reserve global capacity. It holds the admission lock while it
// tries a slot so a concurrent Start never sees the pool full because of it.
func (s *Scheduler) Check(ctx context.Context, workerID string, opts StartOpts) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if _, err := s.check(ctx, workerID, opts); err != nil {
		return err
	}
	if !s.admission.TryAcquire() {
		return ineligible(workerID, ErrNoCapacity, "")
	}
	s.admission.Release()
	return nil
}

// IsEligible reports whether workerID may start an automatic cycle now.
func (s *Scheduler) IsEligible(ctx context.Context, workerID string) bool {
	return s.Check(ctx, workerID, StartOpts{}) == nil
}

// target is what check loaded about a worker that passed.
type target struct {
	worker *models.Worker
	room   *models.Room
}

// check applies every per-worker and per-room rule, first failure wins.
func (s *Scheduler) check(ctx context.Context, workerID string, opts StartOpts) (*target, error) {
	gdb := s.db.WithContext(ctx)
	w, err := room.GetWorker(gdb, workerID)
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			return nil, ineligible(workerID, ErrWorkerNotFound, "")
		}
		return nil, err
	}
	r, err := room.Get(gdb, w.RoomID)
	if err != nil {
		return nil, err
	}
	settings, err := room.SettingsOf(r)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if r.Status != models.RoomActive {
		return nil, ineligible(workerID, ErrRoomPaused, "room %s", r.ID)
	}
	if s.isActive(workerID) {
		return nil, ineligible(workerID, ErrAlreadyRunning, "")
	}
	var running int64
	if err := gdb.Model(&models.Cycle{}).
		Where("worker_id = ? AND status = ?", workerID, models.CycleRunning).
		Count(&running).Error; err != nil {
		return nil, fmt.Errorf("scheduler: count running cycles: %w", err)
	}
	if running > 0 {
		return nil, ineligible(workerID, ErrAlreadyRunning, "")
	}
	switch w.AgentState {
	case models.AgentBlocked:
		return nil, ineligible(workerID, ErrBlocked, "needs an operator to unblock it")
	case models.AgentRateLimited:
		if w.BackoffUntil != nil && now.Before(*w.BackoffUntil) {
			return nil, ineligible(workerID, ErrBackingOff, "until %s", w.BackoffUntil.Format(time.RFC3339))
		}
	}
	if settings.InQuietHours(now.In(s.loc)) {
		return nil, ineligible(workerID, ErrQuietHours, "%s-%s", settings.QuietFrom, settings.QuietUntil)
	}
	if !opts.Manual && !autonomyAllows(settings.AutonomyMode, w) {
		return nil, ineligible(workerID, ErrAutonomy, "mode %s", settings.AutonomyMode)
	}
	if w.LastCycleEndedAt != nil {
		if wait := w.LastCycleEndedAt.Add(settings.CycleGap()).Sub(now); wait > 0 {
			return nil, ineligible(workerID, ErrCycleGap, "%s left", wait.Round(time.Millisecond))
		}
	}
	if settings.MaxConcurrentTasks > 0 {
		var inRoom int64
		if err := gdb.Model(&models.Cycle{}).
			Where("room_id = ? AND status = ?", r.ID, models.CycleRunning).
			Count(&inRoom).Error; err != nil {
			return nil, fmt.Errorf("scheduler: count room cycles: %w", err)
		}
		if inRoom >= int64(settings.MaxConcurrentTasks) {
			return nil, ineligible(workerID, ErrRoomAtCapacity, "%d running", inRoom)
		}
	}
	return &target{worker: w, room: r}, nil
}

// autonomyAllows reports whether the mode lets w start on its own.
func autonomyAllows(mode string, w *models.Worker) bool {
	switch mode {
	case room.AutonomyFull:
		return true
	case room.AutonomySemi:
		return w.Role == models.RoleQueen
	default:
		return false
	}
}

// Start admits a cycle for workerID and hands it to the runner in the
// background. It never queues: an ineligible worker is rejected with an
// *IneligibleError.
func (s *Scheduler) Start(ctx context.Context, workerID string, opts StartOpts) (*models.Cycle, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	t, err := s.check(ctx, workerID, opts)
	if err != nil {
		return nil, err
	}
	if !s.admission.TryAcquire() {
		return nil, ineligible(workerID, ErrNoCapacity, "")
	}

	c, err := s.admit(ctx, t, opts)
	if err != nil {
		s.admission.Release()
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	h := &handle{cycleID: c.ID, workerID: workerID, roomID: c.RoomID, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active[workerID] = h
	s.mu.Unlock()

	t.worker.AgentState = models.AgentThinking
	room.PublishState(s.em, t.worker)
	bus.EmitRoom(s.em, bus.ChannelCycles, c.RoomID, "cycle.started", *c)

	s.wg.Add(1)
	go s.run(runCtx, h)
	return c, nil
}

// admit records the running cycle and the worker's thinking state together.
func (s *Scheduler) admit(ctx context.Context, t *target, opts StartOpts) (*models.Cycle, error) {
	id, err := db.NewID("cyc")
	if err != nil {
		return nil, err
	}
	c := &models.Cycle{
		ID:        id,
		WorkerID:  t.worker.ID,
		RoomID:    t.room.ID,
		Status:    models.CycleRunning,
		Manual:    opts.Manual,
		Model:     t.worker.Model,
		StartedAt: s.now(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		return tx.Model(&models.Worker{}).Where("id = ?", t.worker.ID).
			Update("agent_state", models.AgentThinking).Error
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: admit %s: %w", t.worker.ID, err)
	}
	return c, nil
}

func (s *Scheduler) run(ctx context.Context, h *handle) {
	defer s.wg.Done()
	defer close(h.done)
	defer s.admission.Release()
	defer func() {
		s.mu.Lock()
		if s.active[h.workerID] == h {
			delete(s.active, h.workerID)
		}
		s.mu.Unlock()
		h.cancel(nil)
	}()

	c, err := s.runner.Run(ctx, h.cycleID)
	if err != nil {
		s.logf("scheduler: cycle %s of %s: %v", h.cycleID, h.workerID, err)
		// The runner gave up before settling; don't leave the cycle running.
		if _, ferr := engine.ForceFail(context.Background(), s.db, s.em, h.cycleID, engine.FailureError, err.Error(), s.now()); ferr != nil {
			s.logf("scheduler: fail cycle %s: %v", h.cycleID, ferr)
		}
		return
	}
	if c != nil && c.Status == models.CycleFailed {
		s.logf("scheduler: cycle %s of %s failed (%s): %s", c.ID, h.workerID, c.FailureKind, c.ErrorMessage)
	}
}

// Stop asks the worker's running cycle to stop at its next turn boundary.
// A repeated stop once the grace period has passed force-fails the cycle
// and blocks the worker.
func (s *Scheduler) Stop(ctx context.Context, workerID, reason string) (*models.Cycle, error) {
	if reason == "" {
		reason = "stopped by keeper"
	}
	s.mu.Lock()
	h, ok := s.active[workerID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: worker %s", ErrNotRunning, workerID)
	}
	now := s.now()
	first := h.stopRequested.IsZero()
	if first {
		h.stopRequested = now
	}
	overdue := !first && now.Sub(h.stopRequested) >= s.stopGrace
	s.mu.Unlock()

	if first {
		h.cancel(errors.New(reason))
		bus.EmitRoom(s.em, bus.ChannelCycles, h.roomID, "cycle.stop_requested", map[string]string{
			"cycle_id":  h.cycleID,
			"worker_id": workerID,
			"reason":    reason,
		})
	} else if overdue {
		if _, err := s.forceFail(ctx, h); err != nil {
			return nil, err
		}
	}
	return s.cycle(ctx, h.cycleID)
}

// Reap force-fails every cycle whose stop request has gone unanswered past
// the grace period. It returns the number of cycles failed.
func (s *Scheduler) Reap(ctx context.Context) (int, error) {
	now := s.now()
	var overdue []*handle
	s.mu.Lock()
	for _, h := range s.active {
		if !h.stopRequested.IsZero() && now.Sub(h.stopRequested) >= s.stopGrace {
			overdue = append(overdue, h)
		}
	}
	s.mu.Unlock()

	reaped := 0
	for _, h := range overdue {
		ok, err := s.forceFail(ctx, h)
		if err != nil {
			return reaped, err
		}
		if ok {
			reaped++
		}
	}
	return reaped, nil
}

func (s *Scheduler) forceFail(ctx context.Context, h *handle) (bool, error) {
	ok, err := engine.ForceFail(ctx, s.db, s.em, h.cycleID, engine.FailureStalled, "stalled: ignored stop request", s.now())
	if err != nil {
		return false, fmt.Errorf("scheduler: force fail %s: %w", h.cycleID, err)
	}
	if ok {
		s.logf("scheduler: cycle %s of %s ignored its stop request past %s, worker blocked", h.cycleID, h.workerID, s.stopGrace)
	}
	return ok, nil
}

// StopAll asks every running cycle to stop.
func (s *Scheduler) StopAll(ctx context.Context, reason string) {
	for _, id := range s.Active() {
		if _, err := s.Stop(ctx, id, reason); err != nil && !errors.Is(err, ErrNotRunning) {
			s.logf("scheduler: stop %s: %v", id, err)
		}
	}
}

// Active returns the IDs of workers with a cycle in flight.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Done returns a channel closed when the worker's current cycle has been
// fully handled, or nil when nothing is running.
func (s *Scheduler) Done(workerID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.active[workerID]; ok {
		return h.done
	}
	return nil
}

// Wait blocks until every started cycle has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) isActive(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[workerID]
	return ok
}

func (s *Scheduler) cycle(ctx context.Context, cycleID string) (*models.Cycle, error) {
	var c models.Cycle
	if err := s.db.WithContext(ctx).Where("id = ?", cycleID).First(&c).Error; err != nil {
		return nil, fmt.Errorf("scheduler: get cycle %s: %w", cycleID, err)
	}
	return &c, nil
}
