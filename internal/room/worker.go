package room

import (
	"errors"
	"fmt"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/db"
	"github.com/zulandar/quoroom/internal/models"
	"gorm.io/gorm"
)

// WorkerOpts holds parameters for adding a worker to a room.
type WorkerOpts struct {
	Name   string
	Model  string
	NoVote bool
}

// AddWorker creates an idle worker in the room.
func AddWorker(gdb *gorm.DB, em bus.Emitter, roomID string, opts WorkerOpts) (*models.Worker, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("room: worker name is required")
	}
	if _, err := Get(gdb, roomID); err != nil {
		return nil, err
	}
	id, err := db.NewID("wkr")
	if err != nil {
		return nil, err
	}
	w := &models.Worker{
		ID:         id,
		RoomID:     roomID,
		Name:       opts.Name,
		Role:       models.RoleWorker,
		Model:      opts.Model,
		AgentState: models.AgentIdle,
		CanVote:    !opts.NoVote,
	}
	// CanVote=false would be replaced by the column default on insert.
	if err := gdb.Select("*").Create(w).Error; err != nil {
		return nil, fmt.Errorf("room: add worker %q: %w", opts.Name, err)
	}
	bus.EmitRoom(em, bus.ChannelWorkers, roomID, "worker.added", w)
	return w, nil
}

// GetWorker retrieves a worker by ID.
func GetWorker(gdb *gorm.DB, workerID string) (*models.Worker, error) {
	var w models.Worker
	if err := gdb.Where("id = ?", workerID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
		}
		return nil, fmt.Errorf("room: get worker %s: %w", workerID, err)
	}
	return &w, nil
}

// Workers lists a room's workers, queen first.
func Workers(gdb *gorm.DB, roomID string) ([]models.Worker, error) {
	var ws []models.Worker
	err := gdb.Where("room_id = ?", roomID).
		Order("CASE WHEN role = 'queen' THEN 0 ELSE 1 END, created_at ASC, id ASC").
		Find(&ws).Error
	if err != nil {
		return nil, fmt.Errorf("room: list workers %s: %w", roomID, err)
	}
	return ws, nil
}

// DeleteWorker removes a worker together with its cycles, their logs and
// its ballots on still-open decisions.
func DeleteWorker(gdb *gorm.DB, em bus.Emitter, workerID string) error {
	w, err := GetWorker(gdb, workerID)
	if err != nil {
		return err
	}
	if w.Role == models.RoleQueen {
		return ErrQueenUndeletable
	}

	err = gdb.Transaction(func(tx *gorm.DB) error {
		var running int64
		if err := tx.Model(&models.Cycle{}).
			Where("worker_id = ? AND status = ?", workerID, models.CycleRunning).
			Count(&running).Error; err != nil {
			return err
		}
		if running > 0 {
			return ErrWorkerBusy
		}
		cycles := tx.Model(&models.Cycle{}).Select("id").Where("worker_id = ?", workerID)
		if err := tx.Where("cycle_id IN (?)", cycles).Delete(&models.CycleLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("worker_id = ?", workerID).Delete(&models.Cycle{}).Error; err != nil {
			return err
		}
		open := tx.Model(&models.Decision{}).Select("id").Where("status = ?", models.DecisionOpen)
		if err := tx.Where("voter_id = ? AND decision_id IN (?)", workerID, open).Delete(&models.Vote{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Worker{}, "id = ?", workerID).Error
	})
	if err != nil {
		if errors.Is(err, ErrWorkerBusy) {
			return fmt.Errorf("%w: %s", ErrWorkerBusy, workerID)
		}
		return fmt.Errorf("room: delete worker %s: %w", workerID, err)
	}
	bus.EmitRoom(em, bus.ChannelWorkers, w.RoomID, "worker.removed", map[string]string{"worker_id": workerID})
	return nil
}

// SetAgentState records a worker's agent state and publishes the change.
func SetAgentState(gdb *gorm.DB, em bus.Emitter, w *models.Worker, state string) error {
	if err := gdb.Model(&models.Worker{}).Where("id = ?", w.ID).Update("agent_state", state).Error; err != nil {
		return fmt.Errorf("room: set state %s: %w", w.ID, err)
	}
	w.AgentState = state
	PublishState(em, w)
	return nil
}

// PublishState emits a worker.state event for w's current state.
func PublishState(em bus.Emitter, w *models.Worker) {
	bus.EmitRoom(em, bus.ChannelWorkers, w.RoomID, "worker.state", map[string]string{
		"worker_id": w.ID,
		"state":     w.AgentState,
	})
}

// Unblock returns a blocked or rate-limited worker to idle and clears its
// backoff. It is the operator's way out of the blocked state.
func Unblock(gdb *gorm.DB, em bus.Emitter, workerID string) (*models.Worker, error) {
	w, err := GetWorker(gdb, workerID)
	if err != nil {
		return nil, err
	}
	if w.AgentState != models.AgentBlocked && w.AgentState != models.AgentRateLimited {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotBlocked, workerID, w.AgentState)
	}
	err = gdb.Model(&models.Worker{}).Where("id = ?", workerID).Updates(map[string]interface{}{
		"agent_state":   models.AgentIdle,
		"backoff_level": 0,
		"backoff_until": nil,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("room: unblock %s: %w", workerID, err)
	}
	w.AgentState = models.AgentIdle
	w.BackoffLevel = 0
	w.BackoffUntil = nil
	PublishState(em, w)
	return w, nil
}
