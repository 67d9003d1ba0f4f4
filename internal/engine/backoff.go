package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/room"
	"gorm.io/gorm"
)

// Backoff returns the wait after the level-th consecutive rate limit:
// gap doubled per level past the first, capped at max. Gaps under a second
// are raised to one second.
func Backoff(gap time.Duration, level int, max time.Duration) time.Duration {
	if gap < time.Second {
		gap = time.Second
	}
	if level < 1 {
		level = 1
	}
	d := gap
	for i := 1; i < level; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// ForceFail fails a running cycle from outside its runner and blocks its
// worker for operator review. It reports false when the cycle had already
// ended. now stamps the cycle's finish and the worker's last cycle end.
func ForceFail(ctx context.Context, gdb *gorm.DB, em bus.Emitter, cycleID, kind, reason string, now time.Time) (bool, error) {
	return failCycle(ctx, gdb, em, cycleID, kind, reason, models.AgentBlocked, now)
}

// RecoverInterrupted fails every cycle left running by a previous process
// and returns its worker to idle. Saved WIP is kept.
func RecoverInterrupted(ctx context.Context, gdb *gorm.DB, em bus.Emitter) (int, error) {
	var ids []string
	if err := gdb.WithContext(ctx).Model(&models.Cycle{}).
		Where("status = ?", models.CycleRunning).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("engine: find interrupted cycles: %w", err)
	}
	recovered := 0
	for _, id := range ids {
		ok, err := failCycle(ctx, gdb, em, id, FailureInterrupted, "interrupted by restart", models.AgentIdle, time.Now())
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func failCycle(ctx context.Context, gdb *gorm.DB, em bus.Emitter, cycleID, kind, reason, workerState string, now time.Time) (bool, error) {
	var c models.Cycle
	won := false
	err := gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", cycleID).First(&c).Error; err != nil {
			return err
		}
		result := tx.Model(&models.Cycle{}).
			Where("id = ? AND status = ?", cycleID, models.CycleRunning).
			Updates(map[string]interface{}{
				"status":        models.CycleFailed,
				"failure_kind":  kind,
				"error_message": reason,
				"duration_ms":   now.Sub(c.StartedAt).Milliseconds(),
				"finished_at":   now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		won = true
		return tx.Model(&models.Worker{}).Where("id = ?", c.WorkerID).Updates(map[string]interface{}{
			"agent_state":         workerState,
			"last_cycle_ended_at": now,
		}).Error
	})
	if err != nil {
		return false, fmt.Errorf("engine: fail cycle %s: %w", cycleID, err)
	}
	if !won {
		return false, nil
	}

	c.Status = models.CycleFailed
	c.FailureKind = kind
	c.ErrorMessage = reason
	c.DurationMs = now.Sub(c.StartedAt).Milliseconds()
	c.FinishedAt = &now
	bus.EmitRoom(em, bus.ChannelCycles, c.RoomID, "cycle.failed", c)
	room.PublishState(em, &models.Worker{ID: c.WorkerID, RoomID: c.RoomID, AgentState: workerState})
	return true, nil
}
