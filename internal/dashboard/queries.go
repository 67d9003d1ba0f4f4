package dashboard

import (
	"errors"
	"fmt"

	"github.com/zulandar/quoroom/internal/messaging"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/room"
	"gorm.io/gorm"
)

// ErrCycleNotFound is returned when a cycle does not exist.
var ErrCycleNotFound = errors.New("dashboard: cycle not found")

// RoomSummary is the overview of one room.
type RoomSummary struct {
	Room              models.Room     `json:"room"`
	Settings          room.Settings   `json:"settings"`
	SettingsVersion   int             `json:"settings_version"`
	Workers           []models.Worker `json:"workers"`
	RunningCycles     int64           `json:"running_cycles"`
	OpenDecisions     int64           `json:"open_decisions"`
	KeeperEscalations int             `json:"keeper_escalations"`
}

// Summarize loads the overview of a single room.
func Summarize(gdb *gorm.DB, roomID string) (*RoomSummary, error) {
	r, err := room.Get(gdb, roomID)
	if err != nil {
		return nil, err
	}
	return summarize(gdb, r)
}

// Overview summarizes every room, optionally filtered by status.
func Overview(gdb *gorm.DB, status string) ([]RoomSummary, error) {
	rooms, err := room.List(gdb, status)
	if err != nil {
		return nil, err
	}
	out := make([]RoomSummary, 0, len(rooms))
	for i := range rooms {
		s, err := summarize(gdb, &rooms[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func summarize(gdb *gorm.DB, r *models.Room) (*RoomSummary, error) {
	settings, err := room.SettingsOf(r)
	if err != nil {
		return nil, err
	}
	workers, err := room.Workers(gdb, r.ID)
	if err != nil {
		return nil, err
	}
	s := &RoomSummary{Room: *r, Settings: settings, SettingsVersion: r.SettingsVersion, Workers: workers}
	if err := gdb.Model(&models.Cycle{}).
		Where("room_id = ? AND status = ?", r.ID, models.CycleRunning).
		Count(&s.RunningCycles).Error; err != nil {
		return nil, fmt.Errorf("dashboard: count running cycles: %w", err)
	}
	if err := gdb.Model(&models.Decision{}).
		Where("room_id = ? AND status = ?", r.ID, models.DecisionOpen).
		Count(&s.OpenDecisions).Error; err != nil {
		return nil, fmt.Errorf("dashboard: count open decisions: %w", err)
	}
	pending, err := messaging.PendingForKeeper(gdb, r.ID)
	if err != nil {
		return nil, err
	}
	s.KeeperEscalations = len(pending)
	return s, nil
}

// CycleFilter narrows Cycles.
type CycleFilter struct {
	RoomID   string
	WorkerID string
	Status   string
	Limit    int
}

// Cycles lists cycles newest first.
func Cycles(gdb *gorm.DB, f CycleFilter) ([]models.Cycle, error) {
	q := gdb.Order("started_at DESC, id DESC")
	if f.RoomID != "" {
		q = q.Where("room_id = ?", f.RoomID)
	}
	if f.WorkerID != "" {
		q = q.Where("worker_id = ?", f.WorkerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Cycle
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("dashboard: list cycles: %w", err)
	}
	return out, nil
}

// CycleLogs returns a cycle's transcript in sequence order.
func CycleLogs(gdb *gorm.DB, cycleID string) ([]models.CycleLog, error) {
	var n int64
	if err := gdb.Model(&models.Cycle{}).Where("id = ?", cycleID).Count(&n).Error; err != nil {
		return nil, fmt.Errorf("dashboard: get cycle %s: %w", cycleID, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCycleNotFound, cycleID)
	}
	var logs []models.CycleLog
	if err := gdb.Where("cycle_id = ?", cycleID).Order("seq ASC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("dashboard: cycle logs %s: %w", cycleID, err)
	}
	return logs, nil
}
