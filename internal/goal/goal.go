// Package goal maintains a room's goal tree and the observations recorded
// against it.
package goal

import (
	"errors"
	"fmt"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/db"
	"github.com/zulandar/quoroom/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a goal does not exist.
var ErrNotFound = errors.New("goal: not found")

var validStatuses = map[string]bool{
	models.GoalActive:    true,
	models.GoalCompleted: true,
	models.GoalAbandoned: true,
	models.GoalBlocked:   true,
}

// CreateOpts holds parameters for creating a goal.
type CreateOpts struct {
	RoomID      string
	ParentID    string
	Description string
	AssignedTo  string
}

// Create adds a root goal or, with ParentID, a subgoal in the same room.
func Create(gdb *gorm.DB, em bus.Emitter, opts CreateOpts) (*models.Goal, error) {
	if opts.RoomID == "" {
		return nil, fmt.Errorf("goal: room is required")
	}
	if opts.Description == "" {
		return nil, fmt.Errorf("goal: description is required")
	}

	g := &models.Goal{
		RoomID:           opts.RoomID,
		Description:      opts.Description,
		Status:           models.GoalActive,
		AssignedWorkerID: opts.AssignedTo,
	}
	if opts.ParentID != "" {
		parent, err := Get(gdb, opts.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.RoomID != opts.RoomID {
			return nil, fmt.Errorf("goal: parent %s belongs to room %s", parent.ID, parent.RoomID)
		}
		pid := parent.ID
		g.ParentID = &pid
	}

	id, err := db.NewID("goal")
	if err != nil {
		return nil, err
	}
	g.ID = id
	if err := gdb.Create(g).Error; err != nil {
		return nil, fmt.Errorf("goal: create: %w", err)
	}
	bus.EmitRoom(em, bus.ChannelGoals, g.RoomID, "goal.created", g)
	return g, nil
}

// Get retrieves a goal by ID.
func Get(gdb *gorm.DB, goalID string) (*models.Goal, error) {
	var g models.Goal
	if err := gdb.Where("id = ?", goalID).First(&g).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, goalID)
		}
		return nil, fmt.Errorf("goal: get %s: %w", goalID, err)
	}
	return &g, nil
}

// List returns every goal of a room in creation order.
func List(gdb *gorm.DB, roomID string) ([]models.Goal, error) {
	var goals []models.Goal
	if err := gdb.Where("room_id = ?", roomID).Order("created_at ASC, id ASC").Find(&goals).Error; err != nil {
		return nil, fmt.Errorf("goal: list %s: %w", roomID, err)
	}
	return goals, nil
}

// ProgressOpts carries one progress observation.
type ProgressOpts struct {
	WorkerID    string
	Progress    float64
	MetricValue *float64
	Observation string
}

// UpdateProgress sets a goal's progress and records the observation.
func UpdateProgress(gdb *gorm.DB, em bus.Emitter, goalID string, opts ProgressOpts) (*models.Goal, error) {
	if opts.Progress < 0 || opts.Progress > 1 {
		return nil, fmt.Errorf("goal: progress %.3f outside [0,1]", opts.Progress)
	}
	g, err := Get(gdb, goalID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"progress": opts.Progress}
	if opts.MetricValue != nil {
		updates["metric_value"] = *opts.MetricValue
	}
	err = gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Goal{}).Where("id = ?", goalID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Create(&models.GoalUpdate{
			GoalID:      goalID,
			WorkerID:    opts.WorkerID,
			Observation: opts.Observation,
			Progress:    opts.Progress,
			MetricValue: opts.MetricValue,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("goal: update progress %s: %w", goalID, err)
	}

	g.Progress = opts.Progress
	if opts.MetricValue != nil {
		g.MetricValue = opts.MetricValue
	}
	bus.EmitRoom(em, bus.ChannelGoals, g.RoomID, "goal.progress", g)
	return g, nil
}

// Updates returns the recorded observations for a goal, oldest first.
func Updates(gdb *gorm.DB, goalID string) ([]models.GoalUpdate, error) {
	var ups []models.GoalUpdate
	if err := gdb.Where("goal_id = ?", goalID).Order("id ASC").Find(&ups).Error; err != nil {
		return nil, fmt.Errorf("goal: updates %s: %w", goalID, err)
	}
	return ups, nil
}

// SetStatus changes a goal's status.
func SetStatus(gdb *gorm.DB, em bus.Emitter, goalID, status string) (*models.Goal, error) {
	if !validStatuses[status] {
		return nil, fmt.Errorf("goal: invalid status %q", status)
	}
	g, err := Get(gdb, goalID)
	if err != nil {
		return nil, err
	}
	if err := gdb.Model(&models.Goal{}).Where("id = ?", goalID).Update("status", status).Error; err != nil {
		return nil, fmt.Errorf("goal: set status %s: %w", goalID, err)
	}
	g.Status = status
	bus.EmitRoom(em, bus.ChannelGoals, g.RoomID, "goal.status", g)
	return g, nil
}

// Delete removes one goal. Its children are not deleted; they move up to
// the deleted goal's parent.
func Delete(gdb *gorm.DB, em bus.Emitter, goalID string) error {
	g, err := Get(gdb, goalID)
	if err != nil {
		return err
	}
	err = gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Goal{}).Where("parent_id = ?", goalID).
			Update("parent_id", g.ParentID).Error; err != nil {
			return err
		}
		if err := tx.Where("goal_id = ?", goalID).Delete(&models.GoalUpdate{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Goal{}, "id = ?", goalID).Error
	})
	if err != nil {
		return fmt.Errorf("goal: delete %s: %w", goalID, err)
	}
	bus.EmitRoom(em, bus.ChannelGoals, g.RoomID, "goal.deleted", map[string]string{"goal_id": goalID})
	return nil
}

// DeleteTree removes a goal and all of its descendants.
func DeleteTree(gdb *gorm.DB, em bus.Emitter, goalID string) (int, error) {
	g, err := Get(gdb, goalID)
	if err != nil {
		return 0, err
	}
	all, err := List(gdb, g.RoomID)
	if err != nil {
		return 0, err
	}
	ids := descendants(all, goalID)
	ids = append(ids, goalID)

	err = gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("goal_id IN ?", ids).Delete(&models.GoalUpdate{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&models.Goal{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("goal: delete tree %s: %w", goalID, err)
	}
	for _, id := range ids {
		bus.EmitRoom(em, bus.ChannelGoals, g.RoomID, "goal.deleted", map[string]string{"goal_id": id})
	}
	return len(ids), nil
}

func descendants(all []models.Goal, rootID string) []string {
	children := make(map[string][]string)
	for _, g := range all {
		if g.ParentID != nil {
			children[*g.ParentID] = append(children[*g.ParentID], g.ID)
		}
	}
	var out []string
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, c := range children[id] {
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}
