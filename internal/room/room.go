// Package room manages rooms, their workers and their settings snapshots.
package room

import (
	"errors"
	"fmt"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/db"
	"github.com/zulandar/quoroom/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a room or worker does not exist.
	ErrNotFound = errors.New("room: not found")
	// ErrStaleSettings is returned when a settings replacement raced another.
	ErrStaleSettings = errors.New("room: settings version is stale")
	// ErrQueenUndeletable is returned when removing a room's queen.
	ErrQueenUndeletable = errors.New("room: the queen cannot be removed")
	// ErrWorkerBusy is returned when removing a worker with a running cycle.
	ErrWorkerBusy = errors.New("room: worker has a running cycle")
	// ErrNotBlocked is returned when unblocking a worker that is not stuck.
	ErrNotBlocked = errors.New("room: worker is not blocked")
)

// CreateOpts holds parameters for creating a room.
type CreateOpts struct {
	Name       string
	Goal       string
	QueenName  string
	QueenModel string
	Settings   *Settings // nil uses DefaultSettings
}

// Created is the result of Create.
type Created struct {
	Room     *models.Room
	Queen    *models.Worker
	RootGoal *models.Goal
}

// Create inserts a room together with its queen and root goal.
func Create(gdb *gorm.DB, em bus.Emitter, opts CreateOpts) (*Created, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("room: name is required")
	}
	if opts.Goal == "" {
		return nil, fmt.Errorf("room: goal is required")
	}
	settings := DefaultSettings()
	if opts.Settings != nil {
		settings = *opts.Settings
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	raw, err := encodeSettings(settings)
	if err != nil {
		return nil, err
	}
	if opts.QueenName == "" {
		opts.QueenName = "queen"
	}

	roomID, err := db.NewID("room")
	if err != nil {
		return nil, err
	}
	queenID, err := db.NewID("wkr")
	if err != nil {
		return nil, err
	}
	goalID, err := db.NewID("goal")
	if err != nil {
		return nil, err
	}

	out := &Created{
		Room: &models.Room{
			ID:              roomID,
			Name:            opts.Name,
			Goal:            opts.Goal,
			Status:          models.RoomActive,
			QueenID:         queenID,
			Settings:        raw,
			SettingsVersion: 1,
		},
		Queen: &models.Worker{
			ID:         queenID,
			RoomID:     roomID,
			Name:       opts.QueenName,
			Role:       models.RoleQueen,
			Model:      opts.QueenModel,
			AgentState: models.AgentIdle,
			CanVote:    true,
		},
		RootGoal: &models.Goal{
			ID:          goalID,
			RoomID:      roomID,
			Description: opts.Goal,
			Status:      models.GoalActive,
		},
	}

	err = gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(out.Room).Error; err != nil {
			return err
		}
		if err := tx.Create(out.Queen).Error; err != nil {
			return err
		}
		return tx.Create(out.RootGoal).Error
	})
	if err != nil {
		return nil, fmt.Errorf("room: create %q: %w", opts.Name, err)
	}

	bus.EmitRoom(em, bus.ChannelRooms, roomID, "room.created", out.Room)
	return out, nil
}

// Get retrieves a room by ID.
func Get(gdb *gorm.DB, roomID string) (*models.Room, error) {
	var r models.Room
	if err := gdb.Where("id = ?", roomID).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
		}
		return nil, fmt.Errorf("room: get %s: %w", roomID, err)
	}
	return &r, nil
}

// List returns all rooms, oldest first. An empty status matches any.
func List(gdb *gorm.DB, status string) ([]models.Room, error) {
	q := gdb.Order("created_at ASC, id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rooms []models.Room
	if err := q.Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("room: list: %w", err)
	}
	return rooms, nil
}

// Pause stops scheduling for every worker in the room. Running cycles are
// left to finish.
func Pause(gdb *gorm.DB, em bus.Emitter, roomID string) error {
	return setStatus(gdb, em, roomID, models.RoomPaused, "room.paused")
}

// Resume re-enables scheduling.
func Resume(gdb *gorm.DB, em bus.Emitter, roomID string) error {
	return setStatus(gdb, em, roomID, models.RoomActive, "room.resumed")
}

func setStatus(gdb *gorm.DB, em bus.Emitter, roomID, status, eventType string) error {
	result := gdb.Model(&models.Room{}).Where("id = ?", roomID).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("room: set status %s: %w", roomID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	bus.EmitRoom(em, bus.ChannelRooms, roomID, eventType, map[string]string{"room_id": roomID, "status": status})
	return nil
}

// LoadSettings returns the room's current settings and their version.
func LoadSettings(gdb *gorm.DB, roomID string) (Settings, int, error) {
	r, err := Get(gdb, roomID)
	if err != nil {
		return Settings{}, 0, err
	}
	s, err := decodeSettings(r.Settings)
	if err != nil {
		return Settings{}, 0, err
	}
	return s, r.SettingsVersion, nil
}

// SettingsOf decodes the settings stored on an already loaded room.
func SettingsOf(r *models.Room) (Settings, error) {
	return decodeSettings(r.Settings)
}

// ReplaceSettings swaps in a new settings snapshot if version is still
// current and returns the new version.
func ReplaceSettings(gdb *gorm.DB, em bus.Emitter, roomID string, version int, s Settings) (int, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	raw, err := encodeSettings(s)
	if err != nil {
		return 0, err
	}
	result := gdb.Model(&models.Room{}).
		Where("id = ? AND settings_version = ?", roomID, version).
		Updates(map[string]interface{}{
			"settings":         raw,
			"settings_version": version + 1,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("room: replace settings %s: %w", roomID, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := Get(gdb, roomID); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: room %s at version %d", ErrStaleSettings, roomID, version)
	}
	bus.EmitRoom(em, bus.ChannelRooms, roomID, "room.settings", map[string]interface{}{
		"room_id": roomID,
		"version": version + 1,
	})
	return version + 1, nil
}
