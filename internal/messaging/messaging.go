// Package messaging carries escalations between workers and to the keeper.
package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/db"
	"github.com/zulandar/quoroom/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when an escalation does not exist.
	ErrNotFound = errors.New("messaging: escalation not found")
	// ErrAlreadyResolved is returned when answering a resolved escalation.
	ErrAlreadyResolved = errors.New("messaging: escalation already resolved")
)

// EscalateOpts holds parameters for raising an escalation.
type EscalateOpts struct {
	RoomID     string
	From       string
	To         string // empty addresses the keeper
	DecisionID string
	Message    string
}

// Escalate records a pending escalation and publishes it.
func Escalate(gdb *gorm.DB, em bus.Emitter, opts EscalateOpts) (*models.Escalation, error) {
	if opts.RoomID == "" {
		return nil, fmt.Errorf("messaging: room is required")
	}
	if opts.From == "" {
		return nil, fmt.Errorf("messaging: from is required")
	}
	if opts.Message == "" {
		return nil, fmt.Errorf("messaging: message is required")
	}
	if opts.To == models.KeeperID {
		opts.To = ""
	}

	id, err := db.NewID("esc")
	if err != nil {
		return nil, err
	}
	esc := &models.Escalation{
		ID:          id,
		RoomID:      opts.RoomID,
		FromAgentID: opts.From,
		ToAgentID:   opts.To,
		DecisionID:  opts.DecisionID,
		Message:     opts.Message,
		Status:      models.EscalationPending,
	}
	if err := gdb.Create(esc).Error; err != nil {
		return nil, fmt.Errorf("messaging: escalate: %w", err)
	}
	bus.EmitRoom(em, bus.ChannelEscalations, esc.RoomID, "escalation.created", esc)
	return esc, nil
}

// Pending returns unresolved escalations addressed to a worker that it has
// not been shown yet, oldest first.
func Pending(gdb *gorm.DB, workerID string) ([]models.Escalation, error) {
	if workerID == "" {
		return nil, fmt.Errorf("messaging: workerID is required")
	}
	var out []models.Escalation
	if err := gdb.Where("to_agent_id = ? AND status = ? AND delivered_at IS NULL", workerID, models.EscalationPending).
		Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("messaging: pending %s: %w", workerID, err)
	}
	return out, nil
}

// MarkDelivered stamps escalations as delivered so Pending no longer returns
// them. Ones already delivered keep their first stamp.
func MarkDelivered(gdb *gorm.DB, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if err := gdb.Model(&models.Escalation{}).
		Where("id IN ? AND delivered_at IS NULL", ids).
		Update("delivered_at", at).Error; err != nil {
		return fmt.Errorf("messaging: mark delivered: %w", err)
	}
	return nil
}

// PendingForKeeper returns unresolved keeper escalations. An empty roomID
// matches every room.
func PendingForKeeper(gdb *gorm.DB, roomID string) ([]models.Escalation, error) {
	q := gdb.Where("to_agent_id = ? AND status = ?", "", models.EscalationPending)
	if roomID != "" {
		q = q.Where("room_id = ?", roomID)
	}
	var out []models.Escalation
	if err := q.Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("messaging: keeper pending: %w", err)
	}
	return out, nil
}

// Resolve answers a pending escalation.
func Resolve(gdb *gorm.DB, em bus.Emitter, escalationID, answer string) (*models.Escalation, error) {
	var esc models.Escalation
	if err := gdb.Where("id = ?", escalationID).First(&esc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, escalationID)
		}
		return nil, fmt.Errorf("messaging: get %s: %w", escalationID, err)
	}

	now := time.Now()
	result := gdb.Model(&models.Escalation{}).
		Where("id = ? AND status = ?", escalationID, models.EscalationPending).
		Updates(map[string]interface{}{
			"status":      models.EscalationResolved,
			"answer":      answer,
			"resolved_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("messaging: resolve %s: %w", escalationID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, escalationID)
	}

	esc.Status = models.EscalationResolved
	esc.Answer = answer
	esc.ResolvedAt = &now
	bus.EmitRoom(em, bus.ChannelEscalations, esc.RoomID, "escalation.resolved", &esc)
	return &esc, nil
}
