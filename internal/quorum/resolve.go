package quorum

import (
	"context"
	"fmt"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/messaging"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/room"
	"gorm.io/gorm"
)

// Resolve closes an open decision by fiat, typically on the keeper's
// behalf. Only the first resolution of a decision takes effect.
func (e *Engine) Resolve(ctx context.Context, decisionID, status, resolution, by string) (*models.Decision, error) {
	switch status {
	case models.DecisionApproved, models.DecisionRejected, models.DecisionExpired:
	default:
		return nil, fmt.Errorf("quorum: invalid resolution status %q", status)
	}
	if by == "" {
		by = models.KeeperID
	}

	unlock := e.locks.Lock(decisionID)
	defer unlock()

	gdb := e.db.WithContext(ctx)
	d, err := getDecision(gdb, decisionID)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DecisionOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotOpen, d.ID, d.Status)
	}
	settings, _, err := room.LoadSettings(gdb, d.RoomID)
	if err != nil {
		return nil, err
	}
	_, eligible, err := e.tally(ctx, d, settings)
	if err != nil {
		return nil, err
	}
	won, err := e.finalize(ctx, d, status, resolution, by, eligible)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("%w: %s was resolved concurrently", ErrNotOpen, d.ID)
	}
	return d, nil
}

// finalize moves d out of open with a conditional update, charges a missed
// vote to every eligible worker who never voted, and publishes the result.
// It reports false when another resolver got there first.
func (e *Engine) finalize(ctx context.Context, d *models.Decision, status, resolution, by string, eligible []string) (bool, error) {
	now := e.now()
	won := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Decision{}).
			Where("id = ? AND status = ?", d.ID, models.DecisionOpen).
			Updates(map[string]interface{}{
				"status":      status,
				"resolution":  resolution,
				"resolved_by": by,
				"resolved_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		won = true

		var missing []string
		if len(eligible) > 0 {
			voted := tx.Model(&models.Vote{}).Select("voter_id").Where("decision_id = ?", d.ID)
			if err := tx.Model(&models.Worker{}).
				Where("id IN ? AND id NOT IN (?)", eligible, voted).
				Pluck("id", &missing).Error; err != nil {
				return err
			}
		}
		if len(missing) > 0 {
			return tx.Model(&models.Worker{}).Where("id IN ?", missing).
				Update("votes_missed", gorm.Expr("votes_missed + 1")).Error
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("quorum: resolve %s: %w", d.ID, err)
	}
	if !won {
		if fresh, err := getDecision(e.db.WithContext(ctx), d.ID); err == nil {
			*d = *fresh
		}
		return false, nil
	}

	d.Status = status
	d.Resolution = resolution
	d.ResolvedBy = by
	d.ResolvedAt = &now
	bus.EmitRoom(e.em, bus.ChannelDecisions, d.RoomID, "decision.resolved", *d)
	return true, nil
}

// SweepExpired handles every open decision whose timeout has passed. A
// decision that now meets its threshold resolves normally. Otherwise the
// room's tie breaker applies: the queen's cast yes/no vote decides, a keeper
// tie breaker leaves it open and files one keeper escalation, and anything
// else expires. It returns the number of decisions closed.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	var due []models.Decision
	if err := e.db.WithContext(ctx).
		Where("status = ? AND timeout_at IS NOT NULL AND timeout_at <= ?", models.DecisionOpen, e.now()).
		Order("timeout_at ASC").Find(&due).Error; err != nil {
		return 0, fmt.Errorf("quorum: sweep: %w", err)
	}

	closed := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		ok, err := e.expireOne(ctx, due[i].ID)
		if err != nil {
			return closed, err
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

func (e *Engine) expireOne(ctx context.Context, decisionID string) (bool, error) {
	unlock := e.locks.Lock(decisionID)
	defer unlock()

	gdb := e.db.WithContext(ctx)
	d, err := getDecision(gdb, decisionID)
	if err != nil {
		return false, err
	}
	if d.Status != models.DecisionOpen {
		return false, nil
	}
	r, err := room.Get(gdb, d.RoomID)
	if err != nil {
		return false, err
	}
	settings, err := room.SettingsOf(r)
	if err != nil {
		return false, err
	}

	if resolved, err := e.evaluate(ctx, d, settings); err != nil || resolved {
		return resolved, err
	}
	tally, eligible, err := e.tally(ctx, d, settings)
	if err != nil {
		return false, err
	}

	switch settings.TieBreaker {
	case room.TieBreakQueen:
		var queenVote models.Vote
		err := gdb.Where("decision_id = ? AND voter_id = ?", d.ID, r.QueenID).First(&queenVote).Error
		if err == nil && (queenVote.Vote == models.VoteYes || queenVote.Vote == models.VoteNo) {
			status := models.DecisionRejected
			if queenVote.Vote == models.VoteYes {
				status = models.DecisionApproved
			}
			resolution := fmt.Sprintf("%s by queen tie break: %d yes, %d no, %d abstain", status, tally.Yes, tally.No, tally.Abstain)
			return e.finalize(ctx, d, status, resolution, r.QueenID, eligible)
		}
	case room.TieBreakKeeper:
		if d.EscalatedAt != nil {
			return false, nil
		}
		if _, err := messaging.Escalate(gdb, e.em, messaging.EscalateOpts{
			RoomID:     d.RoomID,
			From:       d.ProposerID,
			DecisionID: d.ID,
			Message:    fmt.Sprintf("Decision %s timed out without a verdict (%d yes, %d no, %d abstain) and needs the keeper: %s", d.ID, tally.Yes, tally.No, tally.Abstain, d.Proposal),
		}); err != nil {
			return false, err
		}
		now := e.now()
		if err := gdb.Model(&models.Decision{}).Where("id = ?", d.ID).Update("escalated_at", now).Error; err != nil {
			return false, fmt.Errorf("quorum: mark escalated %s: %w", d.ID, err)
		}
		return false, nil
	}

	resolution := fmt.Sprintf("expired after %d minutes: %d yes, %d no, %d abstain", settings.TimeoutMinutes, tally.Yes, tally.No, tally.Abstain)
	return e.finalize(ctx, d, models.DecisionExpired, resolution, "timeout", eligible)
}
