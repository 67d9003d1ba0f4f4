package quorum

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/room"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CastVote records voterID's ballot, replacing any earlier ballot from the
// same voter, then re-evaluates the decision. The returned decision reflects
// any resolution the vote caused.
func (e *Engine) CastVote(ctx context.Context, decisionID, voterID, vote, reasoning string) (*models.Decision, error) {
	switch vote {
	case models.VoteYes, models.VoteNo, models.VoteAbstain:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidBallot, vote)
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
	if err := e.checkEnfranchised(gdb, d.RoomID, voterID, settings); err != nil {
		return nil, err
	}

	now := e.now()
	err = gdb.Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.Vote{}).
			Where("decision_id = ? AND voter_id = ?", decisionID, voterID).
			Count(&existing).Error; err != nil {
			return err
		}
		ballot := models.Vote{
			DecisionID: decisionID,
			VoterID:    voterID,
			Vote:       vote,
			Reasoning:  reasoning,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "decision_id"}, {Name: "voter_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"vote", "reasoning", "updated_at"}),
		}).Create(&ballot).Error; err != nil {
			return err
		}
		if existing == 0 && voterID != models.KeeperID {
			return tx.Model(&models.Worker{}).Where("id = ?", voterID).
				Update("votes_cast", gorm.Expr("votes_cast + 1")).Error
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("quorum: cast vote on %s: %w", decisionID, err)
	}

	payload := map[string]interface{}{
		"decision_id": decisionID,
		"voter_id":    voterID,
	}
	if !settings.SealedBallot {
		payload["vote"] = vote
	}
	bus.EmitRoom(e.em, bus.ChannelDecisions, d.RoomID, "decision.vote_cast", payload)

	if _, err := e.evaluate(ctx, d, settings); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Engine) checkEnfranchised(gdb *gorm.DB, roomID, voterID string, s room.Settings) error {
	if voterID == models.KeeperID {
		if !s.KeeperVotes {
			return fmt.Errorf("%w: keeper votes are disabled in room %s", ErrNotEnfranchised, roomID)
		}
		return nil
	}
	w, err := room.GetWorker(gdb, voterID)
	if err != nil || w.RoomID != roomID || !w.CanVote {
		return fmt.Errorf("%w: %s in room %s", ErrNotEnfranchised, voterID, roomID)
	}
	return nil
}

// evaluate resolves d if its tally now meets the threshold. Callers hold
// the decision's lock.
func (e *Engine) evaluate(ctx context.Context, d *models.Decision, s room.Settings) (bool, error) {
	tally, eligible, err := e.tally(ctx, d, s)
	if err != nil {
		return false, err
	}
	status := Outcome(d.Threshold, tally, s.MinVoters)
	if status == "" {
		return false, nil
	}
	resolution := fmt.Sprintf("%s by vote: %d yes, %d no, %d abstain", status, tally.Yes, tally.No, tally.Abstain)
	return e.finalize(ctx, d, status, resolution, "quorum", eligible)
}

func (e *Engine) tally(ctx context.Context, d *models.Decision, s room.Settings) (Tally, []string, error) {
	gdb := e.db.WithContext(ctx)
	workers, err := room.Workers(gdb, d.RoomID)
	if err != nil {
		return Tally{}, nil, err
	}
	eligible := EligibleVoters(workers, s)
	votes, err := e.rawVotes(gdb, d.ID)
	if err != nil {
		return Tally{}, nil, err
	}
	return Count(votes, eligible), eligible, nil
}

func (e *Engine) rawVotes(gdb *gorm.DB, decisionID string) ([]models.Vote, error) {
	var votes []models.Vote
	if err := gdb.Where("decision_id = ?", decisionID).Order("created_at ASC, voter_id ASC").Find(&votes).Error; err != nil {
		return nil, fmt.Errorf("quorum: votes %s: %w", decisionID, err)
	}
	return votes, nil
}

// Ballot is a vote as seen by a particular viewer.
type Ballot struct {
	VoterID   string    `json:"voter_id"`
	Vote      string    `json:"vote,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`
	Sealed    bool      `json:"sealed,omitempty"`
	CastAt    time.Time `json:"cast_at"`
}

// Votes returns a decision's ballots as viewerID may see them. While a
// sealed-ballot decision is open, only the viewer's own ballot shows its
// content; the keeper sees everything.
func (e *Engine) Votes(ctx context.Context, decisionID, viewerID string) ([]Ballot, error) {
	gdb := e.db.WithContext(ctx)
	d, err := getDecision(gdb, decisionID)
	if err != nil {
		return nil, err
	}
	settings, _, err := room.LoadSettings(gdb, d.RoomID)
	if err != nil {
		return nil, err
	}
	votes, err := e.rawVotes(gdb, decisionID)
	if err != nil {
		return nil, err
	}
	seal := settings.SealedBallot && d.Status == models.DecisionOpen && viewerID != models.KeeperID

	out := make([]Ballot, 0, len(votes))
	for _, v := range votes {
		b := Ballot{VoterID: v.VoterID, CastAt: v.UpdatedAt}
		if seal && v.VoterID != viewerID {
			b.Sealed = true
		} else {
			b.Vote = v.Vote
			b.Reasoning = v.Reasoning
		}
		out = append(out, b)
	}
	return out, nil
}

// Tally returns the current count for a decision under its room's settings.
func (e *Engine) Tally(ctx context.Context, decisionID string) (Tally, error) {
	gdb := e.db.WithContext(ctx)
	d, err := getDecision(gdb, decisionID)
	if err != nil {
		return Tally{}, err
	}
	settings, _, err := room.LoadSettings(gdb, d.RoomID)
	if err != nil {
		return Tally{}, err
	}
	t, _, err := e.tally(ctx, d, settings)
	return t, err
}
