// Package quorum runs a room's proposals through voting to a single,
// permanent outcome.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/db"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/room"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a decision does not exist.
	ErrNotFound = errors.New("quorum: decision not found")
	// ErrNotOpen is returned when voting on or resolving a closed decision.
	ErrNotOpen = errors.New("quorum: decision is not open")
	// ErrNotEnfranchised is returned when the voter may not vote in the room.
	ErrNotEnfranchised = errors.New("quorum: voter is not enfranchised")
	// ErrUnknownProposer is returned when the proposer is not part of the room.
	ErrUnknownProposer = errors.New("quorum: proposer is not a member of the room")
	// ErrInvalidBallot is returned for a vote other than yes, no or abstain.
	ErrInvalidBallot = errors.New("quorum: vote must be yes, no or abstain")
)

// Engine proposes, tallies and resolves decisions. Evaluation of any one
// decision is serialized, both in-process and in the store.
type Engine struct {
	db    *gorm.DB
	em    bus.Emitter
	now   func() time.Time
	locks keyedMutex
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(gdb *gorm.DB, em bus.Emitter, opts ...Option) *Engine {
	e := &Engine{db: gdb, em: em, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProposeOpts holds parameters for a new decision.
type ProposeOpts struct {
	RoomID     string
	ProposerID string
	Proposal   string
	Type       string // a threshold name or a category such as low_impact
}

// Propose opens a decision. Types listed in the room's auto_approve are
// approved on the spot.
func (e *Engine) Propose(ctx context.Context, opts ProposeOpts) (*models.Decision, error) {
	if opts.Proposal == "" {
		return nil, fmt.Errorf("quorum: proposal is required")
	}
	r, err := room.Get(e.db.WithContext(ctx), opts.RoomID)
	if err != nil {
		return nil, err
	}
	settings, err := room.SettingsOf(r)
	if err != nil {
		return nil, err
	}
	if opts.ProposerID != models.KeeperID {
		w, err := room.GetWorker(e.db.WithContext(ctx), opts.ProposerID)
		if err != nil || w.RoomID != r.ID {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProposer, opts.ProposerID)
		}
	}

	if opts.Type == "" {
		opts.Type = settings.Threshold
	}
	threshold := settings.Threshold
	if room.IsThreshold(opts.Type) {
		threshold = opts.Type
	}

	id, err := db.NewID("dec")
	if err != nil {
		return nil, err
	}
	now := e.now()
	timeoutAt := now.Add(time.Duration(settings.TimeoutMinutes) * time.Minute)
	d := &models.Decision{
		ID:         id,
		RoomID:     r.ID,
		ProposerID: opts.ProposerID,
		Proposal:   opts.Proposal,
		Type:       opts.Type,
		Status:     models.DecisionOpen,
		Threshold:  threshold,
		TimeoutAt:  &timeoutAt,
		CreatedAt:  now,
	}
	if err := e.db.WithContext(ctx).Create(d).Error; err != nil {
		return nil, fmt.Errorf("quorum: propose: %w", err)
	}
	bus.EmitRoom(e.em, bus.ChannelDecisions, d.RoomID, "decision.proposed", *d)

	if settings.AutoApproves(d.Type) {
		unlock := e.locks.Lock(d.ID)
		defer unlock()
		if _, err := e.finalize(ctx, d, models.DecisionApproved, "auto-approved ("+d.Type+")", "system", nil); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Get retrieves a decision by ID.
func (e *Engine) Get(ctx context.Context, decisionID string) (*models.Decision, error) {
	return getDecision(e.db.WithContext(ctx), decisionID)
}

func getDecision(gdb *gorm.DB, decisionID string) (*models.Decision, error) {
	var d models.Decision
	if err := gdb.Where("id = ?", decisionID).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, decisionID)
		}
		return nil, fmt.Errorf("quorum: get %s: %w", decisionID, err)
	}
	return &d, nil
}

// List returns a room's decisions, newest first. An empty status matches any.
func (e *Engine) List(ctx context.Context, roomID, status string) ([]models.Decision, error) {
	q := e.db.WithContext(ctx).Where("room_id = ?", roomID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Decision
	if err := q.Order("created_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("quorum: list %s: %w", roomID, err)
	}
	return out, nil
}

// OpenFor returns the open decisions in a room on which voterID has not
// voted yet.
func (e *Engine) OpenFor(ctx context.Context, roomID, voterID string) ([]models.Decision, error) {
	voted := e.db.Model(&models.Vote{}).Select("decision_id").Where("voter_id = ?", voterID)
	var out []models.Decision
	err := e.db.WithContext(ctx).
		Where("room_id = ? AND status = ? AND id NOT IN (?)", roomID, models.DecisionOpen, voted).
		Order("created_at ASC, id ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("quorum: open decisions for %s: %w", voterID, err)
	}
	return out, nil
}
