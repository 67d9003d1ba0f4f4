package quorum

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/db"
	"github.com/zulandar/quoroom/internal/messaging"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/room"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "quorum.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

type fixture struct {
	db      *gorm.DB
	bus     *bus.Bus
	engine  *Engine
	room    *models.Room
	queen   *models.Worker
	workers []*models.Worker
	clock   time.Time

	mu       sync.Mutex
	resolved []models.Decision
}

// newFixture builds a room with a queen plus n workers and an engine whose
// clock the test controls.
func newFixture(t *testing.T, n int, tweak func(*room.Settings)) *fixture {
	t.Helper()
	f := &fixture{db: openTestDB(t), bus: bus.New(), clock: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	s := room.DefaultSettings()
	if tweak != nil {
		tweak(&s)
	}
	c, err := room.Create(f.db, f.bus, room.CreateOpts{Name: "r", Goal: "g", Settings: &s})
	if err != nil {
		t.Fatalf("room.Create: %v", err)
	}
	f.room, f.queen = c.Room, c.Queen
	for i := 0; i < n; i++ {
		w, err := room.AddWorker(f.db, f.bus, c.Room.ID, room.WorkerOpts{Name: "w"})
		if err != nil {
			t.Fatalf("AddWorker: %v", err)
		}
		f.workers = append(f.workers, w)
	}
	f.engine = New(f.db, f.bus, WithClock(func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.clock
	}))
	f.bus.Subscribe(bus.ChannelDecisions, func(e bus.Event) {
		if e.Type == "decision.resolved" {
			f.mu.Lock()
			f.resolved = append(f.resolved, e.Data.(models.Decision))
			f.mu.Unlock()
		}
	})
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.clock = f.clock.Add(d)
	f.mu.Unlock()
}

func (f *fixture) resolvedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resolved)
}

func (f *fixture) propose(t *testing.T, typ string) *models.Decision {
	t.Helper()
	d, err := f.engine.Propose(context.Background(), ProposeOpts{RoomID: f.room.ID, ProposerID: f.queen.ID, Proposal: "ship it", Type: typ})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	return d
}

func TestPropose(t *testing.T) {
	f := newFixture(t, 0, nil)
	d := f.propose(t, "")
	if d.Status != models.DecisionOpen {
		t.Errorf("Status = %q, want open", d.Status)
	}
	if d.Type != room.ThresholdMajority || d.Threshold != room.ThresholdMajority {
		t.Errorf("Type/Threshold = %q/%q", d.Type, d.Threshold)
	}
	if d.TimeoutAt == nil || !d.TimeoutAt.Equal(f.clock.Add(60*time.Minute)) {
		t.Errorf("TimeoutAt = %v", d.TimeoutAt)
	}
}

func TestPropose_CategoryUsesRoomThreshold(t *testing.T) {
	f := newFixture(t, 0, func(s *room.Settings) { s.Threshold = room.ThresholdUnanimous })
	d := f.propose(t, "strategy")
	if d.Threshold != room.ThresholdUnanimous {
		t.Errorf("Threshold = %q, want unanimous", d.Threshold)
	}
	d = f.propose(t, room.ThresholdSupermajority)
	if d.Threshold != room.ThresholdSupermajority {
		t.Errorf("Threshold = %q, want supermajority", d.Threshold)
	}
}

func TestPropose_UnknownProposer(t *testing.T) {
	f := newFixture(t, 0, nil)
	_, err := f.engine.Propose(context.Background(), ProposeOpts{RoomID: f.room.ID, ProposerID: "wkr-stranger", Proposal: "x"})
	if !errors.Is(err, ErrUnknownProposer) {
		t.Errorf("err = %v, want ErrUnknownProposer", err)
	}
}

func TestPropose_AutoApprove(t *testing.T) {
	f := newFixture(t, 1, func(s *room.Settings) { s.AutoApprove = []string{"low_impact"} })
	var types []string
	f.bus.Subscribe(bus.Room(f.room.ID), func(e bus.Event) { types = append(types, e.Type) })

	d := f.propose(t, "low_impact")

	if d.Status != models.DecisionApproved {
		t.Errorf("Status = %q, want approved", d.Status)
	}
	if len(types) != 2 || types[0] != "decision.proposed" || types[1] != "decision.resolved" {
		t.Errorf("room events = %v", types)
	}
	stored, _ := f.engine.Get(context.Background(), d.ID)
	if stored.Status != models.DecisionApproved || stored.ResolvedAt == nil {
		t.Errorf("stored = %+v", stored)
	}
}

func TestCastVote_MinVotersThenApproveOnce(t *testing.T) {
	f := newFixture(t, 3, func(s *room.Settings) { s.MinVoters = 3 })
	ctx := context.Background()
	d := f.propose(t, "")

	got, err := f.engine.CastVote(ctx, d.ID, f.workers[0].ID, models.VoteYes, "")
	if err != nil {
		t.Fatalf("vote 1: %v", err)
	}
	if got.Status != models.DecisionOpen {
		t.Fatalf("resolved after one vote with minVoters=3")
	}
	got, _ = f.engine.CastVote(ctx, d.ID, f.workers[1].ID, models.VoteNo, "")
	if got.Status != models.DecisionOpen {
		t.Fatalf("resolved after two votes with minVoters=3")
	}
	got, err = f.engine.CastVote(ctx, d.ID, f.workers[2].ID, models.VoteYes, "")
	if err != nil {
		t.Fatalf("vote 3: %v", err)
	}
	if got.Status != models.DecisionApproved {
		t.Fatalf("Status = %q after third vote, want approved", got.Status)
	}

	if _, err := f.engine.CastVote(ctx, d.ID, f.queen.ID, models.VoteNo, ""); !errors.Is(err, ErrNotOpen) {
		t.Errorf("late vote err = %v, want ErrNotOpen", err)
	}
	if n := f.resolvedCount(); n != 1 {
		t.Errorf("decision.resolved emitted %d times, want 1", n)
	}

	var queen models.Worker
	f.db.First(&queen, "id = ?", f.queen.ID)
	if queen.VotesMissed != 1 {
		t.Errorf("queen VotesMissed = %d, want 1", queen.VotesMissed)
	}
}

func TestCastVote_LastWriteWins(t *testing.T) {
	f := newFixture(t, 2, func(s *room.Settings) { s.MinVoters = 3 })
	ctx := context.Background()
	d := f.propose(t, "")
	w := f.workers[0]

	if _, err := f.engine.CastVote(ctx, d.ID, w.ID, models.VoteYes, "first"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := f.engine.CastVote(ctx, d.ID, w.ID, models.VoteNo, "changed my mind"); err != nil {
		t.Fatalf("re-vote: %v", err)
	}

	var votes []models.Vote
	f.db.Where("decision_id = ?", d.ID).Find(&votes)
	if len(votes) != 1 {
		t.Fatalf("votes stored = %d, want 1", len(votes))
	}
	if votes[0].Vote != models.VoteNo || votes[0].Reasoning != "changed my mind" {
		t.Errorf("vote = %+v, want the second ballot", votes[0])
	}

	var stored models.Worker
	f.db.First(&stored, "id = ?", w.ID)
	if stored.VotesCast != 1 {
		t.Errorf("VotesCast = %d, want 1", stored.VotesCast)
	}
}

func TestCastVote_Rejections(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()
	d := f.propose(t, "")
	other, err := room.Create(f.db, nil, room.CreateOpts{Name: "other", Goal: "g"})
	if err != nil {
		t.Fatalf("room.Create: %v", err)
	}

	if _, err := f.engine.CastVote(ctx, d.ID, f.workers[0].ID, "maybe", ""); !errors.Is(err, ErrInvalidBallot) {
		t.Errorf("bad ballot err = %v", err)
	}
	if _, err := f.engine.CastVote(ctx, d.ID, other.Queen.ID, models.VoteYes, ""); !errors.Is(err, ErrNotEnfranchised) {
		t.Errorf("foreign voter err = %v", err)
	}
	if _, err := f.engine.CastVote(ctx, d.ID, models.KeeperID, models.VoteYes, ""); !errors.Is(err, ErrNotEnfranchised) {
		t.Errorf("keeper vote err = %v, want ErrNotEnfranchised", err)
	}
	if _, err := f.engine.CastVote(ctx, "dec-missing", f.workers[0].ID, models.VoteYes, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing decision err = %v", err)
	}

	mute, _ := room.AddWorker(f.db, nil, f.room.ID, room.WorkerOpts{Name: "mute", NoVote: true})
	if _, err := f.engine.CastVote(ctx, d.ID, mute.ID, models.VoteYes, ""); !errors.Is(err, ErrNotEnfranchised) {
		t.Errorf("non-voting worker err = %v", err)
	}
}

func TestCastVote_KeeperVotes(t *testing.T) {
	f := newFixture(t, 1, func(s *room.Settings) {
		s.KeeperVotes = true
		s.MinVoters = 2
	})
	ctx := context.Background()
	d := f.propose(t, "")
	f.engine.CastVote(ctx, d.ID, f.workers[0].ID, models.VoteYes, "")
	got, err := f.engine.CastVote(ctx, d.ID, models.KeeperID, models.VoteYes, "")
	if err != nil {
		t.Fatalf("keeper vote: %v", err)
	}
	if got.Status != models.DecisionApproved {
		t.Errorf("Status = %q, want approved", got.Status)
	}
}

func TestCastVote_ConcurrentResolvesOnce(t *testing.T) {
	f := newFixture(t, 8, func(s *room.Settings) { s.MinVoters = 3 })
	ctx := context.Background()
	d := f.propose(t, "")

	var wg sync.WaitGroup
	for _, w := range f.workers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.engine.CastVote(ctx, d.ID, id, models.VoteYes, "")
			if err != nil && !errors.Is(err, ErrNotOpen) {
				t.Errorf("CastVote(%s): %v", id, err)
			}
		}(w.ID)
	}
	wg.Wait()

	if n := f.resolvedCount(); n != 1 {
		t.Errorf("decision.resolved emitted %d times, want 1", n)
	}
	stored, _ := f.engine.Get(ctx, d.ID)
	if stored.Status != models.DecisionApproved {
		t.Errorf("Status = %q, want approved", stored.Status)
	}
	var n int64
	f.db.Model(&models.Vote{}).Where("decision_id = ?", d.ID).Count(&n)
	if n > int64(len(f.workers)+1) {
		t.Errorf("votes = %d exceeds enfranchised voters", n)
	}
}

func TestVotes_SealedBallot(t *testing.T) {
	f := newFixture(t, 2, func(s *room.Settings) {
		s.SealedBallot = true
		s.MinVoters = 3
	})
	ctx := context.Background()
	d := f.propose(t, "")
	var castEvent map[string]interface{}
	f.bus.Subscribe(bus.ChannelDecisions, func(e bus.Event) {
		if e.Type == "decision.vote_cast" {
			castEvent = e.Data.(map[string]interface{})
		}
	})
	f.engine.CastVote(ctx, d.ID, f.workers[0].ID, models.VoteYes, "mine")
	f.engine.CastVote(ctx, d.ID, f.workers[1].ID, models.VoteNo, "theirs")

	if _, leaked := castEvent["vote"]; leaked {
		t.Errorf("vote_cast event leaked ballot: %v", castEvent)
	}

	ballots, err := f.engine.Votes(ctx, d.ID, f.workers[0].ID)
	if err != nil {
		t.Fatalf("Votes: %v", err)
	}
	for _, b := range ballots {
		switch b.VoterID {
		case f.workers[0].ID:
			if b.Sealed || b.Vote != models.VoteYes || b.Reasoning != "mine" {
				t.Errorf("own ballot = %+v", b)
			}
		case f.workers[1].ID:
			if !b.Sealed || b.Vote != "" || b.Reasoning != "" {
				t.Errorf("other ballot not sealed: %+v", b)
			}
		}
	}

	keeperView, _ := f.engine.Votes(ctx, d.ID, models.KeeperID)
	for _, b := range keeperView {
		if b.Sealed {
			t.Errorf("keeper sees sealed ballot %+v", b)
		}
	}

	f.engine.CastVote(ctx, d.ID, f.queen.ID, models.VoteYes, "")
	after, _ := f.engine.Votes(ctx, d.ID, f.workers[0].ID)
	for _, b := range after {
		if b.Sealed {
			t.Errorf("ballot still sealed after resolution: %+v", b)
		}
	}
}

func TestVoterHealth_ExcludesBlockedVoters(t *testing.T) {
	f := newFixture(t, 3, func(s *room.Settings) {
		s.VoterHealth = true
		s.VoterHealthThreshold = 0.5
		s.MinVoters = 2
	})
	ctx := context.Background()
	f.db.Model(&models.Worker{}).Where("id = ?", f.workers[2].ID).Update("agent_state", models.AgentBlocked)
	d := f.propose(t, "")

	f.engine.CastVote(ctx, d.ID, f.workers[0].ID, models.VoteYes, "")
	got, _ := f.engine.CastVote(ctx, d.ID, f.workers[2].ID, models.VoteNo, "")
	if got.Status != models.DecisionOpen {
		t.Fatalf("blocked voter's ballot was counted: status %q", got.Status)
	}
	tally, _ := f.engine.Tally(ctx, d.ID)
	if tally.Counted() != 1 || tally.Eligible != 3 {
		t.Errorf("tally = %+v, want 1 counted of 3 eligible", tally)
	}
}

func TestResolve_Manual(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()
	d := f.propose(t, "")

	got, err := f.engine.Resolve(ctx, d.ID, models.DecisionRejected, "keeper says no", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != models.DecisionRejected || got.ResolvedBy != models.KeeperID {
		t.Errorf("decision = %+v", got)
	}
	if _, err := f.engine.Resolve(ctx, d.ID, models.DecisionApproved, "", ""); !errors.Is(err, ErrNotOpen) {
		t.Errorf("second Resolve err = %v, want ErrNotOpen", err)
	}
	if _, err := f.engine.Resolve(ctx, d.ID, "open", "", ""); err == nil {
		t.Error("expected error for non-terminal status")
	}
	if n := f.resolvedCount(); n != 1 {
		t.Errorf("resolved events = %d, want 1", n)
	}
}

func TestSweepExpired_Expires(t *testing.T) {
	f := newFixture(t, 2, func(s *room.Settings) {
		s.TieBreaker = room.TieBreakNone
		s.MinVoters = 3
		s.TimeoutMinutes = 10
	})
	ctx := context.Background()
	d := f.propose(t, "")
	f.engine.CastVote(ctx, d.ID, f.workers[0].ID, models.VoteYes, "")

	if n, _ := f.engine.SweepExpired(ctx); n != 0 {
		t.Fatalf("swept %d before timeout", n)
	}
	f.advance(11 * time.Minute)
	n, err := f.engine.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	stored, _ := f.engine.Get(ctx, d.ID)
	if stored.Status != models.DecisionExpired {
		t.Errorf("Status = %q, want expired", stored.Status)
	}
	if n, _ := f.engine.SweepExpired(ctx); n != 0 {
		t.Errorf("second sweep closed %d, want 0", n)
	}
}

func TestSweepExpired_QueenTieBreak(t *testing.T) {
	f := newFixture(t, 1, func(s *room.Settings) {
		s.TieBreaker = room.TieBreakQueen
		s.MinVoters = 2
		s.TimeoutMinutes = 5
	})
	ctx := context.Background()
	d := f.propose(t, "")
	f.engine.CastVote(ctx, d.ID, f.queen.ID, models.VoteYes, "")
	f.engine.CastVote(ctx, d.ID, f.workers[0].ID, models.VoteNo, "")

	f.advance(6 * time.Minute)
	if _, err := f.engine.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	stored, _ := f.engine.Get(ctx, d.ID)
	if stored.Status != models.DecisionApproved || stored.ResolvedBy != f.queen.ID {
		t.Errorf("decision = %+v, want approved by queen", stored)
	}
}

func TestSweepExpired_QueenSilentExpires(t *testing.T) {
	f := newFixture(t, 1, func(s *room.Settings) {
		s.TieBreaker = room.TieBreakQueen
		s.MinVoters = 2
		s.TimeoutMinutes = 5
	})
	ctx := context.Background()
	d := f.propose(t, "")
	f.advance(6 * time.Minute)
	f.engine.SweepExpired(ctx)
	stored, _ := f.engine.Get(ctx, d.ID)
	if stored.Status != models.DecisionExpired {
		t.Errorf("Status = %q, want expired", stored.Status)
	}
}

func TestSweepExpired_KeeperTieBreakEscalatesOnce(t *testing.T) {
	f := newFixture(t, 1, func(s *room.Settings) {
		s.TieBreaker = room.TieBreakKeeper
		s.MinVoters = 2
		s.TimeoutMinutes = 5
	})
	ctx := context.Background()
	d := f.propose(t, "")
	f.advance(6 * time.Minute)

	for i := 0; i < 2; i++ {
		if n, err := f.engine.SweepExpired(ctx); err != nil || n != 0 {
			t.Fatalf("sweep %d = %d, %v", i, n, err)
		}
	}
	stored, _ := f.engine.Get(ctx, d.ID)
	if stored.Status != models.DecisionOpen || stored.EscalatedAt == nil {
		t.Errorf("decision = %+v, want open and escalated", stored)
	}
	pending, _ := messaging.PendingForKeeper(f.db, f.room.ID)
	if len(pending) != 1 || pending[0].DecisionID != d.ID {
		t.Errorf("keeper escalations = %+v, want exactly one for %s", pending, d.ID)
	}

	if _, err := f.engine.Resolve(ctx, d.ID, models.DecisionApproved, "keeper decided", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestOpenFor(t *testing.T) {
	f := newFixture(t, 2, func(s *room.Settings) { s.MinVoters = 3 })
	ctx := context.Background()
	d1 := f.propose(t, "")
	d2 := f.propose(t, "")
	f.engine.CastVote(ctx, d1.ID, f.workers[0].ID, models.VoteYes, "")

	open, err := f.engine.OpenFor(ctx, f.room.ID, f.workers[0].ID)
	if err != nil {
		t.Fatalf("OpenFor: %v", err)
	}
	if len(open) != 1 || open[0].ID != d2.ID {
		t.Errorf("OpenFor = %+v, want only %s", open, d2.ID)
	}
}

func TestSingleVoterApprovesEndToEnd(t *testing.T) {
	f := newFixture(t, 0, func(s *room.Settings) { s.MinVoters = 1 })
	ctx := context.Background()
	var roomEvents, decisionEvents []string
	f.bus.Subscribe(bus.Room(f.room.ID), func(e bus.Event) { roomEvents = append(roomEvents, e.Type) })
	f.bus.Subscribe(bus.ChannelDecisions, func(e bus.Event) { decisionEvents = append(decisionEvents, e.Type) })

	d := f.propose(t, room.ThresholdMajority)
	got, err := f.engine.CastVote(ctx, d.ID, f.queen.ID, models.VoteYes, "agreed")
	if err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	if got.Status != models.DecisionApproved {
		t.Fatalf("Status = %q, want approved", got.Status)
	}
	for name, events := range map[string][]string{"room": roomEvents, "decisions": decisionEvents} {
		found := false
		for _, typ := range events {
			if typ == "decision.resolved" {
				found = true
			}
		}
		if !found {
			t.Errorf("%s channel saw %v, want decision.resolved", name, events)
		}
	}
}
