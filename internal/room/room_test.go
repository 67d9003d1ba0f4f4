package room

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/db"
	"github.com/zulandar/quoroom/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "room.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

type recorder struct{ events []bus.Event }

func (r *recorder) Emit(channel, eventType string, data any) {
	r.events = append(r.events, bus.Event{Channel: channel, Type: eventType, Data: data})
}

func (r *recorder) types(channel string) []string {
	var out []string
	for _, e := range r.events {
		if e.Channel == channel {
			out = append(out, e.Type)
		}
	}
	return out
}

func TestCreate(t *testing.T) {
	gdb := openTestDB(t)
	rec := &recorder{}

	got, err := Create(gdb, rec, CreateOpts{Name: "growth", Goal: "Reach 100 users", QueenModel: "opus"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.Room.Status != models.RoomActive {
		t.Errorf("Status = %q, want active", got.Room.Status)
	}
	if got.Room.QueenID != got.Queen.ID {
		t.Errorf("QueenID = %q, want %q", got.Room.QueenID, got.Queen.ID)
	}
	if got.Queen.Role != models.RoleQueen {
		t.Errorf("queen Role = %q", got.Queen.Role)
	}
	if got.RootGoal.ParentID != nil || got.RootGoal.Description != "Reach 100 users" {
		t.Errorf("RootGoal = %+v", got.RootGoal)
	}

	ws, err := Workers(gdb, got.Room.ID)
	if err != nil {
		t.Fatalf("Workers: %v", err)
	}
	if len(ws) != 1 || ws[0].ID != got.Queen.ID {
		t.Errorf("Workers = %+v, want just the queen", ws)
	}

	if types := rec.types(bus.Room(got.Room.ID)); len(types) != 1 || types[0] != "room.created" {
		t.Errorf("room events = %v", types)
	}
}

func TestCreate_Validation(t *testing.T) {
	gdb := openTestDB(t)
	if _, err := Create(gdb, nil, CreateOpts{Goal: "x"}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := Create(gdb, nil, CreateOpts{Name: "x"}); err == nil {
		t.Error("expected error for missing goal")
	}
	bad := DefaultSettings()
	bad.MaxTurns = 0
	if _, err := Create(gdb, nil, CreateOpts{Name: "x", Goal: "y", Settings: &bad}); err == nil {
		t.Error("expected error for invalid settings")
	}
}

func TestPauseResume(t *testing.T) {
	gdb := openTestDB(t)
	c, _ := Create(gdb, nil, CreateOpts{Name: "r", Goal: "g"})

	if err := Pause(gdb, nil, c.Room.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	r, _ := Get(gdb, c.Room.ID)
	if r.Status != models.RoomPaused {
		t.Errorf("Status = %q, want paused", r.Status)
	}
	if err := Resume(gdb, nil, c.Room.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	r, _ = Get(gdb, c.Room.ID)
	if r.Status != models.RoomActive {
		t.Errorf("Status = %q, want active", r.Status)
	}

	if err := Pause(gdb, nil, "room-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Pause(missing) = %v, want ErrNotFound", err)
	}
}

func TestReplaceSettings_OptimisticVersion(t *testing.T) {
	gdb := openTestDB(t)
	c, _ := Create(gdb, nil, CreateOpts{Name: "r", Goal: "g"})

	s, v, err := LoadSettings(gdb, c.Room.ID)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}

	s.MinVoters = 3
	nv, err := ReplaceSettings(gdb, nil, c.Room.ID, v, s)
	if err != nil {
		t.Fatalf("ReplaceSettings: %v", err)
	}
	if nv != 2 {
		t.Errorf("new version = %d, want 2", nv)
	}

	s.MinVoters = 5
	if _, err := ReplaceSettings(gdb, nil, c.Room.ID, v, s); !errors.Is(err, ErrStaleSettings) {
		t.Errorf("stale replace err = %v, want ErrStaleSettings", err)
	}

	got, gv, _ := LoadSettings(gdb, c.Room.ID)
	if got.MinVoters != 3 || gv != 2 {
		t.Errorf("settings = %d@v%d, want 3@v2", got.MinVoters, gv)
	}
}

func TestAddWorker_NoVote(t *testing.T) {
	gdb := openTestDB(t)
	c, _ := Create(gdb, nil, CreateOpts{Name: "r", Goal: "g"})

	w, err := AddWorker(gdb, nil, c.Room.ID, WorkerOpts{Name: "observer", NoVote: true})
	if err != nil {
		t.Fatalf("AddWorker: %v", err)
	}
	got, _ := GetWorker(gdb, w.ID)
	if got.CanVote {
		t.Error("CanVote = true, want false")
	}
	if got.AgentState != models.AgentIdle {
		t.Errorf("AgentState = %q, want idle", got.AgentState)
	}

	if _, err := AddWorker(gdb, nil, "room-missing", WorkerOpts{Name: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddWorker(missing room) = %v, want ErrNotFound", err)
	}
}

func TestDeleteWorker_Cascades(t *testing.T) {
	gdb := openTestDB(t)
	c, _ := Create(gdb, nil, CreateOpts{Name: "r", Goal: "g"})
	w, _ := AddWorker(gdb, nil, c.Room.ID, WorkerOpts{Name: "w1"})

	gdb.Create(&models.Cycle{ID: "cyc-1", WorkerID: w.ID, RoomID: c.Room.ID, Status: models.CycleCompleted})
	gdb.Create(&models.CycleLog{CycleID: "cyc-1", Seq: 1, EntryType: models.LogSystem})
	gdb.Create(&models.Decision{ID: "dec-open", RoomID: c.Room.ID, ProposerID: c.Queen.ID, Proposal: "p", Status: models.DecisionOpen})
	gdb.Create(&models.Decision{ID: "dec-done", RoomID: c.Room.ID, ProposerID: c.Queen.ID, Proposal: "p", Status: models.DecisionApproved})
	gdb.Create(&models.Vote{DecisionID: "dec-open", VoterID: w.ID, Vote: models.VoteYes})
	gdb.Create(&models.Vote{DecisionID: "dec-done", VoterID: w.ID, Vote: models.VoteYes})

	if err := DeleteWorker(gdb, nil, w.ID); err != nil {
		t.Fatalf("DeleteWorker: %v", err)
	}

	var n int64
	gdb.Model(&models.Cycle{}).Where("worker_id = ?", w.ID).Count(&n)
	if n != 0 {
		t.Errorf("cycles left = %d, want 0", n)
	}
	gdb.Model(&models.CycleLog{}).Where("cycle_id = ?", "cyc-1").Count(&n)
	if n != 0 {
		t.Errorf("cycle logs left = %d, want 0", n)
	}
	gdb.Model(&models.Vote{}).Where("voter_id = ?", w.ID).Count(&n)
	if n != 1 {
		t.Errorf("votes left = %d, want 1 (closed decision keeps its ballot)", n)
	}
	if _, err := GetWorker(gdb, w.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetWorker after delete = %v, want ErrNotFound", err)
	}
}

func TestDeleteWorker_Guards(t *testing.T) {
	gdb := openTestDB(t)
	c, _ := Create(gdb, nil, CreateOpts{Name: "r", Goal: "g"})
	w, _ := AddWorker(gdb, nil, c.Room.ID, WorkerOpts{Name: "w1"})

	if err := DeleteWorker(gdb, nil, c.Queen.ID); !errors.Is(err, ErrQueenUndeletable) {
		t.Errorf("delete queen = %v, want ErrQueenUndeletable", err)
	}

	gdb.Create(&models.Cycle{ID: "cyc-run", WorkerID: w.ID, RoomID: c.Room.ID, Status: models.CycleRunning})
	if err := DeleteWorker(gdb, nil, w.ID); !errors.Is(err, ErrWorkerBusy) {
		t.Errorf("delete busy worker = %v, want ErrWorkerBusy", err)
	}
}

func TestUnblock(t *testing.T) {
	gdb := openTestDB(t)
	rec := &recorder{}
	c, _ := Create(gdb, nil, CreateOpts{Name: "r", Goal: "g"})
	gdb.Model(&models.Worker{}).Where("id = ?", c.Queen.ID).Updates(map[string]interface{}{
		"agent_state":   models.AgentBlocked,
		"backoff_level": 3,
	})

	w, err := Unblock(gdb, rec, c.Queen.ID)
	if err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if w.AgentState != models.AgentIdle || w.BackoffLevel != 0 {
		t.Errorf("worker = %+v", w)
	}
	if types := rec.types(bus.ChannelWorkers); len(types) != 1 || types[0] != "worker.state" {
		t.Errorf("worker events = %v", types)
	}

	if _, err := Unblock(gdb, nil, c.Queen.ID); err == nil {
		t.Error("expected error unblocking an idle worker")
	}
}
