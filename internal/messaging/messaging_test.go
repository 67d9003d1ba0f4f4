package messaging

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/db"
	"github.com/zulandar/quoroom/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "messaging.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func TestEscalate_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts EscalateOpts
		want string
	}{
		{"missing room", EscalateOpts{From: "w", Message: "m"}, "messaging: room is required"},
		{"missing from", EscalateOpts{RoomID: "r", Message: "m"}, "messaging: from is required"},
		{"missing message", EscalateOpts{RoomID: "r", From: "w"}, "messaging: message is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Escalate(nil, nil, tt.opts)
			if err == nil || err.Error() != tt.want {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestEscalate_ToWorkerAndKeeper(t *testing.T) {
	gdb := openTestDB(t)
	b := bus.New()
	var got []string
	b.Subscribe(bus.ChannelEscalations, func(e bus.Event) { got = append(got, e.Type) })

	if _, err := Escalate(gdb, b, EscalateOpts{RoomID: "r1", From: "wkr-a", To: "wkr-q", Message: "need budget"}); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	keeperEsc, err := Escalate(gdb, b, EscalateOpts{RoomID: "r1", From: "wkr-a", To: models.KeeperID, Message: "api key expired"})
	if err != nil {
		t.Fatalf("Escalate keeper: %v", err)
	}
	if keeperEsc.ToAgentID != "" {
		t.Errorf("keeper ToAgentID = %q, want empty", keeperEsc.ToAgentID)
	}

	pending, err := Pending(gdb, "wkr-q")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Message != "need budget" {
		t.Errorf("Pending = %+v", pending)
	}
	keeper, err := PendingForKeeper(gdb, "r1")
	if err != nil {
		t.Fatalf("PendingForKeeper: %v", err)
	}
	if len(keeper) != 1 || keeper[0].ID != keeperEsc.ID {
		t.Errorf("PendingForKeeper = %+v", keeper)
	}
	if len(got) != 2 {
		t.Errorf("events = %v, want 2 escalation.created", got)
	}
}

func TestResolve(t *testing.T) {
	gdb := openTestDB(t)
	esc, _ := Escalate(gdb, nil, EscalateOpts{RoomID: "r1", From: "wkr-a", To: "wkr-q", Message: "?"})

	got, err := Resolve(gdb, nil, esc.ID, "go ahead")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != models.EscalationResolved || got.Answer != "go ahead" || got.ResolvedAt == nil {
		t.Errorf("resolved = %+v", got)
	}
	pending, _ := Pending(gdb, "wkr-q")
	if len(pending) != 0 {
		t.Errorf("Pending after resolve = %d, want 0", len(pending))
	}

	if _, err := Resolve(gdb, nil, esc.ID, "again"); err == nil {
		t.Error("expected error resolving twice")
	}
	if _, err := Resolve(gdb, nil, "esc-missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(missing) = %v, want ErrNotFound", err)
	}
}

func TestPending_MissingWorker(t *testing.T) {
	if _, err := Pending(nil, ""); err == nil || err.Error() != "messaging: workerID is required" {
		t.Errorf("err = %v", err)
	}
}

func TestMarkDelivered(t *testing.T) {
	gdb := openTestDB(t)
	first, _ := Escalate(gdb, nil, EscalateOpts{RoomID: "r1", From: "wkr-a", To: "wkr-q", Message: "need budget"})
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	if err := MarkDelivered(gdb, nil, at); err != nil {
		t.Fatalf("MarkDelivered(nil): %v", err)
	}
	if err := MarkDelivered(gdb, []string{first.ID}, at); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	second, _ := Escalate(gdb, nil, EscalateOpts{RoomID: "r1", From: "wkr-a", To: "wkr-q", Message: "budget approved?"})

	pending, err := Pending(gdb, "wkr-q")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Errorf("Pending = %+v, want only the undelivered escalation", pending)
	}

	if err := MarkDelivered(gdb, []string{first.ID}, at.Add(time.Hour)); err != nil {
		t.Fatalf("MarkDelivered again: %v", err)
	}
	var got models.Escalation
	gdb.First(&got, "id = ?", first.ID)
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(at) {
		t.Errorf("DeliveredAt = %v, want first stamp %v", got.DeliveredAt, at)
	}
	if got.Status != models.EscalationPending {
		t.Errorf("Status = %q, delivery must not resolve", got.Status)
	}
}
