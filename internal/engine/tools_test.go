package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/zulandar/quoroom/internal/goal"
	"github.com/zulandar/quoroom/internal/messaging"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/quorum"
	"github.com/zulandar/quoroom/internal/room"
)

type memStub struct {
	stored []string
}

func (m *memStub) Remember(_ context.Context, workerID string, payload json.RawMessage) (string, error) {
	m.stored = append(m.stored, workerID+":"+string(payload))
	return "remembered", nil
}

func (m *memStub) Recall(_ context.Context, workerID string, payload json.RawMessage) (string, error) {
	if len(m.stored) == 0 {
		return "", errors.New("index offline")
	}
	return m.stored[len(m.stored)-1], nil
}

func (h *harness) toolbox(t *testing.T, mem MemoryStore) *toolbox {
	t.Helper()
	w := h.reload(t, h.worker)
	return &toolbox{
		db:     h.db,
		quorum: quorum.New(h.db, h.rec),
		memory: mem,
		run:    &cycleRun{worker: w, room: h.room, em: h.rec},
	}
}

func mustExec(t *testing.T, tb *toolbox, c ToolCall) ToolResult {
	t.Helper()
	res, err := tb.execute(context.Background(), c)
	if err != nil {
		t.Fatalf("execute %s: %v", c.Name, err)
	}
	return res
}

func TestTool_Propose(t *testing.T) {
	h := newHarness(t, nil)
	tb := h.toolbox(t, nil)

	res := mustExec(t, tb, call(ToolPropose, map[string]string{"proposal": "hire an editor", "type": "strategy"}))
	if res.Error != "" || !strings.Contains(res.Output, "is open") {
		t.Errorf("result = %+v", res)
	}
	ds, _ := quorum.New(h.db, nil).List(context.Background(), h.room.ID, models.DecisionOpen)
	if len(ds) != 1 || ds[0].ProposerID != h.worker.ID || ds[0].Type != "strategy" {
		t.Errorf("decisions = %+v", ds)
	}

	res = mustExec(t, tb, call(ToolPropose, map[string]string{}))
	if !strings.Contains(res.Error, "proposal is required") {
		t.Errorf("empty proposal result = %+v", res)
	}
}

func TestTool_CastVoteRejections(t *testing.T) {
	h := newHarness(t, nil)
	tb := h.toolbox(t, nil)

	res := mustExec(t, tb, call(ToolCastVote, map[string]string{"decision_id": "dec-nope", "vote": "yes"}))
	if !strings.Contains(res.Error, "not found") {
		t.Errorf("missing decision result = %+v", res)
	}

	q := quorum.New(h.db, nil)
	d, _ := q.Propose(context.Background(), quorum.ProposeOpts{RoomID: h.room.ID, ProposerID: h.queen.ID, Proposal: "x"})
	q.Resolve(context.Background(), d.ID, models.DecisionRejected, "", "")
	res = mustExec(t, tb, call(ToolCastVote, map[string]string{"decision_id": d.ID, "vote": "yes"}))
	if !strings.Contains(res.Error, "not open") {
		t.Errorf("closed decision result = %+v", res)
	}

	other, _ := room.Create(h.db, nil, room.CreateOpts{Name: "elsewhere", Goal: "g"})
	od, _ := q.Propose(context.Background(), quorum.ProposeOpts{RoomID: other.Room.ID, ProposerID: other.Queen.ID, Proposal: "y"})
	res = mustExec(t, tb, call(ToolCastVote, map[string]string{"decision_id": od.ID, "vote": "yes"}))
	if !strings.Contains(res.Error, "another room") {
		t.Errorf("foreign decision result = %+v", res)
	}
}

func TestTool_EscalateToKeeper(t *testing.T) {
	h := newHarness(t, nil)
	tb := h.toolbox(t, nil)

	res := mustExec(t, tb, call(ToolEscalate, map[string]string{"message": "need a budget"}))
	if res.Error != "" {
		t.Fatalf("result = %+v", res)
	}
	pending, _ := messaging.PendingForKeeper(h.db, h.room.ID)
	if len(pending) != 1 || pending[0].FromAgentID != h.worker.ID {
		t.Errorf("keeper escalations = %+v", pending)
	}

	res = mustExec(t, tb, call(ToolEscalate, map[string]string{"to": "wkr-ghost", "message": "hi"}))
	if res.Error == "" {
		t.Error("expected error escalating to an unknown worker")
	}
}

func TestTool_Goals(t *testing.T) {
	h := newHarness(t, nil)
	tb := h.toolbox(t, nil)
	roots, _ := goal.Tree(h.db, h.room.ID)
	rootID := roots[0].ID

	res := mustExec(t, tb, call(ToolCreateSubgoal, map[string]string{"parent_id": rootID, "description": "collect data"}))
	if res.Error != "" {
		t.Fatalf("create_subgoal = %+v", res)
	}
	subID := strings.TrimPrefix(res.Output, "created goal ")
	sub, err := goal.Get(h.db, subID)
	if err != nil {
		t.Fatalf("goal.Get: %v", err)
	}
	if sub.AssignedWorkerID != h.worker.ID || sub.ParentID == nil || *sub.ParentID != rootID {
		t.Errorf("subgoal = %+v", sub)
	}

	res = mustExec(t, tb, call(ToolUpdateGoal, map[string]any{"goal_id": subID, "progress": 1.0, "observation": "data in", "status": "completed"}))
	if res.Error != "" {
		t.Fatalf("update_goal = %+v", res)
	}
	sub, _ = goal.Get(h.db, subID)
	if sub.Progress != 1 || sub.Status != models.GoalCompleted {
		t.Errorf("updated goal = %+v", sub)
	}

	for name, args := range map[string]map[string]any{
		"out of range": {"goal_id": subID, "progress": 1.5},
		"bad status":   {"goal_id": subID, "status": "done-ish"},
		"nothing":      {"goal_id": subID},
		"missing goal": {"goal_id": "goal-nope", "progress": 0.5},
	} {
		if res := mustExec(t, tb, call(ToolUpdateGoal, args)); res.Error == "" {
			t.Errorf("%s: expected a rejection", name)
		}
	}
}

func TestTool_SaveWIPLimits(t *testing.T) {
	h := newHarness(t, nil)
	tb := h.toolbox(t, nil)
	if res := mustExec(t, tb, call(ToolSaveWIP, map[string]string{"text": "   "})); res.Error == "" {
		t.Error("expected rejection for blank WIP")
	}
	long := strings.Repeat("x", MaxWIPLength+1)
	if res := mustExec(t, tb, call(ToolSaveWIP, map[string]string{"text": long})); res.Error == "" {
		t.Error("expected rejection for oversized WIP")
	}
	if res := mustExec(t, tb, ToolCall{ID: "1", Name: ToolSaveWIP, Args: json.RawMessage(`{"text":`)}); res.Error == "" {
		t.Error("expected rejection for malformed arguments")
	}
}

func TestTool_MemoryPassThrough(t *testing.T) {
	h := newHarness(t, nil)

	res := mustExec(t, h.toolbox(t, nil), call(ToolRecall, map[string]string{"query": "x"}))
	if !strings.Contains(res.Error, "memory is not configured") {
		t.Errorf("no memory result = %+v", res)
	}

	mem := &memStub{}
	tb := h.toolbox(t, mem)
	if res := mustExec(t, tb, call(ToolRecall, map[string]string{"query": "x"})); !strings.Contains(res.Error, "index offline") {
		t.Errorf("failing recall = %+v", res)
	}
	mustExec(t, tb, call(ToolRemember, map[string]string{"content": "editor likes tables"}))
	res = mustExec(t, tb, call(ToolRecall, map[string]string{"query": "editor"}))
	if !strings.Contains(res.Output, `"content":"editor likes tables"`) {
		t.Errorf("recall output = %q", res.Output)
	}
}

func TestCatalog_Closed(t *testing.T) {
	names := map[string]bool{}
	for _, s := range Catalog() {
		names[s.Name] = true
	}
	for _, n := range []string{ToolSaveWIP, ToolPropose, ToolCastVote, ToolEscalate, ToolCreateSubgoal, ToolUpdateGoal, ToolRemember, ToolRecall} {
		if !names[n] {
			t.Errorf("catalog missing %s", n)
		}
	}
	if len(names) != 8 {
		t.Errorf("catalog has %d tools, want 8", len(names))
	}
}
