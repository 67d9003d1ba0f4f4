package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/quoroom/internal/goal"
	"github.com/zulandar/quoroom/internal/messaging"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/quorum"
	"github.com/zulandar/quoroom/internal/room"
	"gorm.io/gorm"
)

// Tool names in the closed catalog.
const (
	ToolSaveWIP       = "save_wip"
	ToolPropose       = "propose"
	ToolCastVote      = "cast_vote"
	ToolEscalate      = "escalate"
	ToolCreateSubgoal = "create_subgoal"
	ToolUpdateGoal    = "update_goal"
	ToolRemember      = "remember"
	ToolRecall        = "recall"
)

// MaxWIPLength bounds a saved WIP checkpoint, in characters.
const MaxWIPLength = 8000

// errBadArgs marks tool input the reasoner got wrong.
var errBadArgs = errors.New("invalid arguments")

// Catalog lists the tools offered to every worker.
func Catalog() []ToolSpec {
	return []ToolSpec{
		{Name: ToolSaveWIP, Description: "Save a short note on unfinished work. It is shown to you verbatim at the start of your next cycle and replaces any earlier note.",
			Params: map[string]string{"text": "the checkpoint text"}},
		{Name: ToolPropose, Description: "Open a decision for the room to vote on.",
			Params: map[string]string{"proposal": "what is proposed", "type": "majority, supermajority, unanimous or a category such as low_impact"}},
		{Name: ToolCastVote, Description: "Vote on an open decision. Voting again replaces your earlier vote.",
			Params: map[string]string{"decision_id": "decision to vote on", "vote": "yes, no or abstain", "reasoning": "why"}},
		{Name: ToolEscalate, Description: "Send a question or blocker to another worker, or to the keeper when to is empty.",
			Params: map[string]string{"to": "worker id, or empty for the keeper", "message": "what you need"}},
		{Name: ToolCreateSubgoal, Description: "Break a goal down into a subgoal assigned to you.",
			Params: map[string]string{"parent_id": "goal to decompose", "description": "the subgoal"}},
		{Name: ToolUpdateGoal, Description: "Record progress on a goal and optionally change its status.",
			Params: map[string]string{"goal_id": "goal to update", "progress": "0 to 1", "metric_value": "optional number", "observation": "what changed", "status": "optional: active, completed, abandoned or blocked"}},
		{Name: ToolRemember, Description: "Store something in long-term memory.",
			Params: map[string]string{"content": "what to remember"}},
		{Name: ToolRecall, Description: "Search long-term memory.",
			Params: map[string]string{"query": "what to look for"}},
	}
}

// toolbox executes tool calls on behalf of one worker.
type toolbox struct {
	db     *gorm.DB
	quorum *quorum.Engine
	memory MemoryStore
	run    *cycleRun
}

// execute runs one call. Rejections become result errors; only failures of
// the system itself are returned as err.
func (t *toolbox) execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	res := ToolResult{CallID: call.ID}
	out, err := t.dispatch(ctx, call)
	if err != nil {
		if !isRejection(err) {
			return res, fmt.Errorf("engine: tool %s: %w", call.Name, err)
		}
		res.Error = err.Error()
		return res, nil
	}
	res.Output = out
	return res, nil
}

func (t *toolbox) dispatch(ctx context.Context, call ToolCall) (string, error) {
	switch call.Name {
	case ToolSaveWIP:
		return t.saveWIP(ctx, call.Args)
	case ToolPropose:
		return t.propose(ctx, call.Args)
	case ToolCastVote:
		return t.castVote(ctx, call.Args)
	case ToolEscalate:
		return t.escalate(ctx, call.Args)
	case ToolCreateSubgoal:
		return t.createSubgoal(ctx, call.Args)
	case ToolUpdateGoal:
		return t.updateGoal(ctx, call.Args)
	case ToolRemember, ToolRecall:
		if t.memory == nil {
			return "", fmt.Errorf("%w: memory is not configured", errBadArgs)
		}
		var (
			out string
			err error
		)
		if call.Name == ToolRemember {
			out, err = t.memory.Remember(ctx, t.run.worker.ID, call.Args)
		} else {
			out, err = t.memory.Recall(ctx, t.run.worker.ID, call.Args)
		}
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", errBadArgs, call.Name, err)
		}
		return out, nil
	default:
		return "", fmt.Errorf("%w: unknown tool %q", errBadArgs, call.Name)
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errBadArgs, err)
	}
	return nil
}

func (t *toolbox) saveWIP(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	text := strings.TrimSpace(args.Text)
	if text == "" {
		return "", fmt.Errorf("%w: text is required", errBadArgs)
	}
	if n := utf8.RuneCountInString(text); n > MaxWIPLength {
		return "", fmt.Errorf("%w: wip is %d characters, limit is %d", errBadArgs, n, MaxWIPLength)
	}
	w := t.run.worker
	if err := t.db.WithContext(ctx).Model(&models.Worker{}).Where("id = ?", w.ID).Update("wip", text).Error; err != nil {
		return "", err
	}
	w.WIP = &text
	return "saved", nil
}

func (t *toolbox) propose(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Proposal string `json:"proposal"`
		Type     string `json:"type"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Proposal) == "" {
		return "", fmt.Errorf("%w: proposal is required", errBadArgs)
	}
	d, err := t.quorum.Propose(ctx, quorum.ProposeOpts{
		RoomID:     t.run.worker.RoomID,
		ProposerID: t.run.worker.ID,
		Proposal:   args.Proposal,
		Type:       args.Type,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("decision %s is %s", d.ID, d.Status), nil
}

func (t *toolbox) castVote(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		DecisionID string `json:"decision_id"`
		Vote       string `json:"vote"`
		Reasoning  string `json:"reasoning"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	d, err := t.quorum.Get(ctx, args.DecisionID)
	if err != nil {
		return "", err
	}
	if d.RoomID != t.run.worker.RoomID {
		return "", fmt.Errorf("%w: decision %s belongs to another room", errBadArgs, d.ID)
	}
	d, err = t.quorum.CastVote(ctx, args.DecisionID, t.run.worker.ID, args.Vote, args.Reasoning)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vote recorded; decision %s is %s", d.ID, d.Status), nil
}

func (t *toolbox) escalate(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Message) == "" {
		return "", fmt.Errorf("%w: message is required", errBadArgs)
	}
	gdb := t.db.WithContext(ctx)
	if args.To != "" && args.To != models.KeeperID {
		to, err := room.GetWorker(gdb, args.To)
		if err != nil {
			return "", err
		}
		if to.RoomID != t.run.worker.RoomID {
			return "", fmt.Errorf("%w: worker %s is in another room", errBadArgs, to.ID)
		}
	}
	esc, err := messaging.Escalate(gdb, t.run.em, messaging.EscalateOpts{
		RoomID:  t.run.worker.RoomID,
		From:    t.run.worker.ID,
		To:      args.To,
		Message: args.Message,
	})
	if err != nil {
		return "", err
	}
	return "escalation " + esc.ID + " sent", nil
}

func (t *toolbox) createSubgoal(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		ParentID    string `json:"parent_id"`
		Description string `json:"description"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Description) == "" {
		return "", fmt.Errorf("%w: description is required", errBadArgs)
	}
	gdb := t.db.WithContext(ctx)
	if _, err := t.ownGoal(gdb, args.ParentID); err != nil {
		return "", err
	}
	g, err := goal.Create(gdb, t.run.em, goal.CreateOpts{
		RoomID:      t.run.worker.RoomID,
		ParentID:    args.ParentID,
		Description: args.Description,
		AssignedTo:  t.run.worker.ID,
	})
	if err != nil {
		return "", err
	}
	return "created goal " + g.ID, nil
}

func (t *toolbox) updateGoal(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		GoalID      string   `json:"goal_id"`
		Progress    *float64 `json:"progress"`
		MetricValue *float64 `json:"metric_value"`
		Observation string   `json:"observation"`
		Status      string   `json:"status"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.Progress == nil && args.Status == "" {
		return "", fmt.Errorf("%w: progress or status is required", errBadArgs)
	}
	if args.Progress != nil && (*args.Progress < 0 || *args.Progress > 1) {
		return "", fmt.Errorf("%w: progress must be between 0 and 1", errBadArgs)
	}
	switch args.Status {
	case "", models.GoalActive, models.GoalCompleted, models.GoalAbandoned, models.GoalBlocked:
	default:
		return "", fmt.Errorf("%w: unknown goal status %q", errBadArgs, args.Status)
	}

	gdb := t.db.WithContext(ctx)
	g, err := t.ownGoal(gdb, args.GoalID)
	if err != nil {
		return "", err
	}
	if args.Progress != nil {
		if g, err = goal.UpdateProgress(gdb, t.run.em, g.ID, goal.ProgressOpts{
			WorkerID:    t.run.worker.ID,
			Progress:    *args.Progress,
			MetricValue: args.MetricValue,
			Observation: args.Observation,
		}); err != nil {
			return "", err
		}
	}
	if args.Status != "" && args.Status != g.Status {
		if g, err = goal.SetStatus(gdb, t.run.em, g.ID, args.Status); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("goal %s is %s at %.0f%%", g.ID, g.Status, g.Progress*100), nil
}

// ownGoal loads a goal and checks it belongs to the worker's room.
func (t *toolbox) ownGoal(gdb *gorm.DB, goalID string) (*models.Goal, error) {
	if goalID == "" {
		return nil, fmt.Errorf("%w: goal id is required", errBadArgs)
	}
	g, err := goal.Get(gdb, goalID)
	if err != nil {
		return nil, err
	}
	if g.RoomID != t.run.worker.RoomID {
		return nil, fmt.Errorf("%w: goal %s belongs to another room", errBadArgs, g.ID)
	}
	return g, nil
}

var rejections = []error{
	errBadArgs,
	quorum.ErrNotFound,
	quorum.ErrNotOpen,
	quorum.ErrNotEnfranchised,
	quorum.ErrUnknownProposer,
	quorum.ErrInvalidBallot,
	goal.ErrNotFound,
	room.ErrNotFound,
	messaging.ErrNotFound,
}

func isRejection(err error) bool {
	for _, target := range rejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
