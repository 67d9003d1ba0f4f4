package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zulandar/quoroom/internal/goal"
	"github.com/zulandar/quoroom/internal/models"
	"github.com/zulandar/quoroom/internal/room"
)

// ContextInput holds all data needed to render a cycle's opening context.
type ContextInput struct {
	Room        *models.Room
	Worker      *models.Worker
	Settings    room.Settings
	Goals       []*goal.Node
	Escalations []models.Escalation
	Decisions   []models.Decision // open, not yet voted on by the worker
	Tools       []ToolSpec
}

// RenderContext produces the markdown context handed to the reasoner at the
// start of a cycle.
func RenderContext(input ContextInput) (string, error) {
	if input.Room == nil {
		return "", fmt.Errorf("engine: room is required")
	}
	if input.Worker == nil {
		return "", fmt.Errorf("engine: worker is required")
	}

	var w strings.Builder
	writeHeader(&w, input.Room, input.Worker)
	writeGoals(&w, input.Goals)
	writeWIP(&w, input.Worker.WIP)
	writeEscalations(&w, input.Escalations)
	writeDecisions(&w, input.Decisions)
	writeTools(&w, input.Tools)
	writeInstructions(&w, input.Settings)
	return w.String(), nil
}

func writeHeader(w *strings.Builder, r *models.Room, wk *models.Worker) {
	fmt.Fprintf(w, "# You are %s, the %s of room %q\n", wk.Name, wk.Role, r.Name)
	fmt.Fprintf(w, "# Worker ID: %s\n", wk.ID)
	fmt.Fprintf(w, "# Room goal: %s\n", r.Goal)
	w.WriteString("\n")
}

func writeGoals(w *strings.Builder, roots []*goal.Node) {
	w.WriteString("## Goal Tree\n")
	if len(roots) == 0 {
		w.WriteString("(no goals)\n\n")
		return
	}
	w.WriteString(goal.Render(roots))
	w.WriteString("\n")
}

func writeWIP(w *strings.Builder, wip *string) {
	if wip == nil || *wip == "" {
		return
	}
	w.WriteString("## Your Saved Progress\n")
	w.WriteString("You saved this at the end of an earlier cycle. Continue from here and do not repeat finished steps.\n\n")
	w.WriteString(*wip)
	w.WriteString("\n\n")
}

func writeEscalations(w *strings.Builder, escs []models.Escalation) {
	if len(escs) == 0 {
		return
	}
	w.WriteString("## Messages For You\n")
	for _, e := range escs {
		fmt.Fprintf(w, "### [%s] from %s | %s\n", e.ID, e.FromAgentID, e.CreatedAt.Format("2006-01-02 15:04"))
		w.WriteString(e.Message)
		w.WriteString("\n\n")
	}
}

func writeDecisions(w *strings.Builder, ds []models.Decision) {
	if len(ds) == 0 {
		return
	}
	w.WriteString("## Open Decisions Awaiting Your Vote\n")
	for _, d := range ds {
		fmt.Fprintf(w, "- [%s] (%s, proposed by %s) %s\n", d.ID, d.Threshold, d.ProposerID, d.Proposal)
	}
	w.WriteString("\n")
}

func writeTools(w *strings.Builder, tools []ToolSpec) {
	if len(tools) == 0 {
		return
	}
	w.WriteString("## Tools\n")
	for _, t := range tools {
		fmt.Fprintf(w, "### %s\n%s\n", t.Name, t.Description)
		w.WriteString(formatParams(t.Params))
	}
	w.WriteString("\n")
}

func writeInstructions(w *strings.Builder, s room.Settings) {
	w.WriteString("## How Cycles Work\n")
	fmt.Fprintf(w, "1. You have at most %d turns in this cycle.\n", s.MaxTurns)
	w.WriteString("2. Nothing is carried into your next cycle unless you call save_wip.\n")
	w.WriteString("3. Finish by answering without tool calls.\n")
}

// formatParams renders tool parameters as sorted bullet points.
func formatParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, params[k])
	}
	return b.String()
}
