package telegraph

import (
	"fmt"

	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/engine"
	"github.com/zulandar/quoroom/internal/models"
)

// Color constants for alert severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Notice kinds.
const (
	KindEscalation      = "escalation"
	KindDecisionExpired = "decision_expired"
	KindCycleFailed     = "cycle_failed"
)

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// Format turns a bus event into an alert for the keeper. It reports false
// for events the keeper need not hear about. Only topical channels are
// considered, so an event mirrored on a room channel yields one alert.
func Format(e bus.Event) (Alert, bool) {
	switch {
	case e.Channel == bus.ChannelEscalations && e.Type == "escalation.created":
		esc, ok := escalationOf(e.Data)
		if !ok || esc.ToAgentID != "" {
			return Alert{}, false
		}
		return formatEscalation(esc), true
	case e.Channel == bus.ChannelDecisions && e.Type == "decision.resolved":
		d, ok := decisionOf(e.Data)
		if !ok || d.Status != models.DecisionExpired {
			return Alert{}, false
		}
		return formatExpired(d), true
	case e.Channel == bus.ChannelCycles && e.Type == "cycle.failed":
		c, ok := cycleOf(e.Data)
		if !ok || c.FailureKind == engine.FailureCancelled {
			return Alert{}, false
		}
		return formatCycleFailed(c), true
	}
	return Alert{}, false
}

func formatEscalation(esc models.Escalation) Alert {
	a := newAlert(esc.RoomID, KindEscalation, "warning", esc.ID)
	a.Title = fmt.Sprintf("Escalation from %s", esc.FromAgentID)
	a.Body = esc.Message
	if esc.DecisionID != "" {
		a.Fields = append(a.Fields, Field{Name: "Decision", Value: esc.DecisionID, Short: true})
	}
	return a
}

func formatExpired(d models.Decision) Alert {
	a := newAlert(d.RoomID, KindDecisionExpired, "warning", d.ID)
	a.Title = fmt.Sprintf("Decision %s expired", d.ID)
	a.Body = d.Proposal
	if d.Resolution != "" {
		a.Fields = append(a.Fields, Field{Name: "Resolution", Value: d.Resolution})
	}
	return a
}

func formatCycleFailed(c models.Cycle) Alert {
	severity := "error"
	if c.FailureKind == engine.FailureInterrupted || c.FailureKind == engine.FailureRateLimited {
		severity = "info"
	}
	a := newAlert(c.RoomID, KindCycleFailed, severity, c.ID)
	a.Title = fmt.Sprintf("Cycle %s failed (%s)", c.ID, c.FailureKind)
	a.Body = c.ErrorMessage
	a.Fields = append(a.Fields,
		Field{Name: "Worker", Value: c.WorkerID, Short: true},
		Field{Name: "Turns", Value: fmt.Sprint(c.Turns), Short: true},
	)
	return a
}

func newAlert(roomID, kind, severity, ref string) Alert {
	a := Alert{Severity: severity, Color: severityColor(severity)}
	a.RoomID = roomID
	a.Kind = kind
	a.Ref = ref
	a.Fields = []Field{{Name: "Room", Value: roomID, Short: true}}
	return a
}

func escalationOf(data any) (models.Escalation, bool) {
	switch v := data.(type) {
	case models.Escalation:
		return v, true
	case *models.Escalation:
		if v != nil {
			return *v, true
		}
	}
	return models.Escalation{}, false
}

func decisionOf(data any) (models.Decision, bool) {
	switch v := data.(type) {
	case models.Decision:
		return v, true
	case *models.Decision:
		if v != nil {
			return *v, true
		}
	}
	return models.Decision{}, false
}

func cycleOf(data any) (models.Cycle, bool) {
	switch v := data.(type) {
	case models.Cycle:
		return v, true
	case *models.Cycle:
		if v != nil {
			return *v, true
		}
	}
	return models.Cycle{}, false
}
