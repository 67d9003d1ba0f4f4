package messaging

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// NotifyConfig controls how keeper notices are pushed to the local machine.
type NotifyConfig struct {
	Command string // shell command template, e.g. "notify-send '{{.Title}}' '{{.Body}}'"
	Timeout time.Duration
}

// Notice is a keeper-facing notification.
type Notice struct {
	RoomID string
	Kind   string // "escalation", "decision_expired", "cycle_failed"
	Title  string
	Body   string
	Ref    string // ID of the escalation, decision or cycle
}

// Notify runs the configured command with the notice substituted in.
func Notify(ctx context.Context, n Notice, cfg NotifyConfig) error {
	if cfg.Command == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", templateNotice(cfg.Command, n))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("messaging: notify command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// templateNotice replaces placeholders in the command template with notice
// values. Single quotes in values are escaped for sh.
func templateNotice(command string, n Notice) string {
	r := strings.NewReplacer(
		"{{.Title}}", shellEscape(n.Title),
		"{{.Body}}", shellEscape(n.Body),
		"{{.Kind}}", shellEscape(n.Kind),
		"{{.Room}}", shellEscape(n.RoomID),
		"{{.Ref}}", shellEscape(n.Ref),
	)
	return r.Replace(command)
}

func shellEscape(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}
