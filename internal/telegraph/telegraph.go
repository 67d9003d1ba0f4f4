// Package telegraph relays keeper-relevant bus events to notification
// channels such as a local command, Slack or Discord.
package telegraph

import (
	"context"

	"github.com/zulandar/quoroom/internal/messaging"
)

// Alert is a keeper notice with display hints for chat platforms.
type Alert struct {
	messaging.Notice
	Severity string  // "info", "warning", "error", "success"
	Color    string  // sidebar color hint, e.g. "#e53935"
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed alongside an alert.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Notifier delivers alerts to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// CommandNotifier runs the configured shell command for each alert.
type CommandNotifier struct {
	Config messaging.NotifyConfig
}

// Name implements Notifier.
func (c *CommandNotifier) Name() string { return "command" }

// Notify implements Notifier.
func (c *CommandNotifier) Notify(ctx context.Context, a Alert) error {
	return messaging.Notify(ctx, a.Notice, c.Config)
}
