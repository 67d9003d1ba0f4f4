package discord

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/quoroom/internal/telegraph"
)

type mockSession struct {
	sent  []*discordgo.MessageSend
	chans []string
	fails int
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.fails > 0 {
		m.fails--
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
	}
	m.sent = append(m.sent, data)
	m.chans = append(m.chans, channelID)
	return &discordgo.Message{ID: "m1", ChannelID: channelID}, nil
}

func newTestNotifier(t *testing.T, m *mockSession) *Notifier {
	t.Helper()
	n, err := New(Opts{ChannelID: "chan-1", Session: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.baseBackoff = time.Millisecond
	n.maxBackoff = 10 * time.Millisecond
	return n
}

func testAlert() telegraph.Alert {
	a := telegraph.Alert{Severity: "error", Color: telegraph.ColorError}
	a.Title = "Cycle cyc-1 failed (stalled)"
	a.Body = "stalled: ignored stop request"
	a.Fields = []telegraph.Field{{Name: "Worker", Value: "wkr-1", Short: true}}
	return a
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "c"}); err == nil {
		t.Error("expected error without token")
	}
	if _, err := New(Opts{Session: &mockSession{}}); err == nil {
		t.Error("expected error without channel")
	}
}

func TestNotify_SendsEmbed(t *testing.T) {
	m := &mockSession{}
	n := newTestNotifier(t, m)
	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(m.sent) != 1 || m.chans[0] != "chan-1" {
		t.Fatalf("sent = %+v to %v", m.sent, m.chans)
	}
	embed := m.sent[0].Embeds[0]
	if embed.Title != "Cycle cyc-1 failed (stalled)" || embed.Color != 0xe53935 {
		t.Errorf("embed = %+v", embed)
	}
	if len(embed.Fields) != 1 || !embed.Fields[0].Inline {
		t.Errorf("fields = %+v", embed.Fields)
	}
	if n.Name() != "discord" {
		t.Errorf("Name = %q", n.Name())
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	m := &mockSession{fails: 2}
	n := newTestNotifier(t, m)
	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(m.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(m.sent))
	}
}

func TestNotify_ExhaustsRetries(t *testing.T) {
	m := &mockSession{fails: maxRetries + 1}
	n := newTestNotifier(t, m)
	if err := n.Notify(context.Background(), testAlert()); err == nil {
		t.Error("expected error after exhausting retries")
	}
}

func TestParseHexColor(t *testing.T) {
	tests := map[string]int{
		"#36a64f": 0x36a64f,
		"FF9800":  0xff9800,
		"":        0,
		"#zzzzzz": 0,
	}
	for in, want := range tests {
		if got := parseHexColor(in); got != want {
			t.Errorf("parseHexColor(%q) = %#x, want %#x", in, got, want)
		}
	}
}
