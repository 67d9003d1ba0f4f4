// Package bus is the in-process event bus. Every state change in quoroom is
// published here after it has been persisted, so the dashboard, the keeper
// relay and other observers never see an event the store does not back.
package bus

import (
	"log"
	"sync"
	"time"
)

// Well-known channel names.
const (
	ChannelRooms       = "rooms"
	ChannelWorkers     = "workers"
	ChannelCycles      = "cycles"
	ChannelGoals       = "goals"
	ChannelDecisions   = "decisions"
	ChannelEscalations = "escalations"
)

// Room returns the per-room channel name, room:<id>.
func Room(roomID string) string {
	return "room:" + roomID
}

// Event is a single notification.
type Event struct {
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events. It runs on the emitting goroutine.
type Handler func(Event)

// Emitter is the publishing side of the bus. Packages that change state take
// an Emitter, not a *Bus, so a cross-process transport can stand in later.
type Emitter interface {
	Emit(channel, eventType string, data any)
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events synchronously to subscribers in registration order.
// Wildcard subscribers run after the channel's own subscribers.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	channels map[string][]subscription
	any      []subscription
	now      func() time.Time
	logf     func(format string, args ...any)
}

// Option customizes a Bus.
type Option func(*Bus)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithLogf overrides where handler failures are reported.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(b *Bus) { b.logf = logf }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		channels: make(map[string][]subscription),
		now:      time.Now,
		logf:     log.Printf,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers h for events on channel and returns a function that
// removes exactly this registration.
func (b *Bus) Subscribe(channel string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.channels[channel] = append(b.channels[channel], subscription{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.channels[channel] = without(b.channels[channel], id)
		if len(b.channels[channel]) == 0 {
			delete(b.channels, channel)
		}
	}
}

// SubscribeAny registers h for events on every channel.
func (b *Bus) SubscribeAny(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.any = append(b.any, subscription{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.any = without(b.any, id)
	}
}

// Emit delivers an event to the channel's subscribers, then to wildcard
// subscribers. The subscriber list is snapshotted first, so handlers may
// subscribe or unsubscribe without deadlocking; changes apply from the next
// emit. A handler that panics is logged and skipped.
func (b *Bus) Emit(channel, eventType string, data any) {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.channels[channel])+len(b.any))
	subs = append(subs, b.channels[channel]...)
	subs = append(subs, b.any...)
	b.mu.RUnlock()

	evt := Event{
		Channel:   channel,
		Type:      eventType,
		Data:      data,
		Timestamp: b.now(),
	}
	for _, s := range subs {
		b.deliver(s, evt)
	}
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = make(map[string][]subscription)
	b.any = nil
}

// SubscriberCount reports how many handlers would receive an event on channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel]) + len(b.any)
}

func (b *Bus) deliver(s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logf("bus: handler %d on %s/%s panicked: %v", s.id, evt.Channel, evt.Type, r)
		}
	}()
	s.handler(evt)
}

func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// EmitRoom publishes the same event on a topical channel and on the room's
// own channel.
func EmitRoom(e Emitter, channel, roomID, eventType string, data any) {
	if e == nil {
		return
	}
	e.Emit(channel, eventType, data)
	if roomID != "" {
		e.Emit(Room(roomID), eventType, data)
	}
}
