package bus

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func quietBus() *Bus {
	return New(WithLogf(func(string, ...any) {}))
}

func TestEmit_RegistrationOrder(t *testing.T) {
	b := quietBus()
	var got []string
	b.Subscribe("decisions", func(Event) { got = append(got, "a") })
	b.Subscribe("decisions", func(Event) { got = append(got, "b") })
	b.SubscribeAny(func(Event) { got = append(got, "any") })
	b.Subscribe("decisions", func(Event) { got = append(got, "c") })

	b.Emit("decisions", "decision.proposed", nil)

	if strings.Join(got, ",") != "a,b,c,any" {
		t.Errorf("delivery order = %v, want [a b c any]", got)
	}
}

func TestEmit_OnlyMatchingChannel(t *testing.T) {
	b := quietBus()
	count := 0
	b.Subscribe("cycles", func(Event) { count++ })
	b.Emit("decisions", "decision.proposed", nil)
	if count != 0 {
		t.Errorf("cycles handler invoked %d times for decisions event", count)
	}
}

func TestEmit_EventFields(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(WithClock(func() time.Time { return at }))
	var got Event
	b.Subscribe("room:r1", func(e Event) { got = e })

	b.Emit("room:r1", "cycle.started", map[string]string{"id": "c1"})

	if got.Channel != "room:r1" || got.Type != "cycle.started" {
		t.Errorf("event = %+v", got)
	}
	if !got.Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, at)
	}
	if got.Data.(map[string]string)["id"] != "c1" {
		t.Errorf("Data = %v", got.Data)
	}
}

func TestEmit_PanickingHandlerIsolated(t *testing.T) {
	var logged []string
	b := New(WithLogf(func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	}))
	var after bool
	b.Subscribe("x", func(Event) { panic("boom") })
	b.Subscribe("x", func(Event) { after = true })

	b.Emit("x", "t", nil)

	if !after {
		t.Error("handler after a panicking handler did not run")
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "boom") {
		t.Errorf("logged = %v, want one entry mentioning boom", logged)
	}
}

func TestUnsubscribe_RemovesOnlyThatHandler(t *testing.T) {
	b := quietBus()
	var got []string
	h := func(name string) Handler { return func(Event) { got = append(got, name) } }
	b.Subscribe("x", h("a"))
	unsub := b.Subscribe("x", h("b"))
	b.Subscribe("x", h("c"))

	unsub()
	unsub()
	b.Emit("x", "t", nil)

	if strings.Join(got, ",") != "a,c" {
		t.Errorf("got %v, want [a c]", got)
	}
}

func TestUnsubscribeAny(t *testing.T) {
	b := quietBus()
	count := 0
	unsub := b.SubscribeAny(func(Event) { count++ })
	b.Emit("a", "t", nil)
	unsub()
	b.Emit("b", "t", nil)
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestSubscribeDuringEmit_AppliesNextEmit(t *testing.T) {
	b := quietBus()
	late := 0
	b.Subscribe("x", func(Event) {
		b.Subscribe("x", func(Event) { late++ })
	})

	b.Emit("x", "t", nil)
	if late != 0 {
		t.Errorf("late handler ran during the emit that registered it")
	}
	b.Emit("x", "t", nil)
	if late != 1 {
		t.Errorf("late = %d, want 1", late)
	}
}

func TestUnsubscribeDuringEmit(t *testing.T) {
	b := quietBus()
	var unsub func()
	calls := 0
	unsub = b.Subscribe("x", func(Event) {
		calls++
		unsub()
	})
	b.Emit("x", "t", nil)
	b.Emit("x", "t", nil)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestClear(t *testing.T) {
	b := quietBus()
	count := 0
	b.Subscribe("x", func(Event) { count++ })
	b.SubscribeAny(func(Event) { count++ })
	b.Clear()
	b.Emit("x", "t", nil)
	if count != 0 {
		t.Errorf("count = %d after Clear, want 0", count)
	}
	if n := b.SubscriberCount("x"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestEmitRoom(t *testing.T) {
	b := quietBus()
	var channels []string
	b.SubscribeAny(func(e Event) { channels = append(channels, e.Channel) })

	EmitRoom(b, ChannelDecisions, "r1", "decision.resolved", nil)

	if strings.Join(channels, ",") != "decisions,room:r1" {
		t.Errorf("channels = %v", channels)
	}
	EmitRoom(nil, ChannelDecisions, "r1", "decision.resolved", nil)
}

func TestEmit_ConcurrentSubscribers(t *testing.T) {
	b := quietBus()
	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := b.Subscribe("x", func(Event) {
				mu.Lock()
				count++
				mu.Unlock()
			})
			b.Emit("y", "t", nil)
			_ = unsub
		}()
	}
	wg.Wait()
	b.Emit("x", "t", nil)
	if count != 20 {
		t.Errorf("count = %d, want 20", count)
	}
}
