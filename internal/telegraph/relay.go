package telegraph

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/zulandar/quoroom/internal/bus"
)

const (
	defaultQueueSize     = 64
	defaultNotifyTimeout = 30 * time.Second
)

// RelayOpts configures a Relay.
type RelayOpts struct {
	Notifiers []Notifier
	QueueSize int
	Timeout   time.Duration // per notifier delivery
	Logf      func(format string, args ...any)
}

// Relay moves alerts off the bus onto notifiers. Bus handlers run on the
// emitting goroutine, so Handle only enqueues; a full queue drops the alert.
type Relay struct {
	notifiers []Notifier
	queue     chan Alert
	timeout   time.Duration
	logf      func(format string, args ...any)
	dropped   atomic.Int64
}

// NewRelay creates a Relay.
func NewRelay(opts RelayOpts) *Relay {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultNotifyTimeout
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	return &Relay{
		notifiers: opts.Notifiers,
		queue:     make(chan Alert, opts.QueueSize),
		timeout:   opts.Timeout,
		logf:      opts.Logf,
	}
}

// Attach subscribes the relay to every channel of b.
func (r *Relay) Attach(b *bus.Bus) (detach func()) {
	return b.SubscribeAny(r.Handle)
}

// Handle is the bus handler. It never blocks.
func (r *Relay) Handle(e bus.Event) {
	a, ok := Format(e)
	if !ok {
		return
	}
	select {
	case r.queue <- a:
	default:
		r.dropped.Add(1)
		r.logf("telegraph: queue full, dropped %s alert %s", a.Kind, a.Ref)
	}
}

// Dropped reports how many alerts were lost to a full queue.
func (r *Relay) Dropped() int64 {
	return r.dropped.Load()
}

// Run delivers queued alerts until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-r.queue:
			r.deliver(ctx, a)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, a Alert) {
	for _, n := range r.notifiers {
		nctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := n.Notify(nctx, a); err != nil {
			r.logf("telegraph: %s: deliver %s alert %s: %v", n.Name(), a.Kind, a.Ref, err)
		}
		cancel()
	}
}
