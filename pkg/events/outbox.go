package events

import (
	"context"
	"sync"
)

type outboxKey struct{}

// Outbox collects events raised inside a storage transaction so they can be
// published only after the transaction commits.
type Outbox struct {
	mu     sync.Mutex
	events []Event
}

// WithOutbox attaches a fresh outbox to ctx.
func WithOutbox(ctx context.Context) (context.Context, *Outbox) {
	o := &Outbox{}
	return context.WithValue(ctx, outboxKey{}, o), o
}

// OutboxFromContext returns the outbox attached to ctx, if any.
func OutboxFromContext(ctx context.Context) (*Outbox, bool) {
	o, ok := ctx.Value(outboxKey{}).(*Outbox)
	return o, ok
}

// Add queues events for a later Flush.
func (o *Outbox) Add(events ...Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, events...)
}

// Len returns the number of queued events.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

// Flush publishes queued events and empties the outbox.
func (o *Outbox) Flush(ctx context.Context, p Publisher) error {
	o.mu.Lock()
	pending := o.events
	o.events = nil
	o.mu.Unlock()

	if len(pending) == 0 || p == nil {
		return nil
	}
	return p.Publish(ctx, pending...)
}

// Discard drops queued events, used when the transaction rolls back.
func (o *Outbox) Discard() {
	o.mu.Lock()
	o.events = nil
	o.mu.Unlock()
}

// Emit queues events on the outbox in ctx, or publishes them right away
// when there is none.
func Emit(ctx context.Context, p Publisher, events ...Event) error {
	if o, ok := OutboxFromContext(ctx); ok {
		o.Add(events...)
		return nil
	}
	if p == nil {
		return nil
	}
	return p.Publish(ctx, events...)
}
