package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dmitrymomot/billingkit/pkg/logger"
)

// Handler reacts to a published event.
type Handler func(ctx context.Context, e Event) error

// Publisher is what producers depend on.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

type handlerEntry struct {
	id      uint64
	handler Handler
	async   bool
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*handlerEntry)

// Async delivers events to the handler in its own goroutine. Errors from
// async handlers are logged, never returned to the publisher.
func Async() SubscribeOption {
	return func(h *handlerEntry) { h.async = true }
}

// BusOption configures the bus.
type BusOption func(*Bus)

// WithLogger sets the logger used for async handler failures.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bus is an in-process event bus owned by a billing instance.
// All methods are safe for concurrent use.
type Bus struct {
	handlers map[Type][]handlerEntry
	nextID   uint64
	closed   bool
	logger   *slog.Logger
	mu       sync.RWMutex
	wg       sync.WaitGroup // tracks async deliveries
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		handlers: make(map[Type][]handlerEntry),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for events of type t (or All) and returns a
// disposer that removes it. Calling the disposer more than once is a no-op.
func (b *Bus) Subscribe(t Type, h Handler, opts ...SubscribeOption) (func(), error) {
	if h == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	entry := handlerEntry{id: b.nextID, handler: h}
	for _, opt := range opts {
		opt(&entry)
	}
	b.handlers[t] = append(b.handlers[t], entry)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(t, entry.id) })
	}, nil
}

// Publish delivers events in order. Sync handlers run on the caller's
// goroutine; their errors are joined and returned after every handler ran.
func (b *Bus) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, e := range events {
		b.mu.RLock()
		if b.closed {
			b.mu.RUnlock()
			return ErrBusClosed
		}
		targets := make([]handlerEntry, 0, len(b.handlers[e.Type])+len(b.handlers[All]))
		targets = append(targets, b.handlers[e.Type]...)
		targets = append(targets, b.handlers[All]...)
		for _, h := range targets {
			if h.async {
				b.wg.Add(1)
			}
		}
		b.mu.RUnlock()

		for _, h := range targets {
			if h.async {
				go b.deliverAsync(context.WithoutCancel(ctx), h.handler, e)
				continue
			}
			if err := h.handler(ctx, e); err != nil {
				errs = append(errs, fmt.Errorf("%w: %s %s: %w", ErrHandlerFail, e.Type, e.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close stops accepting events and waits for async deliveries to finish.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	clear(b.handlers)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Bus) deliverAsync(ctx context.Context, h Handler, e Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "async event handler panicked",
				logger.EventType(string(e.Type)),
				slog.String("event_id", e.ID),
				slog.Any("panic", r))
		}
	}()
	if err := h(ctx, e); err != nil {
		b.logger.ErrorContext(ctx, "async event handler failed",
			logger.EventType(string(e.Type)),
			slog.String("event_id", e.ID),
			logger.Error(err))
	}
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[t]
	for i, h := range list {
		if h.id == id {
			b.handlers[t] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}
