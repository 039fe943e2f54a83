package events_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/events"
)

func newEvent(t events.Type) events.Event {
	return events.New(t, false, time.Now(), events.SubscriptionPayload{SubscriptionID: "sub_1"})
}

func TestBusSyncDelivery(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	var got []events.Type
	_, err := bus.Subscribe(events.SubscriptionCreated, func(_ context.Context, e events.Event) error {
		got = append(got, e.Type)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(),
		newEvent(events.SubscriptionCreated),
		newEvent(events.SubscriptionCanceled),
	))
	assert.Equal(t, []events.Type{events.SubscriptionCreated}, got)
}

func TestBusWildcardAndDisposer(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	var count atomic.Int32
	unsubscribe, err := bus.Subscribe(events.All, func(context.Context, events.Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), newEvent(events.InvoicePaid)))
	unsubscribe()
	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), newEvent(events.InvoicePaid)))

	assert.Equal(t, int32(1), count.Load())
}

func TestBusJoinsSyncErrors(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	boom := errors.New("boom")
	var reached bool
	_, _ = bus.Subscribe(events.PaymentFailed, func(context.Context, events.Event) error { return boom })
	_, _ = bus.Subscribe(events.PaymentFailed, func(context.Context, events.Event) error {
		reached = true
		return nil
	})

	err := bus.Publish(context.Background(), newEvent(events.PaymentFailed))
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, events.ErrHandlerFail)
	assert.True(t, reached, "later handlers still run")
}

func TestBusAsyncCloseWaits(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	var mu sync.Mutex
	var delivered int
	_, err := bus.Subscribe(events.SubscriptionUpdated, func(context.Context, events.Event) error {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		delivered++
		mu.Unlock()
		return errors.New("async errors are only logged")
	}, events.Async())
	require.NoError(t, err)

	for range 5 {
		require.NoError(t, bus.Publish(context.Background(), newEvent(events.SubscriptionUpdated)))
	}
	require.NoError(t, bus.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, delivered)

	assert.ErrorIs(t, bus.Publish(context.Background(), newEvent(events.SubscriptionUpdated)), events.ErrBusClosed)
	_, err = bus.Subscribe(events.All, func(context.Context, events.Event) error { return nil })
	assert.ErrorIs(t, err, events.ErrBusClosed)
}

func TestBusRejectsNilHandler(t *testing.T) {
	t.Parallel()
	_, err := events.NewBus().Subscribe(events.All, nil)
	assert.ErrorIs(t, err, events.ErrNilHandler)
}

func TestOutbox(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	var count int
	_, _ = bus.Subscribe(events.All, func(context.Context, events.Event) error {
		count++
		return nil
	})

	ctx, outbox := events.WithOutbox(context.Background())
	require.NoError(t, events.Emit(ctx, bus, newEvent(events.SubscriptionCreated), newEvent(events.InvoiceCreated)))
	assert.Equal(t, 0, count, "nothing is published before flush")
	assert.Equal(t, 2, outbox.Len())

	require.NoError(t, outbox.Flush(context.Background(), bus))
	assert.Equal(t, 2, count)
	assert.Equal(t, 0, outbox.Len())

	_, outbox = events.WithOutbox(context.Background())
	outbox.Add(newEvent(events.SubscriptionCreated))
	outbox.Discard()
	require.NoError(t, outbox.Flush(context.Background(), bus))
	assert.Equal(t, 2, count)

	require.NoError(t, events.Emit(context.Background(), bus, newEvent(events.SubscriptionCreated)))
	assert.Equal(t, 3, count, "without an outbox events go straight to the bus")
}
