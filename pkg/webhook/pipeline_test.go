package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/provider"
	"github.com/dmitrymomot/billingkit/pkg/provider/local"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

const secret = "whsec_test"

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingHandler fails with the queued errors before succeeding.
type countingHandler struct {
	mu    sync.Mutex
	calls int
	errs  []error
	seen  []provider.Event
}

func (h *countingHandler) Handle(_ context.Context, _ string, ev provider.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.seen = append(h.seen, ev)
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		return err
	}
	return nil
}

func (h *countingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fixture struct {
	clock    *testClock
	provider *local.Provider
	store    *webhook.MemoryStore
	handler  *countingHandler
	pipeline *webhook.Pipeline
}

func newFixture(t *testing.T, opts ...webhook.Option) *fixture {
	t.Helper()
	clock := &testClock{now: t0}
	prov := local.New(local.Config{WebhookSecret: secret, Tolerance: 5 * time.Minute}, local.WithClock(clock.Now))
	f := &fixture{
		clock:    clock,
		provider: prov,
		store:    webhook.NewMemoryStore(),
		handler:  &countingHandler{},
	}
	base := []webhook.Option{
		webhook.WithClock(clock.Now),
		webhook.WithBackoff(webhook.FixedBackoff{Interval: time.Minute}),
	}
	f.pipeline = webhook.NewPipeline(f.store, provider.NewRegistry(prov), f.handler.Handle, append(base, opts...)...)
	return f
}

func payload(t *testing.T, id, typ string) []byte {
	t.Helper()
	b, err := json.Marshal(local.EventPayload{
		ID:        id,
		Type:      typ,
		CreatedAt: t0,
		Data: local.EventPayloadData{
			SubscriptionID: "sub_ext_1",
			CustomerID:     "cus_ext_1",
			Status:         "active",
			PriceID:        "price_basic",
			Quantity:       1,
		},
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) receive(t *testing.T, body []byte) (webhook.Receipt, error) {
	t.Helper()
	return f.pipeline.Receive(context.Background(), local.Name, body, f.provider.Sign(body))
}

func TestNewPipelinePanicsOnMissingDeps(t *testing.T) {
	t.Parallel()

	reg := provider.NewRegistry(local.New(local.Config{}))
	h := func(context.Context, string, provider.Event) error { return nil }

	assert.Panics(t, func() { webhook.NewPipeline(nil, reg, h) })
	assert.Panics(t, func() { webhook.NewPipeline(webhook.NewMemoryStore(), nil, h) })
	assert.Panics(t, func() { webhook.NewPipeline(webhook.NewMemoryStore(), reg, nil) })
}

func TestReceive(t *testing.T) {
	t.Parallel()

	t.Run("processes a verified event", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		body := payload(t, "evt_1", "subscription.updated")

		rec, err := f.receive(t, body)
		require.NoError(t, err)
		assert.False(t, rec.Duplicate)
		assert.Equal(t, webhook.StatusProcessed, rec.Event.Status)
		assert.Equal(t, 1, rec.Event.Attempts)
		assert.Equal(t, "evt_1", rec.Event.ProviderEventID)
		assert.Equal(t, "subscription.updated", rec.Event.Type)
		assert.Equal(t, webhook.HashPayload(body), rec.Event.PayloadHash)
		require.NotNil(t, rec.Event.ProcessedAt)
		assert.Nil(t, rec.Event.LockedUntil)

		require.Len(t, f.handler.seen, 1)
		assert.Equal(t, provider.EventSubscriptionUpdated, f.handler.seen[0].Type)
		assert.Equal(t, "sub_ext_1", f.handler.seen[0].SubscriptionID)

		stored, err := f.pipeline.Get(context.Background(), rec.Event.ID)
		require.NoError(t, err)
		assert.Equal(t, webhook.StatusProcessed, stored.Status)
	})

	t.Run("duplicate delivery is acknowledged once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		body := payload(t, "evt_1", "payment.succeeded")

		first, err := f.receive(t, body)
		require.NoError(t, err)
		second, err := f.receive(t, body)
		require.NoError(t, err)

		assert.True(t, second.Duplicate)
		assert.Equal(t, first.Event.ID, second.Event.ID)
		assert.Equal(t, first.Event.Attempts, second.Event.Attempts)
		assert.Equal(t, webhook.StatusProcessed, second.Event.Status)
		assert.Equal(t, 1, f.handler.Calls())
	})

	t.Run("redelivery with a different body keeps the stored payload", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		first, err := f.receive(t, payload(t, "evt_1", "subscription.updated"))
		require.NoError(t, err)

		rec, err := f.receive(t, payload(t, "evt_1", "subscription.canceled"))
		require.NoError(t, err)
		assert.True(t, rec.Duplicate)
		assert.Equal(t, first.Event.PayloadHash, rec.Event.PayloadHash)
		assert.Equal(t, 1, f.handler.Calls())
	})

	t.Run("invalid signature is rejected and not stored", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		body := payload(t, "evt_1", "payment.succeeded")

		_, err := f.pipeline.Receive(context.Background(), local.Name, body, local.SignedHeader("wrong", body, t0))
		require.Error(t, err)
		assert.ErrorIs(t, err, webhook.ErrInvalidSignature)
		assert.ErrorIs(t, err, provider.ErrInvalidSignature)
		assert.True(t, webhook.IsRejected(err))

		_, err = f.store.GetByProviderEventID(context.Background(), local.Name, "evt_1")
		assert.ErrorIs(t, err, webhook.ErrEventNotFound)
		assert.Zero(t, f.handler.Calls())
	})

	t.Run("malformed payload is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		body := []byte(`{"type":"payment.succeeded"}`)

		_, err := f.receive(t, body)
		assert.ErrorIs(t, err, webhook.ErrMalformedPayload)
		assert.ErrorIs(t, err, provider.ErrMalformedEvent)
		assert.True(t, webhook.IsRejected(err))
	})

	t.Run("empty payload", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.pipeline.Receive(context.Background(), local.Name, nil, http.Header{})
		assert.ErrorIs(t, err, webhook.ErrEmptyPayload)
	})

	t.Run("unknown provider", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		body := payload(t, "evt_1", "payment.succeeded")
		_, err := f.pipeline.Receive(context.Background(), "stripe", body, f.provider.Sign(body))
		require.Error(t, err)
		assert.False(t, webhook.IsRejected(err))
	})

	t.Run("deferred processing stores a pending event", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, webhook.WithInlineProcessing(false))

		rec, err := f.receive(t, payload(t, "evt_1", "payment.succeeded"))
		require.NoError(t, err)
		assert.Equal(t, webhook.StatusPending, rec.Event.Status)
		assert.Zero(t, f.handler.Calls())

		report, err := f.pipeline.ProcessDue(context.Background(), f.clock.Now(), 10)
		require.NoError(t, err)
		assert.Equal(t, webhook.ProcessReport{Processed: 1}, report)
		assert.Equal(t, 1, f.handler.Calls())
	})
}

func TestRetries(t *testing.T) {
	t.Parallel()

	t.Run("failed attempt is retried after backoff", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.handler.errs = []error{errors.New("database unavailable")}

		rec, err := f.receive(t, payload(t, "evt_1", "payment.failed"))
		require.NoError(t, err)
		assert.Equal(t, webhook.StatusFailed, rec.Event.Status)
		assert.Equal(t, "database unavailable", rec.Event.LastError)
		require.NotNil(t, rec.Event.NextAttemptAt)
		assert.Equal(t, t0.Add(time.Minute), *rec.Event.NextAttemptAt)

		report, err := f.pipeline.ProcessDue(context.Background(), f.clock.Now(), 10)
		require.NoError(t, err)
		assert.Zero(t, report.Processed, "not due before the backoff elapses")

		f.clock.Advance(time.Minute)
		report, err = f.pipeline.ProcessDue(context.Background(), f.clock.Now(), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Processed)

		ev, err := f.pipeline.Get(context.Background(), rec.Event.ID)
		require.NoError(t, err)
		assert.Equal(t, webhook.StatusProcessed, ev.Status)
		assert.Equal(t, 2, ev.Attempts)
		assert.Empty(t, ev.LastError)
		assert.Nil(t, ev.NextAttemptAt)
	})

	t.Run("exhausted attempts dead-letter the event", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, webhook.WithMaxAttempts(3))
		boom := errors.New("boom")
		f.handler.errs = []error{boom, boom, boom, boom}

		rec, err := f.receive(t, payload(t, "evt_1", "payment.failed"))
		require.NoError(t, err)

		var last webhook.ProcessReport
		for range 2 {
			f.clock.Advance(time.Minute)
			last, err = f.pipeline.ProcessDue(context.Background(), f.clock.Now(), 10)
			require.NoError(t, err)
		}
		assert.Equal(t, 1, last.DeadLettered)

		ev, err := f.pipeline.Get(context.Background(), rec.Event.ID)
		require.NoError(t, err)
		assert.Equal(t, webhook.StatusDeadLetter, ev.Status)
		assert.Equal(t, 3, ev.Attempts)
		assert.NotNil(t, ev.DeadLetteredAt)
		assert.Nil(t, ev.NextAttemptAt)
		assert.Equal(t, 3, f.handler.Calls())

		f.clock.Advance(time.Hour)
		report, err := f.pipeline.ProcessDue(context.Background(), f.clock.Now(), 10)
		require.NoError(t, err)
		assert.Equal(t, webhook.ProcessReport{}, report)

		dead, err := f.pipeline.DeadLetters(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, rec.Event.ID, dead[0].ID)
	})

	t.Run("validation error dead-letters immediately", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.handler.errs = []error{billingerr.Validation("subscription.unknown_plan", "unknown plan")}

		rec, err := f.receive(t, payload(t, "evt_1", "subscription.updated"))
		require.NoError(t, err)
		assert.Equal(t, webhook.StatusDeadLetter, rec.Event.Status)
		assert.Equal(t, 1, rec.Event.Attempts)
	})

	t.Run("handler panic is recorded as a failure", func(t *testing.T) {
		t.Parallel()
		clock := &testClock{now: t0}
		prov := local.New(local.Config{WebhookSecret: secret}, local.WithClock(clock.Now))
		p := webhook.NewPipeline(webhook.NewMemoryStore(), provider.NewRegistry(prov),
			func(context.Context, string, provider.Event) error { panic("nil map") },
			webhook.WithClock(clock.Now),
		)

		body := payload(t, "evt_1", "payment.succeeded")
		rec, err := p.Receive(context.Background(), local.Name, body, prov.Sign(body))
		require.NoError(t, err)
		assert.Equal(t, webhook.StatusFailed, rec.Event.Status)
		assert.Contains(t, rec.Event.LastError, "nil map")
	})
}

func TestReplay(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handler.errs = []error{billingerr.Validation("subscription.unknown_plan", "unknown plan")}
	ctx := context.Background()

	rec, err := f.receive(t, payload(t, "evt_1", "subscription.updated"))
	require.NoError(t, err)
	require.Equal(t, webhook.StatusDeadLetter, rec.Event.Status)

	ev, err := f.pipeline.Replay(ctx, rec.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusProcessed, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	assert.Nil(t, ev.DeadLetteredAt)
	assert.Equal(t, 2, f.handler.Calls())

	_, err = f.pipeline.Replay(ctx, rec.Event.ID)
	assert.ErrorIs(t, err, webhook.ErrNotDeadLettered)

	_, err = f.pipeline.Replay(ctx, "missing")
	assert.ErrorIs(t, err, webhook.ErrEventNotFound)
}

func TestProcessLocking(t *testing.T) {
	t.Parallel()

	f := newFixture(t, webhook.WithInlineProcessing(false), webhook.WithLockTimeout(time.Minute))
	ctx := context.Background()

	locked := t0.Add(30 * time.Second)
	ev := &webhook.Event{
		ID:              "wh_1",
		Provider:        local.Name,
		ProviderEventID: "evt_1",
		Type:            "payment.succeeded",
		Payload:         payload(t, "evt_1", "payment.succeeded"),
		Status:          webhook.StatusPending,
		LockedUntil:     &locked,
		ReceivedAt:      t0,
		Version:         1,
	}
	require.NoError(t, f.store.Create(ctx, ev))

	_, err := f.pipeline.Process(ctx, "wh_1")
	assert.ErrorIs(t, err, webhook.ErrEventLocked)

	report, err := f.pipeline.ProcessDue(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, webhook.ProcessReport{}, report, "a locked event is not due")

	f.clock.Advance(time.Minute)
	report, err = f.pipeline.ProcessDue(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed, "an expired lock makes the event due again")
}

func TestProcessDueConcurrentWorkers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, webhook.WithInlineProcessing(false), webhook.WithConcurrency(8))
	ctx := context.Background()
	for _, id := range []string{"evt_1", "evt_2", "evt_3", "evt_4", "evt_5"} {
		_, err := f.receive(t, payload(t, id, "payment.succeeded"))
		require.NoError(t, err)
	}

	var processed atomic.Int64
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := f.pipeline.ProcessDue(ctx, f.clock.Now(), 10)
			assert.NoError(t, err)
			processed.Add(int64(report.Processed))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), processed.Load())
	assert.Equal(t, 5, f.handler.Calls())
}

func TestPipelineMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	f := newFixture(t, webhook.WithMetrics(m))

	body := payload(t, "evt_1", "payment.succeeded")
	_, err = f.receive(t, body)
	require.NoError(t, err)
	_, err = f.receive(t, body)
	require.NoError(t, err)
	_, err = f.pipeline.Receive(context.Background(), local.Name, body, http.Header{})
	require.Error(t, err)

	n, err := testutil.GatherAndCount(reg, "billing_webhook_receipts_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "accepted, duplicate and rejected series")

	n, err = testutil.GatherAndCount(reg, "billing_webhook_processing_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
