package webhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/webhook"
)

func storedEvent(id, providerEventID string, received time.Time, mod func(*webhook.Event)) *webhook.Event {
	ev := &webhook.Event{
		ID:              id,
		Provider:        "local",
		ProviderEventID: providerEventID,
		Type:            "payment.succeeded",
		Payload:         []byte(`{}`),
		Status:          webhook.StatusPending,
		ReceivedAt:      received,
		Version:         1,
	}
	if mod != nil {
		mod(ev)
	}
	return ev
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unique per provider event id", func(t *testing.T) {
		t.Parallel()
		s := webhook.NewMemoryStore()
		require.NoError(t, s.Create(ctx, storedEvent("wh_1", "evt_1", t0, nil)))

		err := s.Create(ctx, storedEvent("wh_2", "evt_1", t0, nil))
		assert.ErrorIs(t, err, billingerr.ErrDuplicate)

		other := storedEvent("wh_3", "evt_1", t0, func(e *webhook.Event) { e.Provider = "stripe" })
		assert.NoError(t, s.Create(ctx, other))

		got, err := s.GetByProviderEventID(ctx, "stripe", "evt_1")
		require.NoError(t, err)
		assert.Equal(t, "wh_3", got.ID)
	})

	t.Run("versioned update", func(t *testing.T) {
		t.Parallel()
		s := webhook.NewMemoryStore()
		require.NoError(t, s.Create(ctx, storedEvent("wh_1", "evt_1", t0, nil)))

		ev, err := s.Get(ctx, "wh_1")
		require.NoError(t, err)
		ev.Status = webhook.StatusProcessed
		require.NoError(t, s.Update(ctx, ev, 1))
		assert.Equal(t, int64(2), ev.Version)

		err = s.Update(ctx, ev, 1)
		assert.ErrorIs(t, err, billingerr.ErrOptimisticLock)

		err = s.Update(ctx, storedEvent("missing", "x", t0, nil), 1)
		assert.ErrorIs(t, err, webhook.ErrEventNotFound)
	})

	t.Run("returns copies", func(t *testing.T) {
		t.Parallel()
		s := webhook.NewMemoryStore()
		require.NoError(t, s.Create(ctx, storedEvent("wh_1", "evt_1", t0, nil)))

		ev, err := s.Get(ctx, "wh_1")
		require.NoError(t, err)
		ev.Payload[0] = 'x'
		ev.Status = webhook.StatusFailed

		again, err := s.Get(ctx, "wh_1")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{}`), again.Payload)
		assert.Equal(t, webhook.StatusPending, again.Status)
	})

	t.Run("find due", func(t *testing.T) {
		t.Parallel()
		s := webhook.NewMemoryStore()
		later := t0.Add(time.Hour)
		for _, ev := range []*webhook.Event{
			storedEvent("wh_b", "evt_b", t0.Add(time.Second), nil),
			storedEvent("wh_a", "evt_a", t0, nil),
			storedEvent("wh_retry", "evt_retry", t0, func(e *webhook.Event) {
				e.Status = webhook.StatusFailed
				e.NextAttemptAt = &later
			}),
			storedEvent("wh_locked", "evt_locked", t0, func(e *webhook.Event) { e.LockedUntil = &later }),
			storedEvent("wh_done", "evt_done", t0, func(e *webhook.Event) { e.Status = webhook.StatusProcessed }),
			storedEvent("wh_dead", "evt_dead", t0, func(e *webhook.Event) { e.Status = webhook.StatusDeadLetter }),
		} {
			require.NoError(t, s.Create(ctx, ev))
		}

		due, err := s.FindDue(ctx, t0.Add(time.Minute), 0)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "wh_a", due[0].ID)
		assert.Equal(t, "wh_b", due[1].ID)

		due, err = s.FindDue(ctx, later, 0)
		require.NoError(t, err)
		assert.Len(t, due, 4)

		due, err = s.FindDue(ctx, later, 1)
		require.NoError(t, err)
		assert.Len(t, due, 1)

		dead, err := s.FindByStatus(ctx, webhook.StatusDeadLetter, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, "wh_dead", dead[0].ID)
	})
}

func TestStatusIsFinal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status webhook.Status
		final  bool
	}{
		{webhook.StatusPending, false},
		{webhook.StatusFailed, false},
		{webhook.StatusProcessed, true},
		{webhook.StatusDeadLetter, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.final, tt.status.IsFinal())
		})
	}
}
