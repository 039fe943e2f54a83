package subscription_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

func newSub(id string, mod func(*subscription.Subscription)) *subscription.Subscription {
	sub := &subscription.Subscription{
		ID:                      id,
		CustomerID:              "cus_1",
		PlanID:                  "basic",
		Quantity:                1,
		Status:                  subscription.StatusActive,
		Collection:              subscription.CollectionAutomatic,
		CurrentPeriodStart:      t0,
		CurrentPeriodEnd:        t0.AddDate(0, 1, 0),
		ProviderSubscriptionIDs: map[string]string{},
		Version:                 1,
		CreatedAt:               t0,
	}
	if mod != nil {
		mod(sub)
	}
	return sub
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("versioned update", func(t *testing.T) {
		t.Parallel()
		store := subscription.NewMemoryStore()
		require.NoError(t, store.Create(ctx, newSub("s1", nil)))

		sub, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		sub.Quantity = 5
		require.NoError(t, store.Update(ctx, sub, 1))
		assert.Equal(t, int64(2), sub.Version)

		stale := sub.Clone()
		stale.Quantity = 9
		err = store.Update(ctx, stale, 1)
		require.ErrorIs(t, err, billingerr.ErrOptimisticLock)

		got, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.Quantity)
	})

	t.Run("returns copies", func(t *testing.T) {
		t.Parallel()
		store := subscription.NewMemoryStore()
		require.NoError(t, store.Create(ctx, newSub("s1", nil)))

		sub, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		sub.Status = subscription.StatusCanceled

		got, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, got.Status)
	})

	t.Run("duplicate provider binding", func(t *testing.T) {
		t.Parallel()
		store := subscription.NewMemoryStore()
		bind := func(s *subscription.Subscription) { s.ProviderSubscriptionIDs["stripe"] = "sub_ext" }
		require.NoError(t, store.Create(ctx, newSub("s1", bind)))

		err := store.Create(ctx, newSub("s2", bind))
		require.ErrorIs(t, err, billingerr.ErrDuplicate)
		err = store.Create(ctx, newSub("s1", nil))
		require.ErrorIs(t, err, billingerr.ErrDuplicate)

		got, err := store.GetByProviderID(ctx, "stripe", "sub_ext")
		require.NoError(t, err)
		assert.Equal(t, "s1", got.ID)
		_, err = store.GetByProviderID(ctx, "paddle", "sub_ext")
		require.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})

	t.Run("transaction rolls back", func(t *testing.T) {
		t.Parallel()
		store := subscription.NewMemoryStore()
		require.NoError(t, store.Create(ctx, newSub("s1", nil)))
		boom := errors.New("boom")

		err := store.InTx(ctx, func(ctx context.Context) error {
			sub, err := store.Get(ctx, "s1")
			require.NoError(t, err)
			sub.Quantity = 7
			require.NoError(t, store.Update(ctx, sub, 1))
			require.NoError(t, store.Create(ctx, newSub("s2", nil)))
			require.NoError(t, store.AddInvoiceItem(ctx, subscription.InvoiceItem{ID: "ii_1", SubscriptionID: "s1"}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Quantity)
		assert.Equal(t, int64(1), got.Version)
		_, err = store.Get(ctx, "s2")
		require.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
		items, err := store.PendingInvoiceItems(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("invoice items attach once", func(t *testing.T) {
		t.Parallel()
		store := subscription.NewMemoryStore()
		require.NoError(t, store.AddInvoiceItem(ctx, subscription.InvoiceItem{ID: "ii_1", SubscriptionID: "s1"}))
		require.NoError(t, store.AttachInvoiceItems(ctx, "s1", "in_1"))
		require.NoError(t, store.AddInvoiceItem(ctx, subscription.InvoiceItem{ID: "ii_2", SubscriptionID: "s1"}))

		items, err := store.PendingInvoiceItems(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "ii_2", items[0].ID)
	})

	t.Run("notification claim", func(t *testing.T) {
		t.Parallel()
		store := subscription.NewMemoryStore()

		won, err := store.ClaimNotification(ctx, "s1", "trial_ending", "k", t0)
		require.NoError(t, err)
		assert.True(t, won)
		won, err = store.ClaimNotification(ctx, "s1", "trial_ending", "k", t0)
		require.NoError(t, err)
		assert.False(t, won)
		won, err = store.ClaimNotification(ctx, "s1", "trial_ending", "other", t0)
		require.NoError(t, err)
		assert.True(t, won)
	})
}

func TestFilterMatch(t *testing.T) {
	t.Parallel()
	now := t0.Add(10 * day)

	tests := []struct {
		name   string
		filter subscription.Filter
		sub    *subscription.Subscription
		want   bool
	}{
		{
			name:   "deleted rows never match",
			filter: subscription.Filter{},
			sub:    newSub("s", func(s *subscription.Subscription) { s.DeletedAt = &now }),
			want:   false,
		},
		{
			name:   "period end is inclusive",
			filter: subscription.Filter{PeriodEndBefore: lo.ToPtr(t0.AddDate(0, 1, 0))},
			sub:    newSub("s", nil),
			want:   true,
		},
		{
			name:   "retry not due",
			filter: subscription.Filter{NextRetryBefore: &now},
			sub:    newSub("s", func(s *subscription.Subscription) { s.NextRetryAt = lo.ToPtr(now.Add(time.Second)) }),
			want:   false,
		},
		{
			name:   "grace end is exclusive",
			filter: subscription.Filter{GraceEndsBefore: &now},
			sub:    newSub("s", func(s *subscription.Subscription) { s.GraceEndsAt = &now }),
			want:   false,
		},
		{
			name:   "no grace deadline is still inside grace",
			filter: subscription.Filter{GraceEndsAfter: &now},
			sub:    newSub("s", nil),
			want:   true,
		},
		{
			name:   "claim held",
			filter: subscription.Filter{UnclaimedAt: &now},
			sub:    newSub("s", func(s *subscription.Subscription) { s.ClaimedUntil = lo.ToPtr(now.Add(time.Minute)) }),
			want:   false,
		},
		{
			name:   "claim expired",
			filter: subscription.Filter{UnclaimedAt: &now},
			sub:    newSub("s", func(s *subscription.Subscription) { s.ClaimedUntil = lo.ToPtr(now.Add(-time.Minute)) }),
			want:   true,
		},
		{
			name:   "collection mode",
			filter: subscription.Filter{Collection: subscription.CollectionProvider},
			sub:    newSub("s", nil),
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.filter.Match(tt.sub))
		})
	}
}
