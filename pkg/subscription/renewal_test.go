package subscription_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/events"
	"github.com/dmitrymomot/billingkit/pkg/provider"
	"github.com/dmitrymomot/billingkit/pkg/provider/local"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

func TestRenew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("advances the period", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.create(t, subscription.CreateParams{PlanID: "basic"})
		end := sub.CurrentPeriodEnd

		_, err := f.svc.Renew(ctx, sub.ID, end.Add(-time.Second))
		require.ErrorIs(t, err, subscription.ErrNotDue)

		due, err := f.svc.FindNeedingRenewal(ctx, end, 0)
		require.NoError(t, err)
		require.Len(t, due, 1)

		sub, err = f.svc.Renew(ctx, sub.ID, end)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.Equal(t, end, sub.CurrentPeriodStart)
		assert.Equal(t, end.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
		assert.Nil(t, sub.ClaimedUntil)
		assert.Len(t, f.provider.Charges(), 2)

		due, err = f.svc.FindNeedingRenewal(ctx, end, 0)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("converts an ended trial", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.create(t, subscription.CreateParams{PlanID: "pro", TrialDays: lo.ToPtr(14)})
		trialEnd := *sub.TrialEnd

		ended, err := f.svc.FindTrialsEnded(ctx, trialEnd, 0)
		require.NoError(t, err)
		require.Len(t, ended, 1)

		sub, err = f.svc.Renew(ctx, sub.ID, trialEnd)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.Equal(t, trialEnd, sub.CurrentPeriodStart)
		assert.Equal(t, trialEnd.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
		require.Len(t, f.provider.Charges(), 1)
		assert.Equal(t, int64(3000), f.provider.Charges()[0].Amount)
		assert.Equal(t, 1, f.events.Count(events.SubscriptionTrialEnded))
	})

	t.Run("terminal subscription is left untouched", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.create(t, subscription.CreateParams{PlanID: "basic"})
		sub, err := f.svc.Cancel(ctx, sub.ID, subscription.CancelParams{})
		require.NoError(t, err)

		_, err = f.svc.Renew(ctx, sub.ID, sub.CurrentPeriodEnd.AddDate(0, 2, 0))
		require.ErrorIs(t, err, billingerr.ErrInvalidTransition)

		got, err := f.svc.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, sub.Version, got.Version)
		assert.Len(t, f.provider.Charges(), 1)
	})

	t.Run("provider collected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.create(t, subscription.CreateParams{PlanID: "basic", ProviderSubscriptionID: "sub_ext_1"})
		assert.Equal(t, subscription.CollectionProvider, sub.Collection)
		assert.Equal(t, subscription.StatusActive, sub.Status)

		_, err := f.svc.Renew(ctx, sub.ID, sub.CurrentPeriodEnd)
		require.ErrorIs(t, err, subscription.ErrProviderCollected)
		assert.Empty(t, f.provider.Charges())
	})

	t.Run("concurrent workers charge once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.create(t, subscription.CreateParams{PlanID: "basic"})
		end := sub.CurrentPeriodEnd

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.Renew(ctx, sub.ID, end)
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				assert.True(t,
					errors.Is(err, billingerr.ErrOptimisticLock) ||
						errors.Is(err, subscription.ErrClaimed) ||
						errors.Is(err, subscription.ErrNotDue),
					"unexpected error: %v", err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		assert.Len(t, f.provider.Charges(), 2)
		got, err := f.svc.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, end.AddDate(0, 1, 0), got.CurrentPeriodEnd)
	})
}

// failingPaidInvoiceStore fails the first write that marks an invoice paid,
// as if the process died after the provider charged.
type failingPaidInvoiceStore struct {
	*subscription.MemoryStore
	failed bool
}

var errInvoiceWrite = errors.New("invoice write lost")

func (s *failingPaidInvoiceStore) UpdateInvoice(ctx context.Context, inv *subscription.Invoice, expectedVersion int64) error {
	if inv.Status == subscription.InvoicePaid && !s.failed {
		s.failed = true
		return errInvoiceWrite
	}
	return s.MemoryStore.UpdateInvoice(ctx, inv, expectedVersion)
}

func TestRenewResumesUnrecordedCharge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	catalog, err := subscription.NewMemoryCatalog(testPlans()...)
	require.NoError(t, err)
	clock := &testClock{now: t0}
	prov := local.New(local.Config{})
	store := &failingPaidInvoiceStore{MemoryStore: subscription.NewMemoryStore()}
	store.failed = true // let the create invoice through
	svc := subscription.NewService(store, catalog, provider.NewRegistry(prov),
		subscription.WithClock(clock.Now),
		subscription.WithClaimTTL(5*time.Minute),
	)

	sub, err := svc.Create(ctx, subscription.CreateParams{CustomerID: "cus_1", PlanID: "basic"})
	require.NoError(t, err)
	end := sub.CurrentPeriodEnd

	store.failed = false
	_, err = svc.Renew(ctx, sub.ID, end)
	require.ErrorIs(t, err, errInvoiceWrite)
	require.Len(t, prov.Charges(), 2)

	sub, err = svc.Renew(ctx, sub.ID, end.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, end, sub.CurrentPeriodStart)
	assert.Len(t, prov.Charges(), 2, "the retry must not charge again")

	cycles := lo.Filter(lo.Must(svc.Invoices(ctx, sub.ID)), func(inv *subscription.Invoice, _ int) bool {
		return inv.Reason == subscription.ReasonSubscriptionCycle
	})
	require.Len(t, cycles, 1)
	assert.Equal(t, subscription.InvoicePaid, cycles[0].Status)
	assert.Equal(t, end, cycles[0].PeriodStart)
}

func TestDunning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// startPastDue renews a fresh subscription with a declined card and
	// returns it together with the instant of the failed attempt.
	startPastDue := func(t *testing.T, f *fixture) (*subscription.Subscription, time.Time) {
		t.Helper()
		sub := f.create(t, subscription.CreateParams{PlanID: "basic"})
		at := sub.CurrentPeriodEnd
		f.provider.FailCharges(1, "card_declined", false)

		sub, err := f.svc.Renew(ctx, sub.ID, at)
		require.NoError(t, err)
		return sub, at
	}

	t.Run("retry schedule and grace expiry", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub, at := startPastDue(t, f)

		assert.Equal(t, subscription.StatusPastDue, sub.Status)
		assert.Equal(t, 1, sub.RetryCount)
		require.NotNil(t, sub.NextRetryAt)
		assert.Equal(t, at.Add(day), *sub.NextRetryAt)
		require.NotNil(t, sub.GraceEndsAt)
		assert.Equal(t, at.Add(14*day), *sub.GraceEndsAt)
		invoiceID := sub.LatestInvoiceID

		_, err := f.svc.Renew(ctx, sub.ID, at.Add(time.Hour))
		require.ErrorIs(t, err, subscription.ErrNotDue)

		want := []time.Duration{4 * day, 9 * day}
		retryAt := at.Add(day)
		for _, next := range want {
			retry, err := f.svc.FindNeedingRetry(ctx, retryAt, 0)
			require.NoError(t, err)
			require.Len(t, retry, 1)

			f.provider.FailCharges(1, "card_declined", false)
			sub, err = f.svc.Renew(ctx, sub.ID, retryAt)
			require.NoError(t, err)
			assert.Equal(t, subscription.StatusPastDue, sub.Status)
			assert.Equal(t, invoiceID, sub.LatestInvoiceID)
			require.NotNil(t, sub.NextRetryAt)
			assert.Equal(t, at.Add(next), *sub.NextRetryAt)
			assert.Equal(t, at.Add(14*day), *sub.GraceEndsAt)
			retryAt = *sub.NextRetryAt
		}

		f.provider.FailCharges(1, "card_declined", false)
		sub, err = f.svc.Renew(ctx, sub.ID, retryAt)
		require.NoError(t, err)
		assert.Equal(t, 4, sub.RetryCount)
		assert.Nil(t, sub.NextRetryAt)

		_, err = f.svc.ExpireGrace(ctx, sub.ID, at.Add(13*day))
		require.ErrorIs(t, err, subscription.ErrGraceNotExpired)

		expired, err := f.svc.FindWithExpiredGracePeriod(ctx, at.Add(15*day), 0)
		require.NoError(t, err)
		require.Len(t, expired, 1)

		sub, err = f.svc.ExpireGrace(ctx, sub.ID, at.Add(15*day))
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusUnpaid, sub.Status)

		inv, err := f.svc.Invoices(ctx, sub.ID, subscription.InvoiceUncollectible)
		require.NoError(t, err)
		require.Len(t, inv, 1)
		assert.Equal(t, invoiceID, inv[0].ID)
		assert.Equal(t, 4, inv[0].AttemptCount)
		assert.Equal(t, 4, f.events.Count(events.PaymentFailed))
	})

	t.Run("successful retry recovers", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub, at := startPastDue(t, f)

		sub, err := f.svc.Renew(ctx, sub.ID, at.Add(day))
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.Zero(t, sub.RetryCount)
		assert.Nil(t, sub.NextRetryAt)
		assert.Nil(t, sub.GraceEndsAt)
		assert.Equal(t, at, sub.CurrentPeriodStart)
		assert.Equal(t, at.AddDate(0, 1, 0), sub.CurrentPeriodEnd)

		invoices, err := f.svc.Invoices(ctx, sub.ID, subscription.InvoicePaid)
		require.NoError(t, err)
		assert.Len(t, invoices, 2)
	})

	t.Run("unpaid restarts the cycle on payment", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub, at := startPastDue(t, f)

		sub, err := f.svc.ExpireGrace(ctx, sub.ID, at.Add(15*day))
		require.NoError(t, err)
		require.Equal(t, subscription.StatusUnpaid, sub.Status)

		payAt := at.Add(20 * day)
		sub, err = f.svc.Renew(ctx, sub.ID, payAt)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.Equal(t, payAt, sub.CurrentPeriodStart)
		assert.Equal(t, payAt.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
		assert.Equal(t, payAt, sub.BillingAnchor)
	})

	t.Run("grace action cancel", func(t *testing.T) {
		t.Parallel()
		policy := subscription.DefaultDunningPolicy()
		policy.GraceAction = subscription.StatusCanceled
		f := newFixture(t, subscription.WithDunningPolicy(policy))
		sub, at := startPastDue(t, f)

		sub, err := f.svc.ExpireGrace(ctx, sub.ID, at.Add(15*day))
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, sub.Status)
		assert.Equal(t, "grace_expired", sub.CancelReason)
		assert.Equal(t, 1, f.events.Count(events.SubscriptionCanceled))
	})

	t.Run("failed trial conversion", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.create(t, subscription.CreateParams{PlanID: "basic", TrialDays: lo.ToPtr(7)})
		f.provider.FailCharges(1, "insufficient_funds", false)

		sub, err := f.svc.Renew(ctx, sub.ID, *sub.TrialEnd)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusPastDue, sub.Status)
		ev, ok := f.events.Last(events.PaymentFailed)
		require.True(t, ok)
		assert.Equal(t, "insufficient_funds", ev.Payload.(events.PaymentPayload).FailureCode)
	})
}

func TestNotifyTrialEnding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	sub := f.create(t, subscription.CreateParams{PlanID: "pro", TrialDays: lo.ToPtr(14)})

	_, err := f.svc.NotifyTrialEnding(ctx, sub.ID, t0)
	require.ErrorIs(t, err, subscription.ErrNotDue)

	at := t0.Add(12 * day)
	soon, err := f.svc.FindTrialsEndingSoon(ctx, at, 0)
	require.NoError(t, err)
	require.Len(t, soon, 1)

	sent, err := f.svc.NotifyTrialEnding(ctx, sub.ID, at)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = f.svc.NotifyTrialEnding(ctx, sub.ID, at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 1, f.events.Count(events.SubscriptionTrialEnding))
}
