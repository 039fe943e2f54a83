package dunning_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/dunning"
	"github.com/dmitrymomot/billingkit/pkg/period"
	"github.com/dmitrymomot/billingkit/pkg/provider"
	"github.com/dmitrymomot/billingkit/pkg/provider/local"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

// due is one hour past the end of the first monthly period.
var due = time.Date(2026, 5, 1, 1, 0, 0, 0, time.UTC)

type fixture struct {
	provider *local.Provider
	svc      *subscription.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := subscription.NewMemoryCatalog(subscription.Plan{
		ID:             "basic",
		Name:           "Basic",
		Price:          1000,
		Currency:       "usd",
		Interval:       period.Month,
		IntervalCount:  1,
		ProviderPrices: map[string]string{"local": "price_basic"},
	})
	require.NoError(t, err)

	prov := local.New(local.Config{})
	svc := subscription.NewService(subscription.NewMemoryStore(), catalog, provider.NewRegistry(prov),
		subscription.WithClock(func() time.Time { return t0 }),
	)
	return &fixture{provider: prov, svc: svc}
}

func (f *fixture) create(t *testing.T, trialDays *int) *subscription.Subscription {
	t.Helper()
	sub, err := f.svc.Create(context.Background(), subscription.CreateParams{
		CustomerID: "cus_1",
		PlanID:     "basic",
		TrialDays:  trialDays,
	})
	require.NoError(t, err)
	return sub
}

func (f *fixture) status(t *testing.T, id string) subscription.Status {
	t.Helper()
	sub, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return sub.Status
}

func TestSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("renews due subscriptions once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		for range 3 {
			f.create(t, nil)
		}
		s := dunning.NewSweeper(f.svc, dunning.WithBatchSize(2))

		report, err := s.Sweep(ctx, due)
		require.NoError(t, err)
		renewals := report.Phase(dunning.PhaseRenewals)
		assert.Equal(t, 3, renewals.Found)
		assert.Equal(t, 3, renewals.Processed)
		assert.Zero(t, renewals.PaymentFailed)
		assert.Len(t, f.provider.Charges(), 6)

		report, err = s.Sweep(ctx, due)
		require.NoError(t, err)
		assert.Zero(t, report.Phase(dunning.PhaseRenewals).Found)
		assert.Len(t, f.provider.Charges(), 6)
	})

	t.Run("not due before the period ends", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.create(t, nil)

		report, err := dunning.NewSweeper(f.svc).Sweep(ctx, t0.Add(29*day))
		require.NoError(t, err)
		assert.Zero(t, report.Processed())
	})

	t.Run("failed renewal is retried on schedule", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.create(t, nil)
		s := dunning.NewSweeper(f.svc)

		f.provider.FailCharges(1, "card_declined", true)
		report, err := s.Sweep(ctx, due)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Phase(dunning.PhaseRenewals).PaymentFailed)
		assert.Equal(t, subscription.StatusPastDue, f.status(t, sub.ID))

		report, err = s.Sweep(ctx, due.Add(12*time.Hour))
		require.NoError(t, err)
		assert.Zero(t, report.Phase(dunning.PhaseRetries).Found, "retry not due yet")

		report, err = s.Sweep(ctx, due.Add(day+time.Minute))
		require.NoError(t, err)
		retries := report.Phase(dunning.PhaseRetries)
		assert.Equal(t, 1, retries.Processed)
		assert.Zero(t, retries.PaymentFailed)
		assert.Equal(t, subscription.StatusActive, f.status(t, sub.ID))
	})

	t.Run("grace expiry ends dunning", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.create(t, nil)
		s := dunning.NewSweeper(f.svc)

		f.provider.FailCharges(10, "card_declined", true)
		_, err := s.Sweep(ctx, due)
		require.NoError(t, err)

		report, err := s.Sweep(ctx, due.Add(15*day))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Phase(dunning.PhaseGraceExpiry).Processed)
		assert.Zero(t, report.Phase(dunning.PhaseRetries).Found)
		assert.Equal(t, subscription.StatusUnpaid, f.status(t, sub.ID))
	})

	t.Run("scheduled cancellation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.create(t, nil)
		_, err := f.svc.Cancel(ctx, sub.ID, subscription.CancelParams{AtPeriodEnd: true})
		require.NoError(t, err)

		report, err := dunning.NewSweeper(f.svc).Sweep(ctx, due)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Phase(dunning.PhaseScheduledCancellations).Processed)
		assert.Zero(t, report.Phase(dunning.PhaseRenewals).Found)
		assert.Equal(t, subscription.StatusCanceled, f.status(t, sub.ID))
		assert.Len(t, f.provider.Charges(), 1)
	})

	t.Run("trial notice and conversion", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.create(t, lo.ToPtr(14))
		s := dunning.NewSweeper(f.svc)

		report, err := s.Sweep(ctx, t0.Add(12*day))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Phase(dunning.PhaseTrialNotices).Processed)

		report, err = s.Sweep(ctx, t0.Add(12*day+time.Hour))
		require.NoError(t, err)
		notices := report.Phase(dunning.PhaseTrialNotices)
		assert.Equal(t, 1, notices.Found)
		assert.Equal(t, 1, notices.Skipped, "the notice is sent once per trial")

		report, err = s.Sweep(ctx, t0.Add(14*day+time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Phase(dunning.PhaseTrialConversions).Processed)
		assert.Equal(t, subscription.StatusActive, f.status(t, sub.ID))
	})

	t.Run("incomplete subscriptions expire", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.provider.FailCharges(1, "card_declined", false)
		sub := f.create(t, nil)
		require.Equal(t, subscription.StatusIncomplete, sub.Status)

		report, err := dunning.NewSweeper(f.svc).Sweep(ctx, t0.Add(day))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Phase(dunning.PhaseIncompleteExpiry).Processed)
		assert.Equal(t, subscription.StatusIncompleteExpired, f.status(t, sub.ID))
	})

	t.Run("phase filter", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.create(t, nil)

		report, err := dunning.NewSweeper(f.svc, dunning.WithPhases(dunning.PhaseTrialNotices)).Sweep(ctx, due)
		require.NoError(t, err)
		require.Len(t, report.Phases, 1)
		assert.Equal(t, dunning.PhaseTrialNotices, report.Phases[0].Phase)
		assert.Len(t, f.provider.Charges(), 1)
	})
}

func TestConcurrentSweepers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for range 5 {
		f.create(t, nil)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := dunning.NewSweeper(f.svc, dunning.WithPhases(dunning.PhaseRenewals), dunning.WithConcurrency(3))
			report, err := s.Sweep(context.Background(), due)
			assert.NoError(t, err)
			mu.Lock()
			processed += report.Phase(dunning.PhaseRenewals).Processed
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, processed)
	assert.Len(t, f.provider.Charges(), 10, "one initial and one renewal charge per subscription")
}

type mockSubscriptions struct {
	mock.Mock
}

func (m *mockSubscriptions) one(args mock.Arguments) (*subscription.Subscription, error) {
	sub, _ := args.Get(0).(*subscription.Subscription)
	return sub, args.Error(1)
}

func (m *mockSubscriptions) FindScheduledForCancellation(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	args := m.Called(ctx, now, limit)
	return m.list(args)
}

func (m *mockSubscriptions) FindNeedingRenewal(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	args := m.Called(ctx, now, limit)
	return m.list(args)
}

func (m *mockSubscriptions) FindTrialsEnded(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	args := m.Called(ctx, now, limit)
	return m.list(args)
}

func (m *mockSubscriptions) FindNeedingRetry(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	args := m.Called(ctx, now, limit)
	return m.list(args)
}

func (m *mockSubscriptions) FindWithExpiredGracePeriod(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	args := m.Called(ctx, now, limit)
	return m.list(args)
}

func (m *mockSubscriptions) FindTrialsEndingSoon(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	args := m.Called(ctx, now, limit)
	return m.list(args)
}

func (m *mockSubscriptions) FindIncompleteExpired(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	args := m.Called(ctx, now, limit)
	return m.list(args)
}

func (m *mockSubscriptions) FinalizeCancellation(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error) {
	return m.one(m.Called(ctx, id, at))
}

func (m *mockSubscriptions) Renew(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error) {
	return m.one(m.Called(ctx, id, at))
}

func (m *mockSubscriptions) ExpireGrace(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error) {
	return m.one(m.Called(ctx, id, at))
}

func (m *mockSubscriptions) ExpireIncomplete(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error) {
	return m.one(m.Called(ctx, id, at))
}

func (m *mockSubscriptions) NotifyTrialEnding(ctx context.Context, id string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

func (m *mockSubscriptions) list(args mock.Arguments) ([]*subscription.Subscription, error) {
	subs, _ := args.Get(0).([]*subscription.Subscription)
	return subs, args.Error(1)
}

func TestSweepItemOutcomes(t *testing.T) {
	t.Parallel()

	subs := &mockSubscriptions{}
	batch := []*subscription.Subscription{{ID: "sub_ok"}, {ID: "sub_race"}, {ID: "sub_err"}}
	subs.On("FindNeedingRenewal", mock.Anything, due, 100).Return(batch, nil).Once()
	subs.On("Renew", mock.Anything, "sub_ok", due).Return(&subscription.Subscription{ID: "sub_ok", Status: subscription.StatusActive}, nil)
	subs.On("Renew", mock.Anything, "sub_race", due).Return(nil, billingerr.OptimisticLock("subscription", "sub_race"))
	subs.On("Renew", mock.Anything, "sub_err", due).Return(nil, errors.New("store unavailable"))

	s := dunning.NewSweeper(subs, dunning.WithPhases(dunning.PhaseRenewals))
	report, err := s.Sweep(context.Background(), due)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub_err")
	assert.NotContains(t, err.Error(), "sub_race")

	pr := report.Phase(dunning.PhaseRenewals)
	assert.Equal(t, 3, pr.Found)
	assert.Equal(t, 1, pr.Processed)
	assert.Equal(t, 1, pr.Skipped)
	assert.Equal(t, 1, pr.Failed)
	subs.AssertExpectations(t)
}

func TestSweepFinderError(t *testing.T) {
	t.Parallel()

	subs := &mockSubscriptions{}
	subs.On("FindNeedingRetry", mock.Anything, due, 100).Return(nil, errors.New("connection reset"))
	subs.On("FindWithExpiredGracePeriod", mock.Anything, due, 100).Return(nil, nil)

	s := dunning.NewSweeper(subs, dunning.WithPhases(dunning.PhaseRetries, dunning.PhaseGraceExpiry))
	report, err := s.Sweep(context.Background(), due)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry: find")
	assert.Len(t, report.Phases, 2, "a failing phase does not stop the sweep")
	subs.AssertExpectations(t)
}
