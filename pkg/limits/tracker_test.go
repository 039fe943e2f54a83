package limits_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/limits"
	"github.com/dmitrymomot/billingkit/pkg/limits/limitstest"
	"github.com/dmitrymomot/billingkit/pkg/period"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	limitstest.Run(t, func(*testing.T) limits.Store { return limits.NewMemoryStore() })
}

func TestTrackerRecordUsageStoresEvent(t *testing.T) {
	t.Parallel()

	store := limits.NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := limits.NewTracker(store, limits.WithClock(func() time.Time { return now }))

	_, err := tracker.RecordUsage(context.Background(), limits.UsageEvent{
		CustomerID: "cus_1",
		Key:        "api_calls",
		Amount:     3,
		Metadata:   map[string]string{"endpoint": "/v1/things"},
	})
	require.NoError(t, err)

	usage := store.Usage()
	require.Len(t, usage, 1)
	assert.NotEmpty(t, usage[0].ID)
	assert.Equal(t, now, usage[0].Timestamp)
	assert.Equal(t, int64(3), usage[0].Amount)
}

func TestTrackerValidation(t *testing.T) {
	t.Parallel()

	tracker := limits.NewTracker(limits.NewMemoryStore())
	ctx := context.Background()

	_, err := tracker.Increment(ctx, "cus_1", "k", 0)
	assert.ErrorIs(t, err, limits.ErrInvalidAmount)
	assert.ErrorIs(t, err, billingerr.ErrValidation)

	_, err = tracker.Set(ctx, limits.SetParams{Key: "k", MaxValue: 1})
	assert.ErrorIs(t, err, billingerr.ErrValidation)

	_, err = tracker.Set(ctx, limits.SetParams{CustomerID: "c", Key: "k", MaxValue: -2})
	assert.ErrorIs(t, err, billingerr.ErrValidation)
}

func TestTrackerDefaultMax(t *testing.T) {
	t.Parallel()

	tracker := limits.NewTracker(limits.NewMemoryStore(), limits.WithDefaultMax(2))
	ctx := context.Background()

	_, err := tracker.Consume(ctx, "cus_1", "k", 3)
	assert.ErrorIs(t, err, limits.ErrLimitExceeded)

	st, err := tracker.Consume(ctx, "cus_1", "k", 2)
	require.NoError(t, err)
	assert.True(t, st.IsExceeded)
}

func TestLimitNextResetAtSkipsMissedPeriods(t *testing.T) {
	t.Parallel()

	resetAt := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	l := limits.Limit{ResetAt: &resetAt, ResetInterval: period.Month, ResetCount: 1}

	next, err := l.NextResetAt(time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC), *next)

	var none limits.Limit
	next, err = none.NextResetAt(time.Now())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNewTrackerPanicsWithoutStore(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { limits.NewTracker(nil) })
}
