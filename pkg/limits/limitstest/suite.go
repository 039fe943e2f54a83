// Package limitstest holds a behavioural suite every limits.Store must pass.
package limitstest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/limits"
	"github.com/dmitrymomot/billingkit/pkg/period"
)

// StoreFactory returns a fresh, empty store for one subtest.
type StoreFactory func(t *testing.T) limits.Store

// Run exercises store semantics through a Tracker.
func Run(t *testing.T, newStore StoreFactory) {
	t.Helper()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		tracker := limits.NewTracker(newStore(t), limits.WithClock(clock))
		_, err := tracker.Set(ctx, limits.SetParams{CustomerID: "cus_1", Key: "api_calls", MaxValue: 1000})
		require.NoError(t, err)

		const n = 50
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := tracker.Increment(ctx, "cus_1", "api_calls", 1); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		st, err := tracker.Check(ctx, "cus_1", "api_calls")
		require.NoError(t, err)
		assert.Equal(t, int64(n), st.CurrentValue)
		assert.Equal(t, int64(1000-n), st.Remaining)
	})

	t.Run("check does not mutate", func(t *testing.T) {
		tracker := limits.NewTracker(newStore(t), limits.WithClock(clock))
		_, err := tracker.Set(ctx, limits.SetParams{CustomerID: "cus_1", Key: "seats", MaxValue: 2})
		require.NoError(t, err)
		_, err = tracker.Increment(ctx, "cus_1", "seats", 2)
		require.NoError(t, err)

		for range 3 {
			st, err := tracker.Check(ctx, "cus_1", "seats")
			require.NoError(t, err)
			assert.Equal(t, int64(2), st.CurrentValue)
			assert.True(t, st.IsExceeded)
			assert.Equal(t, int64(0), st.Remaining)
		}
	})

	t.Run("unknown limit is not found", func(t *testing.T) {
		tracker := limits.NewTracker(newStore(t), limits.WithClock(clock))
		_, err := tracker.Check(ctx, "cus_1", "nothing")
		assert.ErrorIs(t, err, limits.ErrLimitNotFound)
	})

	t.Run("consume enforces the ceiling", func(t *testing.T) {
		tracker := limits.NewTracker(newStore(t), limits.WithClock(clock))
		_, err := tracker.Set(ctx, limits.SetParams{CustomerID: "cus_1", Key: "projects", MaxValue: 3})
		require.NoError(t, err)

		_, err = tracker.Consume(ctx, "cus_1", "projects", 3)
		require.NoError(t, err)
		_, err = tracker.Consume(ctx, "cus_1", "projects", 1)
		assert.ErrorIs(t, err, limits.ErrLimitExceeded)

		st, err := tracker.Check(ctx, "cus_1", "projects")
		require.NoError(t, err)
		assert.Equal(t, int64(3), st.CurrentValue)
	})

	t.Run("usage creates an implicit limit", func(t *testing.T) {
		tracker := limits.NewTracker(newStore(t), limits.WithClock(clock))
		st, err := tracker.Increment(ctx, "cus_2", "exports", 4)
		require.NoError(t, err)
		assert.True(t, st.Unlimited)
		assert.Equal(t, int64(4), st.CurrentValue)
		assert.Equal(t, limits.Unlimited, st.Remaining)
	})

	t.Run("passed reset reads as zero and resets on write", func(t *testing.T) {
		tracker := limits.NewTracker(newStore(t), limits.WithClock(clock))
		resetAt := now.Add(-time.Hour)
		_, err := tracker.Set(ctx, limits.SetParams{
			CustomerID:    "cus_1",
			Key:           "emails",
			MaxValue:      100,
			ResetAt:       &resetAt,
			ResetInterval: period.Day,
			ResetCount:    1,
		})
		require.NoError(t, err)

		st, err := tracker.Check(ctx, "cus_1", "emails")
		require.NoError(t, err)
		assert.Equal(t, int64(0), st.CurrentValue)

		st, err = tracker.Increment(ctx, "cus_1", "emails", 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), st.CurrentValue)
		require.NotNil(t, st.ResetAt)
		assert.True(t, st.ResetAt.Equal(resetAt.AddDate(0, 0, 1)), "got %s", st.ResetAt)

		st, err = tracker.Increment(ctx, "cus_1", "emails", 5)
		require.NoError(t, err)
		assert.Equal(t, int64(10), st.CurrentValue)
	})

	t.Run("set after a passed reset restarts the counter", func(t *testing.T) {
		at := now
		tracker := limits.NewTracker(newStore(t), limits.WithClock(func() time.Time { return at }))
		set := func(resetAt time.Time) limits.Status {
			t.Helper()
			st, err := tracker.Set(ctx, limits.SetParams{
				CustomerID:    "cus_1",
				Key:           "builds",
				MaxValue:      100,
				ResetAt:       &resetAt,
				ResetInterval: period.Day,
				ResetCount:    1,
			})
			require.NoError(t, err)
			return st
		}

		set(now.Add(24 * time.Hour))
		_, err := tracker.Increment(ctx, "cus_1", "builds", 80)
		require.NoError(t, err)

		st := set(now.Add(48 * time.Hour))
		assert.Equal(t, int64(80), st.CurrentValue, "reset not due yet")

		at = now.Add(72 * time.Hour)
		st = set(at.Add(24 * time.Hour))
		assert.Equal(t, int64(0), st.CurrentValue)
		assert.Equal(t, int64(100), st.Remaining)

		st, err = tracker.Check(ctx, "cus_1", "builds")
		require.NoError(t, err)
		assert.Equal(t, int64(0), st.CurrentValue)
	})

	t.Run("revoked limit is never resurrected by usage", func(t *testing.T) {
		tracker := limits.NewTracker(newStore(t), limits.WithClock(clock))
		_, err := tracker.Set(ctx, limits.SetParams{CustomerID: "cus_1", Key: "storage", MaxValue: 10})
		require.NoError(t, err)
		require.NoError(t, tracker.Revoke(ctx, "cus_1", "storage"))

		_, err = tracker.Increment(ctx, "cus_1", "storage", 1)
		assert.ErrorIs(t, err, limits.ErrLimitRevoked)
		_, err = tracker.Check(ctx, "cus_1", "storage")
		assert.ErrorIs(t, err, limits.ErrLimitRevoked)

		st, err := tracker.Set(ctx, limits.SetParams{CustomerID: "cus_1", Key: "storage", MaxValue: 20})
		require.NoError(t, err)
		assert.Equal(t, int64(20), st.MaxValue)
		_, err = tracker.Increment(ctx, "cus_1", "storage", 1)
		assert.NoError(t, err)
	})

	t.Run("revoke by source", func(t *testing.T) {
		tracker := limits.NewTracker(newStore(t), limits.WithClock(clock))
		for _, key := range []string{"a", "b"} {
			_, err := tracker.Set(ctx, limits.SetParams{
				CustomerID: "cus_1", Key: key, MaxValue: 1,
				Source: limits.SourceSubscription, SourceID: "sub_1",
			})
			require.NoError(t, err)
		}
		_, err := tracker.Set(ctx, limits.SetParams{CustomerID: "cus_1", Key: "c", MaxValue: 1})
		require.NoError(t, err)

		require.NoError(t, tracker.RevokeSource(ctx, "cus_1", limits.SourceSubscription, "sub_1"))
		all, err := tracker.Statuses(ctx, "cus_1")
		require.NoError(t, err)
		assert.Len(t, all, 1)
		assert.Contains(t, all, "c")
	})

	t.Run("record usage appends an event", func(t *testing.T) {
		tracker := limits.NewTracker(newStore(t), limits.WithClock(clock))
		st, err := tracker.RecordUsage(ctx, limits.UsageEvent{CustomerID: "cus_1", Key: "tokens", Amount: 7})
		require.NoError(t, err)
		assert.Equal(t, int64(7), st.CurrentValue)

		_, err = tracker.RecordUsage(ctx, limits.UsageEvent{CustomerID: "cus_1", Key: "tokens", Amount: 0})
		assert.Error(t, err)
	})
}
