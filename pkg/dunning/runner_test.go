package dunning_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/dunning"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

func TestNewRunner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := dunning.NewSweeper(f.svc)

	tests := []struct {
		name     string
		schedule string
		wantErr  bool
	}{
		{"default", "", false},
		{"descriptor", "@every 1m", false},
		{"five fields", "*/5 * * * *", false},
		{"garbage", "every minute", true},
		{"six fields", "0 */5 * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := dunning.NewRunner(s, tt.schedule)
			if tt.wantErr {
				assert.ErrorIs(t, err, dunning.ErrInvalidSchedule)
				assert.Nil(t, r)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, r)
		})
	}
}

func TestRunner(t *testing.T) {
	t.Parallel()

	t.Run("run once uses the runner clock", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.create(t, nil)

		r, err := dunning.NewRunner(dunning.NewSweeper(f.svc), "@every 1h",
			dunning.WithRunnerClock(func() time.Time { return due }))
		require.NoError(t, err)

		report, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, due, report.At)
		assert.Equal(t, 1, report.Phase(dunning.PhaseRenewals).Processed)
		assert.Equal(t, subscription.StatusActive, f.status(t, sub.ID))
	})

	t.Run("start sweeps and stops with the context", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.create(t, nil)

		r, err := dunning.NewRunner(dunning.NewSweeper(f.svc), "@every 1h",
			dunning.WithRunOnStart(true),
			dunning.WithRunnerClock(func() time.Time { return due }),
		)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- r.Start(ctx) }()

		require.Eventually(t, func() bool { return len(f.provider.Charges()) == 2 }, time.Second, 10*time.Millisecond)
		assert.ErrorIs(t, r.Start(ctx), dunning.ErrRunnerStarted)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("runner did not stop")
		}
	})
}
