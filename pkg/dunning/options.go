package dunning

import (
	"log/slog"

	"github.com/dmitrymomot/billingkit/pkg/metrics"
)

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBatchSize sets how many subscriptions a phase fetches at once.
// Default is 100.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMaxBatches caps the batches a phase processes per sweep. Default is 10.
func WithMaxBatches(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.maxBatches = n
		}
	}
}

// WithConcurrency limits how many items of a batch run in parallel.
// Default is 4.
func WithConcurrency(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithMetrics records per phase outcomes and durations.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithPhases restricts a sweep to the given phases. They still run in the
// order of Phases().
func WithPhases(phases ...Phase) Option {
	return func(s *Sweeper) {
		s.enabled = make(map[Phase]bool, len(phases))
		for _, p := range phases {
			s.enabled[p] = true
		}
	}
}
