package webhook

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/metrics"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithMaxAttempts sets how many processing attempts an event gets before
// it is dead-lettered. Default is 8.
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay between failed attempts.
func WithBackoff(b BackoffStrategy) Option {
	return func(p *Pipeline) {
		if b != nil {
			p.backoff = b
		}
	}
}

// WithLockTimeout bounds a single processing attempt. A crashed worker's
// event becomes due again once the lock expires. Default is 1 minute.
func WithLockTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.lockTimeout = d
		}
	}
}

// WithInlineProcessing controls whether Receive processes the event right
// after storing it. Default is true; with false a Worker picks it up.
func WithInlineProcessing(enabled bool) Option {
	return func(p *Pipeline) {
		p.inline = enabled
	}
}

// WithConcurrency limits parallel processing in ProcessDue. Default is 4.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithMetrics records receipts and processing outcomes.
func WithMetrics(m *metrics.Collectors) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}
