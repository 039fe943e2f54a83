package subscription

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/events"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithPublisher sets where domain events go after a write commits.
func WithPublisher(p events.Publisher) ServiceOption {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithTransactor overrides the transaction runner. By default the store is
// used when it implements Transactor.
func WithTransactor(tx Transactor) ServiceOption {
	return func(s *Service) {
		if tx != nil {
			s.tx = tx
		}
	}
}

// WithDunningPolicy replaces the default retry and grace configuration.
// Panics on an invalid policy.
func WithDunningPolicy(p DunningPolicy) ServiceOption {
	return func(s *Service) {
		if err := p.Validate(); err != nil {
			panic(err)
		}
		s.policy = p
	}
}

// WithClock sets the time source for API-triggered operations.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClaimTTL sets how long a renewal claim blocks other workers.
func WithClaimTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.claimTTL = d
		}
	}
}

// WithLockRetries sets how many times a write that lost an optimistic lock
// race is retried against fresh state.
func WithLockRetries(n uint64) ServiceOption {
	return func(s *Service) {
		s.lockRetries = n
	}
}
