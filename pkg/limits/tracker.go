package limits

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/period"
	"github.com/dmitrymomot/billingkit/pkg/validator"
)

// maxResetRetries bounds how often a write is retried after losing a reset race.
const maxResetRetries = 3

// Tracker is the public entry point for usage limits.
type Tracker struct {
	store      Store
	clock      func() time.Time
	defaultMax int64
	logger     *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithDefaultMax sets the ceiling used when usage is recorded against a key
// that was never granted. Defaults to Unlimited.
func WithDefaultMax(v int64) Option {
	return func(t *Tracker) { t.defaultMax = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker creates a Tracker on top of store.
// Panics if store is nil, a misconfiguration that must fail at startup.
func NewTracker(store Store, opts ...Option) *Tracker {
	if store == nil {
		panic("limits: store is required")
	}
	t := &Tracker{
		store:      store,
		clock:      time.Now,
		defaultMax: Unlimited,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Check returns the limit status without mutating it.
func (t *Tracker) Check(ctx context.Context, customerID, key string) (Status, error) {
	l, err := t.store.Get(ctx, customerID, key)
	if err != nil {
		return Status{}, err
	}
	if l.IsRevoked() {
		return Status{}, ErrLimitRevoked
	}
	return l.Status(t.clock()), nil
}

// Statuses returns every active limit of a customer keyed by limit key.
func (t *Tracker) Statuses(ctx context.Context, customerID string) (map[string]Status, error) {
	list, err := t.store.List(ctx, customerID)
	if err != nil {
		return nil, err
	}
	now := t.clock()
	out := make(map[string]Status, len(list))
	for _, l := range list {
		if !l.IsRevoked() {
			out[l.Key] = l.Status(now)
		}
	}
	return out, nil
}

// Increment adds amount to the counter. It does not enforce the ceiling;
// callers read IsExceeded from the returned status.
func (t *Tracker) Increment(ctx context.Context, customerID, key string, amount int64) (Status, error) {
	return t.increment(ctx, customerID, key, amount, false)
}

// Consume adds amount only if the counter stays within the ceiling,
// otherwise it fails with ErrLimitExceeded and leaves the counter unchanged.
func (t *Tracker) Consume(ctx context.Context, customerID, key string, amount int64) (Status, error) {
	return t.increment(ctx, customerID, key, amount, true)
}

// RecordUsage increments the counter and appends an immutable usage event.
func (t *Tracker) RecordUsage(ctx context.Context, ev UsageEvent) (Status, error) {
	if err := validator.Struct(ev); err != nil {
		return Status{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.clock()
	}

	st, err := t.increment(ctx, ev.CustomerID, ev.Key, ev.Amount, false)
	if err != nil {
		return Status{}, err
	}
	if err := t.store.AppendUsage(ctx, ev); err != nil {
		t.logger.ErrorContext(ctx, "failed to append usage event",
			logger.CustomerID(ev.CustomerID),
			logger.LimitKey(ev.Key),
			logger.Error(err))
		return st, err
	}
	return st, nil
}

// Set grants a limit or changes its ceiling. An explicit Set re-grants a
// previously revoked limit; implicit creation through usage never does.
func (t *Tracker) Set(ctx context.Context, p SetParams) (Status, error) {
	if err := validator.Struct(p); err != nil {
		return Status{}, err
	}
	now := t.clock()
	if p.Source == "" {
		p.Source = SourceManual
	}
	if p.ResetInterval != "" && p.ResetAt == nil {
		at, err := period.AddInterval(now, p.ResetInterval, max(p.ResetCount, 1))
		if err != nil {
			return Status{}, err
		}
		p.ResetAt = &at
	}

	l, err := t.store.Upsert(ctx, Limit{
		CustomerID:    p.CustomerID,
		Key:           p.Key,
		MaxValue:      p.MaxValue,
		ResetAt:       p.ResetAt,
		ResetInterval: p.ResetInterval,
		ResetCount:    p.ResetCount,
		Source:        p.Source,
		SourceID:      p.SourceID,
		UpdatedAt:     now,
	})
	if err != nil {
		return Status{}, err
	}
	return l.Status(now), nil
}

// Revoke tombstones a limit. Later usage against the key fails with
// ErrLimitRevoked until the limit is Set again.
func (t *Tracker) Revoke(ctx context.Context, customerID, key string) error {
	return t.store.Revoke(ctx, customerID, key, t.clock())
}

// RevokeSource revokes every active limit granted by the given source.
func (t *Tracker) RevokeSource(ctx context.Context, customerID string, source Source, sourceID string) error {
	list, err := t.store.List(ctx, customerID)
	if err != nil {
		return err
	}
	now := t.clock()
	var errs []error
	for _, l := range list {
		if l.IsRevoked() || l.Source != source || l.SourceID != sourceID {
			continue
		}
		if err := t.store.Revoke(ctx, customerID, l.Key, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tracker) increment(ctx context.Context, customerID, key string, amount int64, enforce bool) (Status, error) {
	if amount <= 0 {
		return Status{}, ErrInvalidAmount
	}
	now := t.clock()
	p := IncrementParams{
		CustomerID: customerID,
		Key:        key,
		Amount:     amount,
		Now:        now,
		Enforce:    enforce,
		Default: Limit{
			CustomerID: customerID,
			Key:        key,
			MaxValue:   t.defaultMax,
			Source:     SourceManual,
		},
	}

	// The first attempt assumes no reset is due. If the store reports a
	// stale reset boundary, read the limit and retry with the next one.
	for attempt := 0; ; attempt++ {
		l, err := t.store.Increment(ctx, p)
		if err == nil {
			return l.Status(now), nil
		}
		if !errors.Is(err, ErrStaleReset) || attempt >= maxResetRetries {
			return Status{}, err
		}

		cur, err := t.store.Get(ctx, customerID, key)
		if err != nil {
			return Status{}, err
		}
		p.ExpectedResetAt = cur.ResetAt
		p.NextResetAt, err = cur.NextResetAt(now)
		if err != nil {
			return Status{}, err
		}
	}
}
