package limits

import (
	"time"

	"github.com/dmitrymomot/billingkit/pkg/period"
)

// Unlimited as MaxValue disables the ceiling.
const Unlimited int64 = -1

// Source records what granted a limit.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourcePurchase     Source = "purchase"
	SourceManual       Source = "manual"
)

// Limit is a per-customer usage counter with a ceiling.
type Limit struct {
	CustomerID    string
	Key           string
	MaxValue      int64
	CurrentValue  int64
	ResetAt       *time.Time
	ResetInterval period.Interval
	ResetCount    int
	Source        Source
	SourceID      string
	RevokedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsUnlimited reports whether the limit has no ceiling.
func (l Limit) IsUnlimited() bool { return l.MaxValue == Unlimited }

// IsRevoked reports whether the limit was explicitly revoked.
func (l Limit) IsRevoked() bool { return l.RevokedAt != nil }

// ResetDue reports whether the counter should read as zero at now.
func (l Limit) ResetDue(now time.Time) bool {
	return l.ResetAt != nil && !now.Before(*l.ResetAt)
}

// Current returns the counter as observed at now.
func (l Limit) Current(now time.Time) int64 {
	if l.ResetDue(now) {
		return 0
	}
	return l.CurrentValue
}

// NextResetAt returns the first reset boundary after now, stepping from the
// stored ResetAt. It returns nil when the limit does not reset.
func (l Limit) NextResetAt(now time.Time) (*time.Time, error) {
	if l.ResetAt == nil || l.ResetInterval == "" {
		return nil, nil
	}
	count := max(l.ResetCount, 1)
	next := *l.ResetAt
	for !next.After(now) {
		b, err := period.NextBounds(*l.ResetAt, l.ResetInterval, count, next)
		if err != nil {
			return nil, err
		}
		next = b.End
	}
	return &next, nil
}

// Status reports the limit as seen at now.
func (l Limit) Status(now time.Time) Status {
	s := Status{
		Key:          l.Key,
		MaxValue:     l.MaxValue,
		CurrentValue: l.Current(now),
		Unlimited:    l.IsUnlimited(),
		ResetAt:      l.ResetAt,
		Remaining:    Unlimited,
	}
	if l.ResetDue(now) {
		if next, err := l.NextResetAt(now); err == nil {
			s.ResetAt = next
		}
	}
	if !s.Unlimited {
		s.Remaining = max(l.MaxValue-s.CurrentValue, 0)
		s.IsExceeded = s.CurrentValue >= l.MaxValue
	}
	return s
}

// Status is the read-only view returned by Check.
// Remaining is Unlimited when there is no ceiling.
type Status struct {
	Key          string
	MaxValue     int64
	CurrentValue int64
	Remaining    int64
	IsExceeded   bool
	Unlimited    bool
	ResetAt      *time.Time
}

// UsageEvent is an immutable record of consumed usage.
type UsageEvent struct {
	ID         string
	CustomerID string            `validate:"required"`
	Key        string            `validate:"required"`
	Amount     int64             `validate:"min=1"`
	Timestamp  time.Time
	Metadata   map[string]string
}

// SetParams grants or changes a limit.
type SetParams struct {
	CustomerID    string          `validate:"required"`
	Key           string          `validate:"required"`
	MaxValue      int64           `validate:"min=-1"`
	Source        Source          `validate:"omitempty,oneof=subscription purchase manual"`
	SourceID      string
	ResetAt       *time.Time
	ResetInterval period.Interval `validate:"omitempty,oneof=day week month year"`
	ResetCount    int             `validate:"min=0"`
}

// IncrementParams is the single atomic write a Store must apply.
//
// When the stored limit is due for reset (ResetAt <= Now) the store must
// zero the counter before adding Amount and move ResetAt to NextResetAt,
// but only if the stored ResetAt still equals ExpectedResetAt; otherwise it
// returns ErrStaleReset. With Enforce set, an update that would push a
// limited counter past MaxValue is refused with ErrLimitExceeded.
// A missing row is created from Default; a revoked row is never touched.
type IncrementParams struct {
	CustomerID      string
	Key             string
	Amount          int64
	Now             time.Time
	Enforce         bool
	ExpectedResetAt *time.Time
	NextResetAt     *time.Time
	Default         Limit
}
