package subscription

import (
	"fmt"
	"time"
)

// DunningPolicy configures how failed renewals are retried.
type DunningPolicy struct {
	// RetrySchedule is the delay before each retry, measured from the
	// failed attempt. Once exhausted no further retry is scheduled and the
	// subscription waits for the grace period to end.
	RetrySchedule []time.Duration
	// GracePeriod starts at the first failed renewal.
	GracePeriod time.Duration
	// GraceAction is the status taken when the grace period ends:
	// StatusUnpaid or StatusCanceled.
	GraceAction Status
	// IncompleteExpiry is how long an unpaid new subscription may stay
	// incomplete.
	IncompleteExpiry time.Duration
	// TrialNoticeWindow is how far ahead of trial end the trial_ending
	// notice is sent.
	TrialNoticeWindow time.Duration
}

// DefaultDunningPolicy retries after 1, 3 and 5 days within a 14 day grace
// period, then marks the subscription unpaid.
func DefaultDunningPolicy() DunningPolicy {
	return DunningPolicy{
		RetrySchedule:     []time.Duration{24 * time.Hour, 3 * 24 * time.Hour, 5 * 24 * time.Hour},
		GracePeriod:       14 * 24 * time.Hour,
		GraceAction:       StatusUnpaid,
		IncompleteExpiry:  23 * time.Hour,
		TrialNoticeWindow: 3 * 24 * time.Hour,
	}
}

// Validate checks the policy is usable.
func (p DunningPolicy) Validate() error {
	for i, d := range p.RetrySchedule {
		if d <= 0 {
			return fmt.Errorf("subscription: retry delay %d must be positive", i)
		}
	}
	if p.GracePeriod <= 0 {
		return fmt.Errorf("subscription: grace period must be positive")
	}
	if p.GraceAction != StatusUnpaid && p.GraceAction != StatusCanceled {
		return fmt.Errorf("subscription: grace action must be %s or %s, got %q", StatusUnpaid, StatusCanceled, p.GraceAction)
	}
	if p.IncompleteExpiry <= 0 {
		return fmt.Errorf("subscription: incomplete expiry must be positive")
	}
	if p.TrialNoticeWindow < 0 {
		return fmt.Errorf("subscription: trial notice window must not be negative")
	}
	return nil
}

// NextRetry returns when to retry after the failed attempt number
// failures (1-based) at failedAt, or nil when the schedule is exhausted.
func (p DunningPolicy) NextRetry(failedAt time.Time, failures int) *time.Time {
	if failures < 1 || failures > len(p.RetrySchedule) {
		return nil
	}
	return timePtr(failedAt.Add(p.RetrySchedule[failures-1]))
}
