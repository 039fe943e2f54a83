package subscription

import (
	"context"
	"time"

	"github.com/samber/lo"
)

// The finders select work for the dunning sweep as of now. They never
// return deleted rows and are safe to call from concurrent workers; the
// operations they feed re-check every condition under an optimistic lock.

// FindNeedingRenewal returns active subscriptions whose period has ended
// and that are not scheduled for cancellation.
func (s *Service) FindNeedingRenewal(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	return s.store.Find(ctx, Filter{
		Statuses:          []Status{StatusActive},
		PeriodEndBefore:   &now,
		CancelAtPeriodEnd: lo.ToPtr(false),
		Collection:        CollectionAutomatic,
		UnclaimedAt:       &now,
		Limit:             limit,
	})
}

// FindTrialsEnded returns trialing subscriptions whose trial is over and
// that must be converted into their first paid period.
func (s *Service) FindTrialsEnded(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	return s.store.Find(ctx, Filter{
		Statuses:          []Status{StatusTrialing},
		PeriodEndBefore:   &now,
		CancelAtPeriodEnd: lo.ToPtr(false),
		Collection:        CollectionAutomatic,
		UnclaimedAt:       &now,
		Limit:             limit,
	})
}

// FindNeedingRetry returns past_due subscriptions with a retry due and
// still inside their grace period.
func (s *Service) FindNeedingRetry(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	return s.store.Find(ctx, Filter{
		Statuses:        []Status{StatusPastDue},
		NextRetryBefore: &now,
		GraceEndsAfter:  &now,
		Collection:      CollectionAutomatic,
		UnclaimedAt:     &now,
		Limit:           limit,
	})
}

// FindWithExpiredGracePeriod returns past_due subscriptions whose grace
// period ended before now.
func (s *Service) FindWithExpiredGracePeriod(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	return s.store.Find(ctx, Filter{
		Statuses:        []Status{StatusPastDue},
		GraceEndsBefore: &now,
		Collection:      CollectionAutomatic,
		UnclaimedAt:     &now,
		Limit:           limit,
	})
}

// FindTrialsEndingSoon returns trials ending within the notice window.
func (s *Service) FindTrialsEndingSoon(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	return s.store.Find(ctx, Filter{
		Statuses:       []Status{StatusTrialing},
		TrialEndAfter:  &now,
		TrialEndBefore: lo.ToPtr(now.Add(s.policy.TrialNoticeWindow)),
		Limit:          limit,
	})
}

// FindScheduledForCancellation returns subscriptions set to cancel at a
// period end that has passed.
func (s *Service) FindScheduledForCancellation(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	return s.store.Find(ctx, Filter{
		Statuses:          []Status{StatusTrialing, StatusActive, StatusPastDue},
		PeriodEndBefore:   &now,
		CancelAtPeriodEnd: lo.ToPtr(true),
		UnclaimedAt:       &now,
		Limit:             limit,
	})
}

// FindIncompleteExpired returns incomplete subscriptions older than the
// incomplete expiry window.
func (s *Service) FindIncompleteExpired(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	return s.store.Find(ctx, Filter{
		Statuses:      []Status{StatusIncomplete},
		CreatedBefore: lo.ToPtr(now.Add(-s.policy.IncompleteExpiry)),
		Limit:         limit,
	})
}
