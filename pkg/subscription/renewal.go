package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/events"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/period"
	"github.com/dmitrymomot/billingkit/pkg/provider"
)

// ErrProviderCollected is returned when asked to charge a subscription
// that its provider bills.
var ErrProviderCollected = billingerr.Conflict("subscription.provider_collected", "subscription is billed by its provider")

const notificationTrialEnding = "trial_ending"

// Renew bills the next period of a due subscription at the instant at.
//
// The subscription is claimed with a versioned write first, so concurrent
// workers racing on the same row get an optimistic lock error and exactly
// one of them charges. A successful charge advances the period; a failed
// one moves the subscription to past_due and schedules the next retry. A
// failed charge is not an error for the caller.
func (s *Service) Renew(ctx context.Context, id string, at time.Time) (*Subscription, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.IsDeleted() {
		return nil, ErrSubscriptionNotFound
	}
	if err := allowed(ctx, cur, EventRenewed, nil); err != nil {
		return nil, err
	}
	if cur.Collection == CollectionProvider {
		return nil, ErrProviderCollected
	}
	if err := renewDue(cur, at); err != nil {
		return nil, err
	}

	var inv *Invoice
	sub, err := s.mutate(ctx, id, cur.Version, func(ctx context.Context, sub *Subscription) error {
		if sub.ClaimedUntil != nil && sub.ClaimedUntil.After(at) {
			return ErrClaimed
		}
		sub.ClaimedUntil = timePtr(at.Add(s.claimTTL))

		var err error
		inv, err = s.renewalInvoice(ctx, sub, at)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := s.charge(ctx, sub, inv)
	return s.applyCharge(ctx, sub.ID, inv.ID, res, at)
}

func renewDue(sub *Subscription, at time.Time) error {
	switch sub.Status {
	case StatusActive, StatusTrialing:
		if sub.CancelAtPeriodEnd {
			return ErrScheduledForCancel
		}
		if sub.CurrentPeriodEnd.After(at) {
			return ErrNotDue
		}
	case StatusPastDue:
		if sub.NextRetryAt == nil || sub.NextRetryAt.After(at) {
			return ErrNotDue
		}
	}
	return nil
}

// renewalInvoice returns the open cycle invoice the subscription is already
// collecting, or issues a new one for the next period with pending items.
// A past_due subscription retries its latest invoice; otherwise an open
// invoice for the same period is one whose charge outcome was never
// recorded, and reusing it keeps the payment idempotency key stable.
func (s *Service) renewalInvoice(ctx context.Context, sub *Subscription, at time.Time) (*Invoice, error) {
	var latest *Invoice
	if sub.LatestInvoiceID != "" {
		inv, err := s.store.GetInvoice(ctx, sub.LatestInvoiceID)
		if err == nil && inv.IsOpen() && inv.Reason == ReasonSubscriptionCycle {
			latest = inv
		}
	}
	if latest != nil && sub.Status == StatusPastDue {
		return latest, nil
	}

	plan, err := s.catalog.Plan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	var bounds period.Bounds
	if sub.Status == StatusUnpaid {
		// Missed periods are not billed; the cycle restarts now.
		bounds, err = period.PeriodBounds(at, plan.Interval, plan.IntervalCount)
	} else {
		bounds, err = period.NextBounds(sub.BillingAnchor, plan.Interval, plan.IntervalCount, sub.CurrentPeriodEnd)
	}
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.PeriodStart.Equal(bounds.Start) {
		s.logger.WarnContext(ctx, "resuming unrecorded renewal invoice",
			logger.SubscriptionID(sub.ID), logger.InvoiceID(latest.ID))
		return latest, nil
	}

	inv := s.newInvoice(sub, ReasonSubscriptionCycle, bounds)
	inv.Currency = plan.Currency
	inv.Lines = append(inv.Lines, planLine(plan, sub.Quantity, bounds))

	items, err := s.store.PendingInvoiceItems(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		inv.Lines = append(inv.Lines, item.Line)
	}
	inv.Total = sumLines(inv.Lines)

	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := s.store.AttachInvoiceItems(ctx, sub.ID, inv.ID); err != nil {
			return nil, err
		}
	}
	sub.LatestInvoiceID = inv.ID
	if err := s.emit(ctx, sub.Livemode, events.InvoiceCreated, inv.payload(string(inv.Reason))); err != nil {
		return nil, err
	}
	return inv, nil
}

// collect charges inv now and applies the outcome.
func (s *Service) collect(ctx context.Context, sub *Subscription, inv *Invoice) (*Subscription, error) {
	res := s.charge(ctx, sub, inv)
	return s.applyCharge(ctx, sub.ID, inv.ID, res, s.clock())
}

// applyCharge records a payment attempt against fresh state, retrying on
// lost optimistic lock races. An invoice settled meanwhile (by a webhook)
// is left alone.
func (s *Service) applyCharge(ctx context.Context, subID, invoiceID string, res chargeResult, at time.Time) (*Subscription, error) {
	var sub *Subscription
	err := s.retryOnLock(ctx, func() error {
		var err error
		sub, err = s.mutate(ctx, subID, 0, func(ctx context.Context, sub *Subscription) error {
			sub.ClaimedUntil = nil
			inv, err := s.store.GetInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			if !inv.IsOpen() {
				return nil
			}
			if res.succeeded() {
				return s.settle(ctx, sub, inv, res.payment, at)
			}
			return s.fail(ctx, sub, inv, res, at)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// settle marks inv paid and applies its effect on sub.
func (s *Service) settle(ctx context.Context, sub *Subscription, inv *Invoice, pay provider.Payment, at time.Time) error {
	read := inv.Version
	inv.Status = InvoicePaid
	inv.PaidAt = timePtr(at)
	inv.AttemptCount++
	inv.PaymentID = pay.ID
	inv.UpdatedAt = at
	if err := s.store.UpdateInvoice(ctx, inv, read); err != nil {
		return err
	}
	if err := s.emit(ctx, sub.Livemode, events.InvoicePaid, inv.payload(string(inv.Reason))); err != nil {
		return err
	}
	if err := s.emit(ctx, sub.Livemode, events.PaymentSucceeded, s.paymentPayload(sub, inv, pay.ID, "", "")); err != nil {
		return err
	}

	prev := sub.Status
	switch inv.Reason {
	case ReasonSubscriptionCreate:
		if sub.Status != StatusIncomplete {
			return nil
		}
		if err := transition(ctx, sub, EventActivate, nil); err != nil {
			return err
		}
	case ReasonSubscriptionCycle:
		if !Transitions.Can(ctx, sub.Status, EventRenewed, nil) {
			s.logger.WarnContext(ctx, "invoice paid for a subscription that can no longer renew",
				logger.SubscriptionID(sub.ID), logger.InvoiceID(inv.ID), logger.Status(string(sub.Status)))
			return nil
		}
		if err := transition(ctx, sub, EventRenewed, nil); err != nil {
			return err
		}
		sub.CurrentPeriodStart = inv.PeriodStart
		sub.CurrentPeriodEnd = inv.PeriodEnd
		if prev == StatusUnpaid {
			sub.BillingAnchor = inv.PeriodStart
		}
		sub.clearDunning()
		if prev == StatusTrialing {
			if err := s.emitSubscription(ctx, events.SubscriptionTrialEnded, sub, func(pl *events.SubscriptionPayload) {
				pl.PreviousStatus = string(prev)
			}); err != nil {
				return err
			}
		}
	default:
		return nil
	}

	s.logger.InfoContext(ctx, "subscription renewed",
		logger.SubscriptionID(sub.ID),
		logger.InvoiceID(inv.ID),
		logger.Transition(string(prev), string(sub.Status)),
	)
	return s.emitSubscription(ctx, events.SubscriptionUpdated, sub, func(pl *events.SubscriptionPayload) {
		pl.PreviousStatus = string(prev)
		pl.Reason = "payment_succeeded"
	})
}

// fail records a failed attempt on inv. A failed renewal moves sub into
// dunning: past_due with the next retry from the policy and a grace
// deadline set at the first failure.
func (s *Service) fail(ctx context.Context, sub *Subscription, inv *Invoice, res chargeResult, at time.Time) error {
	read := inv.Version
	inv.AttemptCount++
	inv.PaymentID = res.payment.ID
	inv.UpdatedAt = at
	if err := s.store.UpdateInvoice(ctx, inv, read); err != nil {
		return err
	}

	prev := sub.Status
	if inv.Reason == ReasonSubscriptionCycle {
		if err := transition(ctx, sub, EventRenewFailed, nil); err != nil {
			return err
		}
		sub.RetryCount++
		sub.NextRetryAt = nil
		if sub.Status == StatusPastDue {
			sub.NextRetryAt = s.policy.NextRetry(at, sub.RetryCount)
			if sub.GraceEndsAt == nil {
				sub.GraceEndsAt = timePtr(at.Add(s.policy.GracePeriod))
			}
		}
	}

	s.logger.WarnContext(ctx, "invoice payment failed",
		logger.SubscriptionID(sub.ID),
		logger.InvoiceID(inv.ID),
		logger.RetryCount(sub.RetryCount),
		slog.String("failure_code", res.failureCode()),
	)

	pl := s.paymentPayload(sub, inv, res.payment.ID, res.failureCode(), res.failureMessage())
	if err := s.emit(ctx, sub.Livemode, events.PaymentFailed, pl); err != nil {
		return err
	}
	if err := s.emit(ctx, sub.Livemode, events.InvoicePaymentFailed, inv.payload(res.failureCode())); err != nil {
		return err
	}
	if prev == sub.Status && inv.Reason != ReasonSubscriptionCycle {
		return nil
	}
	return s.emitSubscription(ctx, events.SubscriptionUpdated, sub, func(pl *events.SubscriptionPayload) {
		pl.PreviousStatus = string(prev)
		pl.Reason = "payment_failed"
	})
}

func (s *Service) paymentPayload(sub *Subscription, inv *Invoice, paymentID, code, msg string) events.PaymentPayload {
	return events.PaymentPayload{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		InvoiceID:      inv.ID,
		PaymentID:      paymentID,
		Provider:       sub.Provider,
		Amount:         inv.Total,
		Currency:       inv.Currency,
		Attempt:        inv.AttemptCount,
		FailureCode:    code,
		FailureMessage: msg,
		NextRetryAt:    copyTime(sub.NextRetryAt),
	}
}

// FinalizeCancellation cancels a subscription whose scheduled cancellation
// is due at the instant at.
func (s *Service) FinalizeCancellation(ctx context.Context, id string, at time.Time) (*Subscription, error) {
	return s.mutate(ctx, id, 0, func(ctx context.Context, sub *Subscription) error {
		if !sub.CancelAtPeriodEnd {
			return ErrNotScheduledForCancel
		}
		if sub.CurrentPeriodEnd.After(at) {
			return ErrNotDue
		}
		return s.cancelNow(ctx, sub, at, sub.CancelReason)
	})
}

// ExpireGrace ends dunning for a past_due subscription whose grace period
// is over, moving it to the configured grace action status. The unpaid
// invoice is marked uncollectible.
func (s *Service) ExpireGrace(ctx context.Context, id string, at time.Time) (*Subscription, error) {
	action := s.policy.GraceAction
	return s.mutate(ctx, id, 0, func(ctx context.Context, sub *Subscription) error {
		data := graceData{action: action}
		if err := allowed(ctx, sub, EventGraceExpired, data); err != nil {
			return err
		}
		if sub.GraceEndsAt == nil || !sub.GraceEndsAt.Before(at) {
			return ErrGraceNotExpired
		}

		prev := sub.Status
		if err := transition(ctx, sub, EventGraceExpired, data); err != nil {
			return err
		}
		sub.NextRetryAt = nil
		sub.ClaimedUntil = nil

		if sub.LatestInvoiceID != "" {
			inv, err := s.store.GetInvoice(ctx, sub.LatestInvoiceID)
			if err != nil {
				return err
			}
			if inv.IsOpen() {
				read := inv.Version
				inv.Status = InvoiceUncollectible
				inv.UpdatedAt = at
				if err := s.store.UpdateInvoice(ctx, inv, read); err != nil {
					return err
				}
			}
		}

		s.logger.InfoContext(ctx, "grace period expired",
			logger.SubscriptionID(sub.ID),
			logger.Transition(string(prev), string(sub.Status)),
			logger.RetryCount(sub.RetryCount),
		)

		if sub.Status == StatusCanceled {
			sub.CanceledAt = timePtr(at)
			sub.CancelAt = timePtr(at)
			sub.CancelReason = "grace_expired"
			return s.emitSubscription(ctx, events.SubscriptionCanceled, sub, func(pl *events.SubscriptionPayload) {
				pl.PreviousStatus = string(prev)
				pl.Reason = "grace_expired"
			})
		}
		return s.emitSubscription(ctx, events.SubscriptionUpdated, sub, func(pl *events.SubscriptionPayload) {
			pl.PreviousStatus = string(prev)
			pl.Reason = "grace_expired"
		})
	})
}

// ExpireIncomplete gives up on a subscription whose first payment never
// succeeded.
func (s *Service) ExpireIncomplete(ctx context.Context, id string, at time.Time) (*Subscription, error) {
	return s.mutate(ctx, id, 0, func(ctx context.Context, sub *Subscription) error {
		if err := allowed(ctx, sub, EventExpire, nil); err != nil {
			return err
		}
		if sub.CreatedAt.Add(s.policy.IncompleteExpiry).After(at) {
			return ErrIncompleteNotExpired
		}
		if err := transition(ctx, sub, EventExpire, nil); err != nil {
			return err
		}
		if err := s.voidOpenInvoices(ctx, sub, at); err != nil {
			return err
		}
		return s.emitSubscription(ctx, events.SubscriptionUpdated, sub, func(pl *events.SubscriptionPayload) {
			pl.PreviousStatus = string(StatusIncomplete)
			pl.Reason = "incomplete_expired"
		})
	})
}

// NotifyTrialEnding emits subscription.trial_ending once per trial when the
// trial ends within the notice window. It does not modify the subscription
// and reports whether this call sent the notice.
func (s *Service) NotifyTrialEnding(ctx context.Context, id string, at time.Time) (bool, error) {
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if sub.Status != StatusTrialing || sub.TrialEnd == nil {
		return false, billingerr.InvalidTransition(string(sub.Status), notificationTrialEnding, nil)
	}
	if !sub.TrialEnd.After(at) || sub.TrialEnd.After(at.Add(s.policy.TrialNoticeWindow)) {
		return false, ErrNotDue
	}

	won, err := s.store.ClaimNotification(ctx, sub.ID, notificationTrialEnding, sub.TrialEnd.UTC().Format(time.RFC3339), at)
	if err != nil || !won {
		return false, err
	}
	if err := s.emitSubscription(ctx, events.SubscriptionTrialEnding, sub, nil); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish trial ending notice", logger.SubscriptionID(sub.ID), logger.Error(err))
	}
	return true, nil
}
