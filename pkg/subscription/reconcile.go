package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/events"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/period"
	"github.com/dmitrymomot/billingkit/pkg/provider"
)

// ErrNoSubscriptionRef is returned for an event that names no subscription.
var ErrNoSubscriptionRef = billingerr.Validation("event.no_subscription", "provider event does not reference a subscription")

// ApplyProviderEvent reconciles local state with a verified provider
// notification. Fields the provider did not send are left as stored.
// Applying the same event twice changes nothing the second time: no write
// and no domain event. Lost optimistic lock races are retried.
func (s *Service) ApplyProviderEvent(ctx context.Context, providerName string, ev provider.Event) (*Subscription, error) {
	switch ev.Type {
	case provider.EventUnknown, "":
		return nil, nil
	case provider.EventPaymentSucceeded, provider.EventPaymentFailed:
		if invoiceID := ev.Metadata["invoice_id"]; invoiceID != "" {
			return s.applyInvoicePayment(ctx, invoiceID, ev)
		}
	}
	if ev.SubscriptionID == "" {
		return nil, ErrNoSubscriptionRef
	}

	var sub *Subscription
	err := s.retryOnLock(ctx, func() error {
		cur, err := s.store.GetByProviderID(ctx, providerName, ev.SubscriptionID)
		switch {
		case errors.Is(err, ErrSubscriptionNotFound) && importable(ev.Type):
			sub, err = s.importSubscription(ctx, providerName, ev)
			return err
		case err != nil:
			return err
		}
		sub, err = s.mutate(ctx, cur.ID, 0, func(ctx context.Context, sub *Subscription) error {
			return s.reconcile(ctx, sub, ev)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func importable(t provider.EventType) bool {
	return t == provider.EventSubscriptionCreated || t == provider.EventSubscriptionUpdated
}

func eventTime(ev provider.Event, fallback time.Time) time.Time {
	if ev.CreatedAt.IsZero() {
		return fallback
	}
	return ev.CreatedAt
}

// importSubscription creates the local record of a subscription that was
// started at the provider, for example through a hosted checkout.
func (s *Service) importSubscription(ctx context.Context, providerName string, ev provider.Event) (*Subscription, error) {
	plan, err := s.catalog.PlanByProviderPrice(ctx, providerName, ev.PriceID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	at := eventTime(ev, now)

	status := Status(ev.Status)
	if !status.Valid() {
		status = StatusActive
	}
	quantity := ev.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	customerID := ev.Metadata["customer_id"]
	if customerID == "" {
		customerID = ev.CustomerID
	}

	sub := &Subscription{
		ID:                      newID(),
		CustomerID:              customerID,
		PlanID:                  plan.ID,
		Quantity:                quantity,
		Status:                  status,
		Collection:              CollectionProvider,
		Provider:                providerName,
		ProviderCustomerID:      ev.CustomerID,
		ProviderSubscriptionIDs: map[string]string{providerName: ev.SubscriptionID},
		Livemode:                ev.Livemode,
		Version:                 1,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if ev.CurrentPeriodStart != nil && ev.CurrentPeriodEnd != nil && ev.CurrentPeriodEnd.After(*ev.CurrentPeriodStart) {
		sub.CurrentPeriodStart = *ev.CurrentPeriodStart
		sub.CurrentPeriodEnd = *ev.CurrentPeriodEnd
	} else {
		bounds, err := period.PeriodBounds(at, plan.Interval, plan.IntervalCount)
		if err != nil {
			return nil, err
		}
		sub.CurrentPeriodStart = bounds.Start
		sub.CurrentPeriodEnd = bounds.End
	}
	sub.BillingAnchor = sub.CurrentPeriodEnd
	if status == StatusTrialing {
		sub.TrialStart = timePtr(sub.CurrentPeriodStart)
		sub.TrialEnd = timePtr(sub.CurrentPeriodEnd)
	}
	if ev.CancelAtPeriodEnd != nil && *ev.CancelAtPeriodEnd {
		sub.CancelAtPeriodEnd = true
		sub.CancelAt = timePtr(sub.CurrentPeriodEnd)
	}
	if status == StatusCanceled {
		sub.CanceledAt = timePtr(at)
	}

	err = s.withTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, sub); err != nil {
			if errors.Is(err, billingerr.ErrDuplicate) {
				// Imported concurrently; retry as an update.
				return billingerr.OptimisticLock("subscription", ev.SubscriptionID)
			}
			return err
		}
		return s.emitSubscription(ctx, events.SubscriptionCreated, sub, func(pl *events.SubscriptionPayload) {
			pl.Reason = "provider_import"
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription imported from provider",
		logger.SubscriptionID(sub.ID),
		logger.Provider(providerName),
		logger.ProviderEventID(ev.ID),
		logger.Status(string(sub.Status)),
	)
	return sub, nil
}

// reconcile applies ev to sub, returning errUnchanged when it carries
// nothing new.
func (s *Service) reconcile(ctx context.Context, sub *Subscription, ev provider.Event) error {
	if sub.Status.IsTerminal() {
		s.logger.DebugContext(ctx, "ignoring provider event for a terminal subscription",
			logger.SubscriptionID(sub.ID), logger.ProviderEventID(ev.ID), logger.EventType(string(ev.Type)))
		return errUnchanged
	}

	at := eventTime(ev, s.clock())
	next := sub.Clone()
	prev := sub.Status
	changed := false

	if target := targetStatus(sub, ev); target != sub.Status {
		event, ok := eventTowards(ctx, sub.Status, target, graceData{action: target})
		if !ok {
			return billingerr.InvalidTransition(string(sub.Status), "sync to "+string(target), nil)
		}
		if err := transition(ctx, next, event, graceData{action: target}); err != nil {
			return err
		}
		s.enterStatus(next, at)
		changed = true
	}

	if ev.CurrentPeriodStart != nil && ev.CurrentPeriodEnd != nil && ev.CurrentPeriodEnd.After(*ev.CurrentPeriodStart) &&
		(!ev.CurrentPeriodStart.Equal(next.CurrentPeriodStart) || !ev.CurrentPeriodEnd.Equal(next.CurrentPeriodEnd)) {
		next.CurrentPeriodStart = *ev.CurrentPeriodStart
		next.CurrentPeriodEnd = *ev.CurrentPeriodEnd
		next.BillingAnchor = next.CurrentPeriodEnd
		if next.CancelAtPeriodEnd {
			next.CancelAt = timePtr(next.CurrentPeriodEnd)
		}
		changed = true
	}

	if ev.CancelAtPeriodEnd != nil && *ev.CancelAtPeriodEnd != next.CancelAtPeriodEnd && !next.Status.IsTerminal() {
		next.CancelAtPeriodEnd = *ev.CancelAtPeriodEnd
		next.CancelAt = nil
		if next.CancelAtPeriodEnd {
			next.CancelAt = timePtr(next.CurrentPeriodEnd)
		}
		changed = true
	}

	if ev.PriceID != "" {
		plan, err := s.catalog.PlanByProviderPrice(ctx, sub.Provider, ev.PriceID)
		switch {
		case err == nil && plan.ID != next.PlanID:
			next.PlanID = plan.ID
			changed = true
		case err != nil:
			s.logger.WarnContext(ctx, "provider price is not mapped to a plan",
				logger.SubscriptionID(sub.ID), logger.Provider(sub.Provider), logger.Error(err))
		}
	}
	if ev.Quantity > 0 && ev.Quantity != next.Quantity {
		next.Quantity = ev.Quantity
		changed = true
	}

	if !changed {
		return errUnchanged
	}

	previousPlan := sub.PlanID
	*sub = *next
	s.logger.InfoContext(ctx, "subscription reconciled from provider event",
		logger.SubscriptionID(sub.ID),
		logger.ProviderEventID(ev.ID),
		logger.EventType(string(ev.Type)),
		logger.Transition(string(prev), string(sub.Status)),
	)

	if prev == StatusTrialing && sub.Status == StatusActive {
		if err := s.emitSubscription(ctx, events.SubscriptionTrialEnded, sub, func(pl *events.SubscriptionPayload) {
			pl.PreviousStatus = string(prev)
		}); err != nil {
			return err
		}
	}
	return s.emitSubscription(ctx, statusEventType(prev, sub.Status), sub, func(pl *events.SubscriptionPayload) {
		pl.PreviousStatus = string(prev)
		if previousPlan != sub.PlanID {
			pl.PreviousPlanID = previousPlan
		}
		pl.Reason = string(ev.Type)
	})
}

// targetStatus is the status ev asks for. Payment events only move a
// subscription into or out of dunning.
func targetStatus(sub *Subscription, ev provider.Event) Status {
	switch ev.Type {
	case provider.EventSubscriptionCanceled:
		return StatusCanceled
	case provider.EventSubscriptionPaused:
		return StatusPaused
	case provider.EventSubscriptionResumed:
		return StatusActive
	case provider.EventPaymentSucceeded:
		switch sub.Status {
		case StatusPastDue, StatusUnpaid, StatusIncomplete:
			return StatusActive
		}
		return sub.Status
	case provider.EventPaymentFailed:
		switch sub.Status {
		case StatusActive, StatusTrialing:
			return StatusPastDue
		}
		return sub.Status
	}
	if st := Status(ev.Status); st.Valid() {
		return st
	}
	return sub.Status
}

// enterStatus updates the bookkeeping fields for the status sub just took.
func (s *Service) enterStatus(sub *Subscription, at time.Time) {
	switch sub.Status {
	case StatusActive:
		sub.clearDunning()
		sub.PausedAt = nil
	case StatusPastDue:
		// The provider runs its own retries.
		sub.RetryCount++
		sub.NextRetryAt = nil
		if sub.GraceEndsAt == nil {
			sub.GraceEndsAt = timePtr(at.Add(s.policy.GracePeriod))
		}
	case StatusUnpaid:
		sub.NextRetryAt = nil
	case StatusPaused:
		sub.PausedAt = timePtr(at)
	case StatusCanceled, StatusIncompleteExpired:
		sub.CanceledAt = timePtr(at)
		sub.CancelAt = timePtr(at)
		sub.clearDunning()
	}
}

func statusEventType(from, to Status) events.Type {
	switch {
	case from == to:
		return events.SubscriptionUpdated
	case to == StatusCanceled:
		return events.SubscriptionCanceled
	case to == StatusPaused:
		return events.SubscriptionPaused
	case from == StatusPaused && to == StatusActive:
		return events.SubscriptionResumed
	}
	return events.SubscriptionUpdated
}

// applyInvoicePayment settles an invoice this engine issued when the
// provider confirms its payment asynchronously. Failures were already
// recorded by the charging call.
func (s *Service) applyInvoicePayment(ctx context.Context, invoiceID string, ev provider.Event) (*Subscription, error) {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if errors.Is(err, ErrInvoiceNotFound) {
		s.logger.WarnContext(ctx, "payment event references an unknown invoice",
			logger.InvoiceID(invoiceID), logger.ProviderEventID(ev.ID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ev.Type != provider.EventPaymentSucceeded || !inv.IsOpen() {
		return s.store.Get(ctx, inv.SubscriptionID)
	}

	at := eventTime(ev, s.clock())
	pay := provider.Payment{
		ID:       ev.Metadata["payment_id"],
		Status:   provider.PaymentSucceeded,
		Amount:   ev.Amount,
		Currency: ev.Currency,
	}
	var sub *Subscription
	err = s.retryOnLock(ctx, func() error {
		var err error
		sub, err = s.mutate(ctx, inv.SubscriptionID, 0, func(ctx context.Context, sub *Subscription) error {
			fresh, err := s.store.GetInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			if !fresh.IsOpen() {
				return errUnchanged
			}
			sub.ClaimedUntil = nil
			return s.settle(ctx, sub, fresh, pay, at)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
