package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/events"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/period"
	"github.com/dmitrymomot/billingkit/pkg/proration"
	"github.com/dmitrymomot/billingkit/pkg/provider"
	"github.com/dmitrymomot/billingkit/pkg/validator"
)

// PaymentBehavior controls the first payment of a new paid subscription.
type PaymentBehavior string

const (
	// ChargeImmediately charges the first invoice during Create.
	ChargeImmediately PaymentBehavior = "charge_immediately"
	// DefaultIncomplete leaves the subscription incomplete until the first
	// invoice is paid, typically through a provider webhook.
	DefaultIncomplete PaymentBehavior = "default_incomplete"
)

// CreateParams describes a new subscription. Quantity defaults to 1,
// TrialDays overrides the plan trial when set and Provider defaults to the
// primary registered provider.
type CreateParams struct {
	CustomerID  string `validate:"required"`
	PlanID      string `validate:"required"`
	Quantity    int64  `validate:"min=0"`
	TrialDays   *int   `validate:"omitempty,min=0"`
	PromoCodeID string

	Provider           string
	ProviderCustomerID string

	// ProviderSubscriptionID binds an existing provider subscription. The
	// provider then collects payments and webhooks drive the state.
	ProviderSubscriptionID string
	PaymentBehavior        PaymentBehavior   `validate:"omitempty,oneof=charge_immediately default_incomplete"`
	Metadata               map[string]string
}

// Create starts a subscription. With a trial it is trialing until the trial
// ends; otherwise the first period is invoiced and, if paid, it is active.
// A failed first payment leaves it incomplete with an open invoice.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Subscription, error) {
	if err := validator.Struct(p); err != nil {
		return nil, err
	}
	plan, err := s.catalog.Plan(ctx, p.PlanID)
	if err != nil {
		return nil, err
	}

	quantity := p.Quantity
	if quantity == 0 {
		quantity = 1
	}
	trialDays := plan.TrialDays
	if p.TrialDays != nil {
		trialDays = *p.TrialDays
	}

	now := s.clock()
	sub := &Subscription{
		ID:                      newID(),
		CustomerID:              p.CustomerID,
		PlanID:                  plan.ID,
		Quantity:                quantity,
		Collection:              CollectionAutomatic,
		PromoCodeID:             p.PromoCodeID,
		ProviderCustomerID:      p.ProviderCustomerID,
		ProviderSubscriptionIDs: map[string]string{},
		Metadata:                maps.Clone(p.Metadata),
		Version:                 1,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	amount := plan.Price * quantity
	prov, err := s.resolveProvider(p.Provider)
	switch {
	case err == nil:
		sub.Provider = prov.Name()
		sub.Livemode = prov.Livemode()
	case p.Provider != "", p.ProviderSubscriptionID != "", amount > 0 && trialDays == 0:
		return nil, err
	}
	if p.ProviderSubscriptionID != "" {
		sub.Collection = CollectionProvider
		sub.ProviderSubscriptionIDs[sub.Provider] = p.ProviderSubscriptionID
	}

	var inv *Invoice
	if trialDays > 0 {
		trialEnd := period.TrialEnd(now, trialDays)
		sub.Status = StatusTrialing
		sub.TrialStart = timePtr(now)
		sub.TrialEnd = timePtr(trialEnd)
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = trialEnd
		sub.BillingAnchor = trialEnd
	} else {
		bounds, err := period.PeriodBounds(now, plan.Interval, plan.IntervalCount)
		if err != nil {
			return nil, err
		}
		sub.BillingAnchor = now
		sub.CurrentPeriodStart = bounds.Start
		sub.CurrentPeriodEnd = bounds.End
		sub.Status = StatusActive
		if sub.Collection == CollectionAutomatic && amount > 0 {
			sub.Status = StatusIncomplete
			inv = s.newInvoice(sub, ReasonSubscriptionCreate, bounds)
			inv.Currency = plan.Currency
			inv.Lines = []InvoiceLine{planLine(plan, quantity, bounds)}
			inv.Total = sumLines(inv.Lines)
			sub.LatestInvoiceID = inv.ID
		}
	}

	err = s.withTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, sub); err != nil {
			return err
		}
		if inv != nil {
			if err := s.store.CreateInvoice(ctx, inv); err != nil {
				return err
			}
			if err := s.emit(ctx, sub.Livemode, events.InvoiceCreated, inv.payload(string(inv.Reason))); err != nil {
				return err
			}
		}
		return s.emitSubscription(ctx, events.SubscriptionCreated, sub, nil)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription created",
		logger.SubscriptionID(sub.ID),
		logger.CustomerID(sub.CustomerID),
		logger.PlanID(sub.PlanID),
		logger.Status(string(sub.Status)),
	)

	if inv == nil || p.PaymentBehavior == DefaultIncomplete {
		return sub, nil
	}
	return s.collect(ctx, sub, inv)
}

func (s *Service) resolveProvider(name string) (provider.Provider, error) {
	if name != "" {
		return s.providers.Get(name)
	}
	p, err := s.providers.Primary()
	if err != nil {
		return nil, errors.Join(ErrNoProvider, err)
	}
	return p, nil
}

func (s *Service) newInvoice(sub *Subscription, reason InvoiceReason, bounds period.Bounds) *Invoice {
	now := s.clock()
	return &Invoice{
		ID:             newID(),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Status:         InvoiceOpen,
		Reason:         reason,
		PeriodStart:    bounds.Start,
		PeriodEnd:      bounds.End,
		Provider:       sub.Provider,
		Livemode:       sub.Livemode,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func planLine(plan Plan, quantity int64, bounds period.Bounds) InvoiceLine {
	return InvoiceLine{
		Description: fmt.Sprintf("%s (x%d)", plan.Name, quantity),
		PlanID:      plan.ID,
		Quantity:    quantity,
		Amount:      plan.Price * quantity,
		PeriodStart: bounds.Start,
		PeriodEnd:   bounds.End,
	}
}

// UpdateParams changes the plan or quantity of a subscription. Version is
// the version the caller read; a stale value is rejected.
type UpdateParams struct {
	ID                string             `validate:"required"`
	Version           int64              `validate:"min=1"`
	PlanID            string
	Quantity          int64              `validate:"min=0"`
	ProrationBehavior proration.Behavior `validate:"omitempty,oneof=create_prorations none always_invoice"`
}

// Update changes plan or quantity mid-period. Prorations are stored as
// pending items for the next renewal, invoiced right away, or skipped,
// depending on ProrationBehavior (create_prorations by default).
func (s *Service) Update(ctx context.Context, p UpdateParams) (*Subscription, error) {
	if err := validator.Struct(p); err != nil {
		return nil, err
	}
	if p.ProrationBehavior == "" {
		p.ProrationBehavior = proration.CreateProrations
	}

	cur, err := s.store.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if cur.Version != p.Version {
		return nil, billingerr.OptimisticLock("subscription", p.ID)
	}
	if err := allowed(ctx, cur, EventChange, nil); err != nil {
		return nil, err
	}

	oldPlan, err := s.catalog.Plan(ctx, cur.PlanID)
	if err != nil {
		return nil, err
	}
	newPlan := oldPlan
	if p.PlanID != "" && p.PlanID != cur.PlanID {
		if newPlan, err = s.catalog.Plan(ctx, p.PlanID); err != nil {
			return nil, err
		}
		if !oldPlan.Compatible(newPlan) {
			return nil, ErrPlanMismatch
		}
	}
	quantity := cur.Quantity
	if p.Quantity > 0 {
		quantity = p.Quantity
	}
	if newPlan.ID == cur.PlanID && quantity == cur.Quantity {
		return cur, nil
	}

	mirrorPlan := func(plan Plan, quantity int64, key string) error {
		return s.mirror(ctx, cur, "subscriptions.update", func(ps provider.Subscriptions, ext string) error {
			_, err := ps.Update(ctx, ext, provider.SubscriptionUpdateParams{
				PriceID:           plan.PriceFor(cur.Provider),
				Quantity:          quantity,
				ProrationBehavior: string(p.ProrationBehavior),
				IdempotencyKey:    key,
			})
			return err
		})
	}
	updateKey := fmt.Sprintf("%s:update:%d", cur.ID, cur.Version)
	if err := mirrorPlan(newPlan, quantity, updateKey); err != nil {
		return nil, err
	}

	now := s.clock()
	behavior := p.ProrationBehavior
	if cur.Status == StatusTrialing || cur.Collection == CollectionProvider {
		behavior = proration.None
	}
	res, err := proration.Calculate(proration.Params{
		OldPlanID:   oldPlan.ID,
		NewPlanID:   newPlan.ID,
		OldPrice:    oldPlan.Price,
		NewPrice:    newPlan.Price,
		OldQuantity: cur.Quantity,
		NewQuantity: quantity,
		Currency:    newPlan.Currency,
		PeriodStart: cur.CurrentPeriodStart,
		PeriodEnd:   cur.CurrentPeriodEnd,
		ChangeAt:    now,
		Behavior:    behavior,
	})
	if err != nil {
		return nil, billingerr.Wrap(billingerr.KindValidation, "proration.invalid", "cannot prorate change", err)
	}

	var inv *Invoice
	sub, err := s.mutate(ctx, p.ID, p.Version, func(ctx context.Context, sub *Subscription) error {
		if err := transition(ctx, sub, EventChange, nil); err != nil {
			return err
		}
		previousPlan := sub.PlanID
		sub.PlanID = newPlan.ID
		sub.Quantity = quantity

		lines := prorationLines(res)
		switch {
		case res.InvoiceNow:
			inv = s.newInvoice(sub, ReasonSubscriptionUpdate, period.Bounds{Start: now, End: sub.CurrentPeriodEnd})
			inv.Currency = newPlan.Currency
			inv.Lines = lines
			inv.Total = sumLines(lines)
			if inv.Total <= 0 {
				inv.Status = InvoicePaid
				inv.PaidAt = timePtr(now)
			}
			if err := s.store.CreateInvoice(ctx, inv); err != nil {
				return err
			}
			if err := s.emit(ctx, sub.Livemode, events.InvoiceCreated, inv.payload(string(inv.Reason))); err != nil {
				return err
			}
		case len(lines) > 0:
			for _, line := range lines {
				item := InvoiceItem{ID: newID(), SubscriptionID: sub.ID, Line: line, CreatedAt: now}
				if err := s.store.AddInvoiceItem(ctx, item); err != nil {
					return err
				}
			}
		}

		return s.emitSubscription(ctx, events.SubscriptionUpdated, sub, func(pl *events.SubscriptionPayload) {
			pl.PreviousPlanID = previousPlan
			pl.Reason = "plan_changed"
		})
	})
	if err != nil {
		// The provider already has the change the local write lost.
		if rerr := mirrorPlan(oldPlan, cur.Quantity, updateKey+":revert"); rerr != nil {
			s.logger.ErrorContext(ctx, "failed to revert provider subscription update",
				logger.SubscriptionID(cur.ID), logger.Provider(cur.Provider), logger.Error(rerr))
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription updated",
		logger.SubscriptionID(sub.ID),
		logger.PlanID(sub.PlanID),
		slog.Int64("quantity", sub.Quantity),
		slog.String("proration", string(behavior)),
		slog.Int64("net", res.NetMinor()),
	)

	if inv != nil && inv.IsOpen() {
		return s.collect(ctx, sub, inv)
	}
	return sub, nil
}

func prorationLines(res proration.Result) []InvoiceLine {
	lines := make([]InvoiceLine, 0, len(res.Lines))
	for _, l := range res.Lines {
		lines = append(lines, InvoiceLine{
			Description: l.Description,
			PlanID:      l.PlanID,
			Quantity:    l.Quantity,
			Amount:      l.AmountMinor(),
			Proration:   true,
			PeriodStart: l.PeriodStart,
			PeriodEnd:   l.PeriodEnd,
		})
	}
	return lines
}

// CancelParams configures Cancel.
type CancelParams struct {
	// AtPeriodEnd keeps the subscription until the current period ends.
	AtPeriodEnd bool
	Reason      string
}

// Cancel ends a subscription now or schedules it for the period end.
// An immediate cancel voids open invoices.
func (s *Service) Cancel(ctx context.Context, id string, p CancelParams) (*Subscription, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.AtPeriodEnd {
		if err := allowed(ctx, cur, EventScheduleEnd, nil); err != nil {
			return nil, err
		}
		if cur.CancelAtPeriodEnd {
			return cur, nil
		}
	} else if err := allowed(ctx, cur, EventCancel, nil); err != nil {
		return nil, err
	}

	err = s.mirror(ctx, cur, "subscriptions.cancel", func(ps provider.Subscriptions, ext string) error {
		_, err := ps.Cancel(ctx, ext, p.AtPeriodEnd)
		return err
	})
	if err != nil {
		return nil, err
	}

	var sub *Subscription
	err = s.retryOnLock(ctx, func() error {
		var err error
		sub, err = s.mutate(ctx, id, 0, func(ctx context.Context, sub *Subscription) error {
			if p.AtPeriodEnd {
				return s.scheduleCancel(ctx, sub, p.Reason)
			}
			return s.cancelNow(ctx, sub, s.clock(), p.Reason)
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription canceled",
		logger.SubscriptionID(sub.ID),
		logger.Status(string(sub.Status)),
		slog.Bool("at_period_end", p.AtPeriodEnd),
	)
	return sub, nil
}

func (s *Service) scheduleCancel(ctx context.Context, sub *Subscription, reason string) error {
	if err := transition(ctx, sub, EventScheduleEnd, nil); err != nil {
		return err
	}
	sub.CancelAtPeriodEnd = true
	sub.CancelAt = timePtr(sub.CurrentPeriodEnd)
	sub.CancelReason = reason
	return s.emitSubscription(ctx, events.SubscriptionUpdated, sub, func(pl *events.SubscriptionPayload) {
		pl.Reason = "cancel_scheduled"
	})
}

// cancelNow moves sub to canceled and voids its open invoices.
func (s *Service) cancelNow(ctx context.Context, sub *Subscription, at time.Time, reason string) error {
	prev := sub.Status
	if err := transition(ctx, sub, EventCancel, nil); err != nil {
		return err
	}
	sub.CanceledAt = timePtr(at)
	sub.CancelAt = timePtr(at)
	if reason != "" {
		sub.CancelReason = reason
	}
	sub.PausedAt = nil
	sub.ClaimedUntil = nil
	sub.clearDunning()

	if err := s.voidOpenInvoices(ctx, sub, at); err != nil {
		return err
	}
	return s.emitSubscription(ctx, events.SubscriptionCanceled, sub, func(pl *events.SubscriptionPayload) {
		pl.PreviousStatus = string(prev)
		pl.Reason = sub.CancelReason
	})
}

func (s *Service) voidOpenInvoices(ctx context.Context, sub *Subscription, at time.Time) error {
	open, err := s.store.ListInvoices(ctx, sub.ID, InvoiceOpen)
	if err != nil {
		return err
	}
	for _, inv := range open {
		if err := s.voidInvoice(ctx, sub.Livemode, inv, at); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) voidInvoice(ctx context.Context, livemode bool, inv *Invoice, at time.Time) error {
	read := inv.Version
	inv.Status = InvoiceVoid
	inv.VoidedAt = timePtr(at)
	inv.UpdatedAt = at
	if err := s.store.UpdateInvoice(ctx, inv, read); err != nil {
		return err
	}
	return s.emit(ctx, livemode, events.InvoiceVoided, inv.payload("voided"))
}

// Reactivate clears a scheduled cancellation. Subscriptions billed by a
// provider must be reactivated there.
func (s *Service) Reactivate(ctx context.Context, id string) (*Subscription, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.CancelAtPeriodEnd {
		return nil, ErrNotScheduledForCancel
	}
	if cur.ProviderSubscriptionID() != "" {
		return nil, provider.Unsupported(cur.Provider, "subscriptions.reactivate")
	}

	var sub *Subscription
	err = s.retryOnLock(ctx, func() error {
		var err error
		sub, err = s.mutate(ctx, id, 0, func(ctx context.Context, sub *Subscription) error {
			if !sub.CancelAtPeriodEnd {
				return ErrNotScheduledForCancel
			}
			if err := transition(ctx, sub, EventUnscheduleEnd, nil); err != nil {
				return err
			}
			sub.CancelAtPeriodEnd = false
			sub.CancelAt = nil
			sub.CancelReason = ""
			return s.emitSubscription(ctx, events.SubscriptionUpdated, sub, func(pl *events.SubscriptionPayload) {
				pl.Reason = "cancel_cleared"
			})
		})
		return err
	})
	return sub, err
}

// Pause stops billing. The period clock stops until Resume.
func (s *Service) Pause(ctx context.Context, id string) (*Subscription, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := allowed(ctx, cur, EventPause, nil); err != nil {
		return nil, err
	}
	err = s.mirror(ctx, cur, "subscriptions.pause", func(ps provider.Subscriptions, ext string) error {
		_, err := ps.Pause(ctx, ext)
		return err
	})
	if err != nil {
		return nil, err
	}

	var sub *Subscription
	err = s.retryOnLock(ctx, func() error {
		var err error
		sub, err = s.mutate(ctx, id, 0, func(ctx context.Context, sub *Subscription) error {
			if err := transition(ctx, sub, EventPause, nil); err != nil {
				return err
			}
			sub.PausedAt = timePtr(s.clock())
			return s.emitSubscription(ctx, events.SubscriptionPaused, sub, func(pl *events.SubscriptionPayload) {
				pl.PreviousStatus = string(StatusActive)
			})
		})
		return err
	})
	return sub, err
}

// Resume reactivates a paused subscription. The time left in the period
// when it was paused is granted again from now, and future periods are
// anchored on the new period end.
func (s *Service) Resume(ctx context.Context, id string) (*Subscription, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := allowed(ctx, cur, EventResume, nil); err != nil {
		return nil, err
	}
	err = s.mirror(ctx, cur, "subscriptions.resume", func(ps provider.Subscriptions, ext string) error {
		_, err := ps.Resume(ctx, ext)
		return err
	})
	if err != nil {
		return nil, err
	}

	var sub *Subscription
	err = s.retryOnLock(ctx, func() error {
		var err error
		sub, err = s.mutate(ctx, id, 0, func(ctx context.Context, sub *Subscription) error {
			if err := transition(ctx, sub, EventResume, nil); err != nil {
				return err
			}
			resumePeriod(sub, s.clock())
			return s.emitSubscription(ctx, events.SubscriptionResumed, sub, func(pl *events.SubscriptionPayload) {
				pl.PreviousStatus = string(StatusPaused)
			})
		})
		return err
	})
	return sub, err
}

func resumePeriod(sub *Subscription, now time.Time) {
	pausedAt := now
	if sub.PausedAt != nil {
		pausedAt = *sub.PausedAt
	}
	remaining := sub.CurrentPeriodEnd.Sub(pausedAt)
	if remaining < 0 {
		remaining = 0
	}
	if now.After(sub.CurrentPeriodStart) && remaining > 0 {
		sub.CurrentPeriodEnd = now.Add(remaining)
		sub.BillingAnchor = sub.CurrentPeriodEnd
	} else if remaining == 0 {
		// Paused when the period was already over: bill on the next sweep.
		sub.CurrentPeriodEnd = now
		sub.BillingAnchor = now
	}
	if !sub.CurrentPeriodEnd.After(sub.CurrentPeriodStart) {
		sub.CurrentPeriodEnd = sub.CurrentPeriodStart.Add(time.Second)
	}
	if sub.CancelAtPeriodEnd {
		sub.CancelAt = timePtr(sub.CurrentPeriodEnd)
	}
	sub.PausedAt = nil
}

// Delete soft deletes a canceled or expired subscription.
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, 0, func(_ context.Context, sub *Subscription) error {
		if !sub.Status.IsTerminal() {
			return ErrNotTerminal
		}
		sub.DeletedAt = timePtr(s.clock())
		return nil
	})
	return err
}

// VoidInvoice voids an open invoice.
func (s *Service) VoidInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	var out *Invoice
	err := s.withTx(ctx, func(ctx context.Context) error {
		inv, err := s.store.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.IsOpen() {
			return ErrInvoiceNotOpen
		}
		if err := s.voidInvoice(ctx, inv.Livemode, inv, s.clock()); err != nil {
			return err
		}
		out = inv
		return nil
	})
	return out, err
}
