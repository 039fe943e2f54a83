package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dmitrymomot/billingkit/pkg/entitlement"
	"github.com/dmitrymomot/billingkit/pkg/events"
	"github.com/dmitrymomot/billingkit/pkg/limits"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

var provisioningEvents = []events.Type{
	events.SubscriptionCreated,
	events.SubscriptionUpdated,
	events.SubscriptionCanceled,
	events.SubscriptionPaused,
	events.SubscriptionResumed,
	events.SubscriptionTrialEnded,
}

func (b *Billing) subscribeProvisioning() error {
	for _, t := range provisioningEvents {
		dispose, err := b.Bus.Subscribe(t, b.provisionLimits)
		if err != nil {
			return err
		}
		b.disposers = append(b.disposers, dispose)
	}
	return nil
}

// provisionLimits keeps the limits granted by a subscription in line with
// its plan. Limits are granted when the subscription is created, changes
// plan or becomes live again, and revoked once it stops being live.
// Renewals leave them alone so counters reset on their own schedule.
func (b *Billing) provisionLimits(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.SubscriptionPayload)
	if !ok {
		return nil
	}
	log := b.logger.With(logger.SubscriptionID(p.SubscriptionID), logger.CustomerID(p.CustomerID), logger.EventType(string(e.Type)))

	if !subscription.Status(p.Status).IsLive() {
		if err := b.Limits.RevokeSource(ctx, p.CustomerID, limits.SourceSubscription, p.SubscriptionID); err != nil {
			log.ErrorContext(ctx, "failed to revoke plan limits", logger.Error(err))
			return err
		}
		return nil
	}

	planChanged := p.PreviousPlanID != "" && p.PreviousPlanID != p.PlanID
	revived := p.PreviousStatus != "" && !subscription.Status(p.PreviousStatus).IsLive()
	if e.Type != events.SubscriptionCreated && !planChanged && !revived {
		return nil
	}

	plan, err := b.catalog.Plan(ctx, p.PlanID)
	if err != nil {
		log.ErrorContext(ctx, "failed to load plan for limits", logger.Error(err))
		return err
	}

	var errs []error
	for key, maxValue := range plan.Limits {
		_, err := b.Limits.Set(ctx, limits.SetParams{
			CustomerID:    p.CustomerID,
			Key:           key,
			MaxValue:      maxValue,
			Source:        limits.SourceSubscription,
			SourceID:      p.SubscriptionID,
			ResetAt:       &p.CurrentPeriodEnd,
			ResetInterval: plan.Interval,
			ResetCount:    plan.IntervalCount,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	if planChanged {
		if prev, err := b.catalog.Plan(ctx, p.PreviousPlanID); err == nil {
			cmp := subscription.ComparePlans(&prev, &plan)
			if cmp.HasDecreases() {
				log.InfoContext(ctx, "plan downgrade reduces limits",
					logger.PlanID(plan.ID),
					slog.String("previous_plan_id", prev.ID),
					slog.Int("decreased", len(cmp.DecreasedLimits)),
					slog.Int("removed", len(cmp.RemovedLimits)),
				)
			}
			for key := range cmp.RemovedLimits {
				if err := b.Limits.Revoke(ctx, p.CustomerID, key); err != nil && !errors.Is(err, limits.ErrLimitNotFound) {
					errs = append(errs, err)
				}
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		log.ErrorContext(ctx, "failed to provision plan limits", logger.Error(err))
		return err
	}
	log.DebugContext(ctx, "plan limits provisioned", logger.PlanID(plan.ID), slog.Int("limits", len(plan.Limits)))
	return nil
}

// planGrants derives entitlements from the customer's live subscriptions.
// Plan limits become set grants so add-on increments stack on top of them.
func (b *Billing) planGrants(ctx context.Context, customerID string) ([]entitlement.Grant, error) {
	subs, err := b.Subscriptions.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	var grants []entitlement.Grant
	for _, sub := range subs {
		if !sub.Status.IsLive() {
			continue
		}
		plan, err := b.catalog.Plan(ctx, sub.PlanID)
		if err != nil {
			b.logger.WarnContext(ctx, "skipping plan grants for unknown plan",
				logger.SubscriptionID(sub.ID), logger.PlanID(sub.PlanID), logger.Error(err))
			continue
		}
		for _, key := range plan.Entitlements {
			grants = append(grants, planGrant(sub, key, nil))
		}
		for key, value := range plan.Limits {
			grants = append(grants, planGrant(sub, key, &entitlement.Numeric{Mode: entitlement.ModeSet, Value: value}))
		}
	}
	return grants, nil
}

func planGrant(sub *subscription.Subscription, key string, n *entitlement.Numeric) entitlement.Grant {
	return entitlement.Grant{
		ID:         "plan:" + sub.ID + ":" + key,
		CustomerID: sub.CustomerID,
		Key:        key,
		Source:     entitlement.SourcePlan,
		SourceID:   sub.ID,
		GrantedAt:  sub.CreatedAt,
		Limit:      n,
	}
}
