// Package subscription owns the lifecycle of recurring subscriptions:
// creation, plan changes with proration, cancellation, pause and resume,
// renewal with dunning, and reconciliation with provider webhooks.
//
// # Architecture
//
// All status changes go through the Transitions table. An operation that
// the current status does not allow fails with a billingerr conflict and
// leaves the stored record untouched.
//
//   - Service: every write path, API-triggered or sweep-triggered
//   - Store: persistence with versioned conditional updates
//   - Catalog: plan definitions and provider price mapping
//   - DunningPolicy: retry schedule, grace period and grace action
//
// Each write runs in a Store transaction with an events outbox attached to
// the context. Domain events are published only after the transaction
// commits.
//
// # Concurrency
//
// Subscriptions carry a Version that increases on every write. Writes are
// conditional on the version read, so a stale writer gets
// billingerr.ErrOptimisticLock instead of overwriting. Renew claims a
// subscription with such a write before charging, which makes concurrent
// sweeps on several instances charge each period once.
//
// # Usage
//
//	catalog, _ := subscription.NewMemoryCatalog(subscription.Plan{
//		ID:            "pro",
//		Name:          "Pro",
//		Price:         2900,
//		Currency:      "usd",
//		Interval:      period.Month,
//		IntervalCount: 1,
//	})
//	svc := subscription.NewService(subscription.NewMemoryStore(), catalog, registry,
//		subscription.WithPublisher(bus),
//	)
//
//	sub, err := svc.Create(ctx, subscription.CreateParams{
//		CustomerID: "cus_123",
//		PlanID:     "pro",
//		TrialDays:  lo.ToPtr(14),
//	})
//
// The dunning package drives the sweep operations (Renew, ExpireGrace,
// FinalizeCancellation, ExpireIncomplete, NotifyTrialEnding) from the
// Find* queries.
package subscription
