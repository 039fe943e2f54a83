// Package events defines billing domain events and the bus that delivers them.
//
// A Bus is an explicit value owned by the billing instance rather than a
// global registry. Handlers subscribe per event type and receive a disposer:
//
//	unsubscribe, err := bus.Subscribe(events.SubscriptionCanceled, func(ctx context.Context, e events.Event) error {
//	    p := e.Payload.(events.SubscriptionPayload)
//	    return mailer.SendGoodbye(ctx, p.CustomerID)
//	}, events.Async())
//	defer unsubscribe()
//
// Sync handlers run on the publisher's goroutine and their errors are
// returned from Publish. Async handlers run on their own goroutine; Close
// waits for them.
//
// Producers that mutate storage raise events through Emit with an Outbox in
// the context. The outbox is flushed after commit and discarded on rollback,
// so subscribers never observe a transition that was not persisted.
package events
