// Package webhook ingests billing provider notifications.
//
// A Pipeline verifies each notification with the provider's signature
// scheme, stores it once per (provider, provider event id) and applies it
// through a HandlerFunc. A notification is acknowledged only after it is
// stored, so a provider redelivers anything the service failed to persist.
//
// # Processing
//
// Stored events move through four states:
//
//	pending -> processed
//	pending -> failed -> ... -> processed | dead_letter
//
// A handler error schedules a retry using the configured BackoffStrategy.
// Validation errors and payloads that no longer decode are dead-lettered
// immediately, as is any event that reaches the attempt limit. Operators
// list dead letters and replay them through AdminHandler or Replay.
//
// Redelivered notifications are acknowledged without running the handler
// again. Each attempt claims the event with a versioned write and a lock
// deadline, so concurrent workers never apply the same event twice and an
// attempt interrupted by a crash becomes due again once the lock expires.
//
// # Usage
//
//	handler := func(ctx context.Context, name string, ev provider.Event) error {
//	    _, err := subscriptions.ApplyProviderEvent(ctx, name, ev)
//	    return err
//	}
//	pipeline := webhook.NewPipeline(webhook.NewMemoryStore(), providers, handler,
//	    webhook.WithLogger(log),
//	    webhook.WithMetrics(collectors),
//	)
//
//	r := chi.NewRouter()
//	r.Mount("/webhooks", pipeline.Handle())
//	r.Mount("/admin/webhooks", pipeline.AdminHandler())
//
//	worker := webhook.NewWorker(pipeline, webhook.WithPollInterval(15*time.Second))
//	g.Go(worker.Run(ctx))
//
// With WithInlineProcessing(false) the HTTP path only stores events and the
// Worker applies them.
package webhook
