// Package billingkit is a recurring billing engine for SaaS products.
//
// The engine lives in the pkg directory; this package only documents it.
//
//   - pkg/subscription: subscription lifecycle, renewals, invoices and
//     provider reconciliation.
//   - pkg/period and pkg/proration: billing cycle math and plan change credits.
//   - pkg/limits and pkg/entitlement: usage counters and feature grants.
//   - pkg/webhook: durable provider webhook ingestion with retries and a
//     dead letter queue.
//   - pkg/dunning: the scheduled sweep that renews, retries failed payments
//     and expires grace periods.
//   - pkg/events: the in-process bus every component publishes to.
//   - pkg/billing: wires all of the above into one instance.
//   - pkg/pgstore and pkg/redisstore: PostgreSQL and Redis persistence.
//
// cmd/billingd runs the engine as an HTTP service.
package billingkit
