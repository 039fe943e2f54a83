// Package local implements an in-process payment provider.
//
// It keeps customers, subscriptions and payments in memory, signs webhook
// payloads with HMAC-SHA256 over "timestamp.payload" and lets callers queue
// charge failures. Use it for development servers and tests; it never talks
// to the network.
//
//	p := local.New(local.Config{WebhookSecret: "whsec_dev"})
//	p.FailCharges(2, "card_declined", false)
package local
