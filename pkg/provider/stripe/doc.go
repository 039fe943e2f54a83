// Package stripe adapts the Stripe API (stripe-go) to provider.Provider.
//
// Renewal charges are off-session PaymentIntents confirmed against the
// customer's default payment method. Errors are wrapped with
// billingerr.ProviderSync; rate limits and 5xx responses are retryable,
// card errors are not. Webhooks are verified with the Stripe-Signature
// header and normalized into provider.Event values.
package stripe
