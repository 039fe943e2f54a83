// Package provider defines the payment provider adapter boundary.
//
// Concrete adapters live in subpackages (stripe, paddle, local) and are
// selected by configuration through a Registry. Every adapter returns
// normalized types and reports failures as billingerr provider_sync errors
// carrying a retryable or terminal classification.
package provider
