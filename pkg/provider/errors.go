package provider

import (
	"errors"
	"fmt"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
)

var (
	ErrInvalidSignature = errors.New("provider: webhook signature verification failed")
	ErrMalformedEvent   = errors.New("provider: malformed webhook payload")
	ErrUnknownProvider  = billingerr.NotFound("provider.unknown", "payment provider is not registered")
	ErrUnsupported      = errors.New("provider: operation not supported")
	ErrMissingAPIKey    = errors.New("provider: API key is required")
	ErrMissingSecret    = errors.New("provider: webhook secret is required")
)

// Unsupported reports an operation the provider cannot perform.
func Unsupported(provider, operation string) error {
	return billingerr.ProviderSync(provider, operation, false, fmt.Errorf("%w: %s", ErrUnsupported, operation))
}
