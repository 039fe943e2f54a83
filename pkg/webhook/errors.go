package webhook

import (
	"errors"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
)

var (
	ErrInvalidSignature = billingerr.Validation("webhook.invalid_signature", "webhook signature verification failed")
	ErrMalformedPayload = billingerr.Validation("webhook.malformed", "webhook payload cannot be decoded")
	ErrEmptyPayload     = billingerr.Validation("webhook.empty", "webhook payload is empty")
	ErrEventNotFound    = billingerr.NotFound("webhook.not_found", "webhook event not found")
	ErrEventLocked      = billingerr.Conflict("webhook.locked", "webhook event is being processed by another worker")
	ErrNotDeadLettered  = billingerr.Conflict("webhook.not_dead_letter", "only dead-lettered events can be replayed")

	ErrHandlerPanic     = errors.New("webhook: handler panicked")
	ErrWorkerStarted    = errors.New("webhook: worker already started")
	ErrWorkerNotStarted = errors.New("webhook: worker not started")
)

// IsRejected reports whether err means the notification was refused and
// nothing was stored.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrEmptyPayload)
}
