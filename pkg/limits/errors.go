package limits

import (
	"errors"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
)

var (
	ErrLimitNotFound = billingerr.NotFound("limits.not_found", "limit not found")
	ErrLimitExceeded = billingerr.Conflict("limits.exceeded", "limit exceeded")
	ErrLimitRevoked  = billingerr.Conflict("limits.revoked", "limit was revoked")
	ErrInvalidAmount = billingerr.Validation("limits.invalid_amount", "amount must be positive")

	// ErrStaleReset is internal to the Store contract: the reset boundary the
	// caller observed has moved. Tracker retries on it.
	ErrStaleReset = errors.New("limits: reset boundary changed concurrently")
)
