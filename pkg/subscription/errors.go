package subscription

import (
	"errors"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
)

var (
	ErrSubscriptionNotFound = billingerr.NotFound("subscription.not_found", "subscription not found")
	ErrInvoiceNotFound      = billingerr.NotFound("invoice.not_found", "invoice not found")
	ErrPlanNotFound         = billingerr.Validation("plan.unknown", "unknown plan")

	ErrNotDue                = billingerr.Conflict("subscription.not_due", "subscription is not due for renewal")
	ErrScheduledForCancel    = billingerr.Conflict("subscription.cancel_scheduled", "subscription is scheduled for cancellation")
	ErrNotScheduledForCancel = billingerr.Conflict("subscription.cancel_not_scheduled", "subscription is not scheduled for cancellation")
	ErrGraceNotExpired       = billingerr.Conflict("subscription.grace_active", "grace period has not expired")
	ErrIncompleteNotExpired  = billingerr.Conflict("subscription.incomplete_active", "incomplete subscription has not expired")
	ErrNotTerminal           = billingerr.Conflict("subscription.not_terminal", "only canceled or expired subscriptions can be deleted")
	ErrInvoiceNotOpen        = billingerr.Conflict("invoice.not_open", "invoice is not open")
	ErrPlanMismatch          = billingerr.Validation("plan.incompatible", "new plan must share currency and billing interval")
	ErrInvalidCatalog        = errors.New("subscription: invalid plan catalog")
	ErrNoProvider            = errors.New("subscription: no payment provider configured")
)
