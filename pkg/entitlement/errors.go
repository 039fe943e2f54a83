package entitlement

import "github.com/dmitrymomot/billingkit/pkg/billingerr"

var (
	ErrGrantNotFound  = billingerr.NotFound("entitlement.grant_not_found", "entitlement grant not found")
	ErrInvalidPolicy  = billingerr.Validation("entitlement.invalid_policy", "unknown entitlement conflict policy")
	ErrInvalidNumeric = billingerr.Validation("entitlement.invalid_numeric", "numeric grant must use set or increment with a valid value")
	ErrAlreadyExpired = billingerr.Validation("entitlement.already_expired", "grant expires in the past")
)
