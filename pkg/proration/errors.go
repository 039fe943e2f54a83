package proration

import "errors"

var (
	ErrInvalidBehavior = errors.New("proration: unknown proration behavior")
	ErrInvalidPeriod   = errors.New("proration: period end must be after period start")
	ErrNegativePrice   = errors.New("proration: price must not be negative")
	ErrInvalidQuantity = errors.New("proration: quantity must be positive")
)
