package period

import "errors"

var (
	ErrInvalidInterval = errors.New("period: invalid billing interval")
	ErrInvalidCount    = errors.New("period: interval count must be positive")
	ErrInvalidBounds   = errors.New("period: period end must be after period start")
)
