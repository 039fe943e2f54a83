package billing

import "errors"

var (
	ErrInvalidConfig = errors.New("billing: invalid config")
)
