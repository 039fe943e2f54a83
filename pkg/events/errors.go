package events

import "errors"

var (
	ErrBusClosed   = errors.New("events: bus is closed")
	ErrNilHandler  = errors.New("events: handler is nil")
	ErrHandlerFail = errors.New("events: handler failed")
)
