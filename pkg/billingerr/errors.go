package billingerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers. It is stable and safe to expose.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindProviderSync Kind = "provider_sync"
	KindInternal     Kind = "internal"
)

// Error is the structured error returned by every billing operation.
// Code is a machine-readable key (e.g. "optimistic_lock", "unknown_plan").
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, and on code when the target carries one.
// This lets errors.Is(err, ErrConflict) hold for every conflict and
// errors.Is(err, ErrOptimisticLock) hold only for stale writes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Kind == "" {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrProviderSync = &Error{Kind: KindProviderSync}

	ErrOptimisticLock    = &Error{Kind: KindConflict, Code: CodeOptimisticLock}
	ErrInvalidTransition = &Error{Kind: KindConflict, Code: CodeInvalidTransition}
	ErrDuplicate         = &Error{Kind: KindConflict, Code: CodeDuplicate}
)

const (
	CodeOptimisticLock    = "optimistic_lock"
	CodeInvalidTransition = "invalid_transition"
	CodeDuplicate         = "duplicate"
)

// New builds an error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message)
}

func Conflict(code, message string) *Error {
	return New(KindConflict, code, message)
}

// OptimisticLock reports a write that carried a stale version.
func OptimisticLock(entity, id string) *Error {
	return New(KindConflict, CodeOptimisticLock, fmt.Sprintf("%s %s was modified concurrently", entity, id))
}

// InvalidTransition reports an operation that the current status does not allow.
func InvalidTransition(from, event string, cause error) *Error {
	return Wrap(KindConflict, CodeInvalidTransition,
		fmt.Sprintf("cannot %s from status %s", event, from), cause)
}

// ProviderSync wraps a failed payment provider call. Retryable tells the
// caller whether the same request may succeed later.
func ProviderSync(provider, operation string, retryable bool, err error) *Error {
	return &Error{
		Kind:      KindProviderSync,
		Code:      provider + "." + operation,
		Message:   fmt.Sprintf("%s %s failed", provider, operation),
		Retryable: retryable,
		Err:       err,
	}
}

// As extracts the first *Error in the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is a provider failure worth retrying.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == KindProviderSync && e.Retryable
}

// HTTPStatus maps err to a response status for an API layer.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindProviderSync:
		if IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
