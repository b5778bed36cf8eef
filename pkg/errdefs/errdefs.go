package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the stable control-surface categories
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindNameConflict      Kind = "name_conflict"
	KindInvalidArgv       Kind = "invalid_argv"
	KindInvalidField      Kind = "invalid_field"
	KindInvalidExpression Kind = "invalid_expression"
	KindInvalidPolicy     Kind = "invalid_policy"
	KindUnknownPolicy     Kind = "unknown_policy"
	KindAlreadyActive     Kind = "already_active"
	KindAlreadyStopped    Kind = "already_stopped"
	KindTransientState    Kind = "transient_state"
	KindBusy              Kind = "busy"
	KindTimeout           Kind = "timeout"
	KindSpawnError        Kind = "spawn_error"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindSubscriberLagged  Kind = "subscriber_lagged"
	KindInternal          Kind = "internal"
)

// Error is a typed control-surface error with a stable code, a human
// message, and an optional hint for the caller.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a typed error
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error preserving the underlying cause
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithHint returns a copy of the error carrying a caller-facing hint
func (e *Error) WithHint(hint string) *Error {
	clone := *e
	clone.Hint = hint
	return &clone
}

// KindOf returns the Kind of err, or KindInternal if err is not typed.
// A nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Convenience constructors for the most common kinds.

func NotFound(what, id string) *Error {
	return New(KindNotFound, "%s not found: %s", what, id)
}

func NameConflict(name string) *Error {
	return New(KindNameConflict, "name already in use: %s", name)
}

func Timeout(op string) *Error {
	return New(KindTimeout, "%s timed out", op).WithHint("the command may still complete; retry is safe")
}

func Internal(cause error) *Error {
	return Wrap(KindInternal, cause, "internal error")
}
