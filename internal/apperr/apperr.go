// Package apperr defines the error kinds the orchestrator surfaces to
// clients. Every user-visible failure is wrapped in an *Error carrying a
// kind and a short human-readable message; stack traces never leave the
// server.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for client reporting
type Kind string

const (
	InvalidArgument        Kind = "InvalidArgument"
	NotFound               Kind = "NotFound"
	Conflict               Kind = "Conflict"
	MultiplexerUnavailable Kind = "MultiplexerUnavailable"
	GatewayUnavailable     Kind = "GatewayUnavailable"
	GatewayStartFailed     Kind = "GatewayStartFailed"
	TunnelStartFailed      Kind = "TunnelStartFailed"
	NoFreePort             Kind = "NoFreePort"
	UpstreamUnreachable    Kind = "UpstreamUnreachable"
	Unauthorized           Kind = "Unauthorized"
	Internal               Kind = "Internal"
)

// Error is a classified error with a message safe to show to clients
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, keeping it available via Unwrap
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or Internal for unclassified errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Message returns the client-safe message for err. Unclassified errors get
// a generic message so internals are not leaked.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}
