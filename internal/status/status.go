// Package status defines the service-facing error taxonomy. Handlers
// classify every error leaving a service method into one of these kinds;
// anything unclassified is reported as Internal.
package status

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class carried by an Error.
type Kind string

const (
	Unauthenticated Kind = "unauthenticated"
	InvalidArgument Kind = "invalid_argument"
	Cancelled       Kind = "cancelled"
	NotFound        Kind = "not_found"
	Exhausted       Kind = "exhausted"
	Internal        Kind = "internal"
	Unimplemented   Kind = "unimplemented"
)

// Error is a classified service error. Message is safe to return to
// clients; wrapped causes stay server-side.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a classified error. The cause is logged
// server-side, never rendered to the client.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf classifies err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Internal
}

// MessageOf returns the client-safe message for err. Unclassified errors
// get a generic message so driver detail never leaks.
func MessageOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Message
	}
	return "internal error"
}
