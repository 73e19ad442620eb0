// Package scanerr defines the tagged error kinds used across the scan
// system runtime (§7 of the design spec) and the helpers to attach, detect,
// and wrap them. Callers use errors.Is/errors.As against the Kind sentinels
// rather than matching on error strings.
package scanerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories the runtime reports to callers.
type Kind string

// The error kinds enumerated in the design spec's error handling section.
const (
	Timeout             Kind = "timeout"
	InvalidState        Kind = "invalid_state"
	InvalidArgument     Kind = "invalid_argument"
	NotConnected        Kind = "not_connected"
	PartialStart        Kind = "partial_start"
	Stopped             Kind = "stopped"
	Cancelled           Kind = "cancelled"
	Overflow            Kind = "overflow"
	SchemaMismatch      Kind = "schema_mismatch"
	ProtocolError       Kind = "protocol_error"
	DiscoveryIncomplete Kind = "discovery_incomplete"
)

// Error is a tagged error carrying one of the Kind values plus a message and
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind, wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err (or anything it wraps) is a scanerr.Error of kind k.
func Is(err error, k Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == k
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) a scanerr.Error, and
// whether one was found.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}
