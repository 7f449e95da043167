// Package sberr defines the shared error taxonomy used across the sandbox
// engine and the propagation rules that map an internal failure onto the
// protocol-level error delivered to a guest or a transport adapter.
package sberr

import (
	"errors"
	"fmt"
)

// Code classifies a failure. See the component design notes in each package
// for which codes it may produce.
type Code string

const (
	// CodeUserCode means the guest raised an exception or returned
	// "aborted", including memory exhaustion surfaced by its own
	// allocator. Not a cache-poisoning fault unless it happened before
	// the call completed cleanly.
	CodeUserCode Code = "user_code"
	// CodeTimeout means the wall-clock deadline for a call was exceeded.
	// The sandbox that produced it is poisoned and must not be cached.
	CodeTimeout Code = "timeout"
	// CodePolicyDenied means an HTTP/WS destination was denied by
	// NetworkPolicy.
	CodePolicyDenied Code = "policy_denied"
	// CodeBodyCap means a request or response body exceeded the
	// configured size cap.
	CodeBodyCap Code = "body_cap"
	// CodeResponseTimeout means the embedder's HTTP client did not
	// deliver a first byte before the first-byte timeout.
	CodeResponseTimeout Code = "response_timeout"
	// CodeConnectionWriteTimeout means draining the outgoing request body
	// exceeded its timeout.
	CodeConnectionWriteTimeout Code = "connection_write_timeout"
	// CodeLoopDetected means a redirect chain exceeded the configured
	// maximum number of hops.
	CodeLoopDetected Code = "loop_detected"
	// CodeInvalidArgument means malformed call inputs: bad JSON, missing
	// stream receivers, invalid mount paths.
	CodeInvalidArgument Code = "invalid_argument"
	// CodeRuntime means an engine or host-level failure: filesystem,
	// deserialization, OS resource exhaustion.
	CodeRuntime Code = "runtime"
	// CodeHost means the embedder's capability implementation itself
	// returned an error.
	CodeHost Code = "host"
)

// Error is the engine's error type. It always carries a Code so callers can
// branch on category without string matching, and may wrap an underlying
// cause for diagnostics.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes Cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error that carries cause as its Unwrap target.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it is, or wraps, an *Error; otherwise
// it returns CodeRuntime, the default bucket for unclassified failures.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeRuntime
}

// IsPoisoning reports whether an error of this code must cause the sandbox
// that produced it to be dropped rather than returned to the cache.
func IsPoisoning(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeRuntime:
		return true
	default:
		return false
	}
}

// Status is the transport-facing rendering of an error for the
// embedder-visible status mapping.
type Status string

const (
	StatusInvalidRequest Status = "InvalidRequest"
	StatusTimeout        Status = "Timeout"
	StatusGuestAborted   Status = "GuestAborted"
	StatusInternal       Status = "Internal"
	StatusCancelled      Status = "Cancelled"
)

// StatusOf maps an internal Code to the transport-facing Status a transport
// adapter would render to its caller.
func StatusOf(err error) Status {
	switch CodeOf(err) {
	case CodeInvalidArgument:
		return StatusInvalidRequest
	case CodeTimeout:
		return StatusTimeout
	case CodeUserCode:
		return StatusGuestAborted
	case CodePolicyDenied, CodeBodyCap, CodeResponseTimeout, CodeConnectionWriteTimeout, CodeLoopDetected, CodeHost:
		return StatusInternal
	default:
		return StatusInternal
	}
}
