package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Class categorizes an engine failure. The executor maps classes to retry
// eligibility and the breaker maps them to failure weights.
type Class string

const (
	// ClassConnection covers network-level failures reaching the engine:
	// refused, reset, DNS, TLS. Transient.
	ClassConnection Class = "connection"
	// ClassTimeout is a bare engine-side timeout (not the orchestrator's
	// own deadline). Transient.
	ClassTimeout Class = "timeout"
	// ClassProcess is a process-level execution failure inside the engine.
	// Structural; never retried.
	ClassProcess Class = "process"
	// ClassProtocol is a malformed or unparseable engine response.
	// Structural; never retried.
	ClassProtocol Class = "protocol"
	// ClassUnavailable means the engine is not usable at all (missing
	// credentials, missing binary). Structural; never retried.
	ClassUnavailable Class = "unavailable"
	// ClassUnknown is anything the adapter could not classify.
	ClassUnknown Class = "unknown"
)

// Error is a classified engine failure.
type Error struct {
	Class Class
	Op    string // adapter operation, e.g. "anthropic.stream"
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine: %s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a class and operation tag.
func NewError(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Retryable reports whether the class is transient and eligible for
// automatic retry with backoff.
func (c Class) Retryable() bool {
	return c == ClassConnection || c == ClassTimeout
}

// ClassOf extracts the failure class from err, classifying raw network and
// context errors that escaped an adapter unwrapped. Unrecognized errors are
// ClassUnknown.
func ClassOf(err error) Class {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassConnection
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.EPIPE,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
	} {
		if errors.Is(err, errno) {
			return ClassConnection
		}
	}
	return ClassUnknown
}
