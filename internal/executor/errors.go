package executor

import (
	"errors"
	"fmt"
	"time"
)

// Category is the stable, machine-readable failure taxonomy surfaced to
// callers. Internal causes (stack traces, wrapped chains) are logged but
// never serialized.
type Category string

const (
	// CategoryAdmissionDenied: the limiter or breaker rejected the request
	// before any engine call. Carries a retry-after hint.
	CategoryAdmissionDenied Category = "admission_denied"
	// CategoryEngine: a non-retryable engine failure (malformed response,
	// engine unavailable, process failure). Surfaced immediately.
	CategoryEngine Category = "engine_error"
	// CategoryTimeout: the orchestrator's own wall-clock deadline elapsed.
	CategoryTimeout Category = "execution_timeout"
	// CategorySecurity: path traversal, allow-list violation or malformed
	// input. Rejected before the engine, never recorded on the breaker.
	CategorySecurity Category = "security_validation"
	// CategoryRetriesExhausted: every attempt consumed; wraps the last
	// underlying error.
	CategoryRetriesExhausted Category = "retries_exhausted"
)

// Error is a classified orchestrator failure.
type Error struct {
	Category   Category
	Message    string
	RetryAfter time.Duration // only meaningful for CategoryAdmissionDenied
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("executor: %s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("executor: %s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CategoryOf extracts the failure category from err; empty when err is not
// an orchestrator error.
func CategoryOf(err error) Category {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

func admissionDenied(msg string, retryAfter time.Duration) *Error {
	return &Error{Category: CategoryAdmissionDenied, Message: msg, RetryAfter: retryAfter}
}

func securityError(err error) *Error {
	return &Error{Category: CategorySecurity, Message: "request rejected", Err: err}
}

func timeoutError(elapsed time.Duration) *Error {
	return &Error{
		Category: CategoryTimeout,
		Message:  fmt.Sprintf("execution exceeded deadline after %s", elapsed.Round(time.Millisecond)),
	}
}

func engineError(err error) *Error {
	return &Error{Category: CategoryEngine, Message: "engine call failed", Err: err}
}

func retriesExhausted(attempts int, last error) *Error {
	return &Error{
		Category: CategoryRetriesExhausted,
		Message:  fmt.Sprintf("all %d attempts failed", attempts),
		Err:      last,
	}
}
