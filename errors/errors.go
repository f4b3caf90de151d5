// Package errors defines the typed error kinds surfaced by the messaging
// core. These mirror the semantic error kinds of the C implementation
// (LE_NOT_FOUND, LE_DUPLICATE, ...) without tying callers to string
// matching.
package errors

import "fmt"

// NotFoundError is raised when no such service is advertised.
type NotFoundError struct {
	Protocol string
	Instance string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no server advertised for (%s, %s)", e.Protocol, e.Instance)
}

// NotPermittedError is raised when access is denied or an operation is
// illegal in the caller's current state.
type NotPermittedError struct {
	Reason string
}

func (e *NotPermittedError) Error() string {
	if e.Reason == "" {
		return "operation not permitted"
	}
	return fmt.Sprintf("operation not permitted: %s", e.Reason)
}

// DuplicateError is raised on a second advertise of the same
// (protocol, instance) pair.
type DuplicateError struct {
	Protocol string
	Instance string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("(%s, %s) already advertised", e.Protocol, e.Instance)
}

// WouldBlockError is raised when a non-blocking send or receive makes no
// progress.
type WouldBlockError struct{}

func (e *WouldBlockError) Error() string { return "operation would block" }

// ClosedError is raised when the peer has closed the session.
type ClosedError struct {
	Reason string
}

func (e *ClosedError) Error() string {
	if e.Reason == "" {
		return "session closed"
	}
	return fmt.Sprintf("session closed: %s", e.Reason)
}

// CommError wraps a transport failure.
type CommError struct {
	Cause error
}

func (e *CommError) Error() string {
	if e.Cause == nil {
		return "transport error"
	}
	return fmt.Sprintf("transport error: %v", e.Cause)
}

func (e *CommError) Unwrap() error { return e.Cause }

// TimeoutError is raised when a caller-configured request watchdog expires.
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Operation)
}

// FaultError marks an invariant violation or OS error that a conforming
// caller should treat as fatal. Library code panics with this type rather
// than returning it for true programming errors (double-fd-set, protocol
// mismatch, thread-affinity violation, payload overflow); it is exported so
// a recover() at a process boundary can report it with full context.
type FaultError struct {
	Msg string
}

func (e *FaultError) Error() string { return e.Msg }

// Fatalf panics with a *FaultError built from the given format. Used for
// the "programming error" class in spec.md §7: payload overflow,
// double-fd-set, thread-affinity violations, protocol max_payload
// mismatches. Silent truncation or recovery from these is forbidden; the
// only legitimate recover() point is an eventloop.Loop's task boundary,
// which logs the fault and goes on running the loop's next task.
func Fatalf(format string, args ...any) {
	panic(&FaultError{Msg: fmt.Sprintf(format, args...)})
}
