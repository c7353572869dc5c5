package meet

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure for acknowledgement and recovery purposes.
//
// The taxonomy is deliberately small:
//   - BadInput: malformed role, vote, weight quantization, attempt_no range.
//     Returned to the originator; no state change, no broadcast.
//   - NotFound: unknown athlete CF, meet code, registration.
//   - StateConflict: command legal in general but not in the current state
//     (declaring into a finalized attempt, NEXT in IDLE).
//   - NotReady: initialization attempted against incomplete data.
//   - Transient: database busy, send backpressure; retried internally.
//   - Fatal: corrupt singleton, aborted remote transaction; the affected
//     meet goes IDLE and waits for an operator.
type Kind string

const (
	KindBadInput      Kind = "BAD_INPUT"
	KindNotFound      Kind = "NOT_FOUND"
	KindStateConflict Kind = "STATE_CONFLICT"
	KindNotReady      Kind = "NOT_READY"
	KindTransient     Kind = "TRANSIENT"
	KindFatal         Kind = "FATAL"
)

// Error is a categorized failure. Op names the operation that failed,
// Message is safe to show to the operator.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a categorized error.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// KindOf extracts the kind from an error chain.
// Uncategorized errors report KindFatal: an error nobody classified is an
// error nobody planned for.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindFatal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsBadInput reports whether err is a BadInput error.
func IsBadInput(err error) bool { return IsKind(err, KindBadInput) }

// IsStateConflict reports whether err is a StateConflict error.
func IsStateConflict(err error) bool { return IsKind(err, KindStateConflict) }
