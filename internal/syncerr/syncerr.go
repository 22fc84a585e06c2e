// Package syncerr classifies failures of the sync core so callers can tell
// retryable conditions from terminal ones.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind int

const (
	// Terminal failures are caused by invalid input and must not be retried.
	Terminal Kind = iota
	// Unauthenticated means there is no current session.
	Unauthenticated
	// Transient network or store failures may be retried by the caller.
	Transient
	// Partial means a multi-step operation failed midway. No partial state
	// is left visible.
	Partial
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case Transient:
		return "transient"
	case Partial:
		return "partial"
	default:
		return "terminal"
	}
}

// Error is a classified failure of one operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Invalid returns a terminal error for rejected input.
func Invalid(op, format string, args ...any) error {
	return &Error{Kind: Terminal, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are reported as Transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == Transient || k == Partial
}

// IsUnauthenticated reports whether err was caused by a missing session.
func IsUnauthenticated(err error) bool {
	return err != nil && KindOf(err) == Unauthenticated
}
