package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure at the point where it happens.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindIntegrity
	KindTransient
	KindDeclined
	KindNotFound
	KindRevert
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindIntegrity:
		return "integrity"
	case KindTransient:
		return "transient"
	case KindDeclined:
		return "declined"
	case KindNotFound:
		return "not_found"
	case KindRevert:
		return "revert"
	default:
		return "unknown"
	}
}

// Error is the error type returned across package boundaries
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Validation reports malformed or disallowed input. Never retried.
func Validation(op, format string, args ...interface{}) *Error {
	return newError(KindValidation, op, nil, format, args...)
}

// Authorization reports a caller that is not allowed to perform the operation.
func Authorization(op, format string, args ...interface{}) *Error {
	return newError(KindAuthorization, op, nil, format, args...)
}

// Integrity reports data that contradicts an invariant; callers log these loudly.
func Integrity(op, format string, args ...interface{}) *Error {
	return newError(KindIntegrity, op, nil, format, args...)
}

// NotFound reports a missing entity at a remote or local source.
func NotFound(op, format string, args ...interface{}) *Error {
	return newError(KindNotFound, op, nil, format, args...)
}

// Declined reports that the key holder refused to sign.
func Declined(op string, err error) *Error {
	return newError(KindDeclined, op, err, "signature request declined")
}

// Transient wraps an infrastructure failure that may succeed on retry.
func Transient(op string, err error) *Error {
	return newError(KindTransient, op, err, "temporarily unavailable")
}

// Revert wraps a logical contract revert returned by a read-only call.
func Revert(op string, err error) *Error {
	return newError(KindRevert, op, err, "contract call reverted")
}

// Wrap attaches a kind to an arbitrary error.
func Wrap(kind Kind, op string, err error, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err may succeed if the operation is repeated.
func IsRetryable(err error) bool {
	return Is(err, KindTransient)
}
