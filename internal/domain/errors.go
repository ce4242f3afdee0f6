package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures so the transport layer can map them to a status.
type Kind string

const (
	KindConflict     Kind = "conflict"
	KindBadRequest   Kind = "bad_request"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	KindInternal     Kind = "internal"
)

var (
	// ErrNotFound is returned by repositories and stores for missing rows or keys.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEmail is returned by UserRepository.Create on a unique violation.
	ErrDuplicateEmail = errors.New("email already registered")
)

// Error is the typed failure returned by use cases.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details []string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Conflict(op, message string) *Error     { return newError(KindConflict, op, message) }
func BadRequest(op, message string) *Error   { return newError(KindBadRequest, op, message) }
func Unauthorized(op, message string) *Error { return newError(KindUnauthorized, op, message) }
func NotFound(op, message string) *Error     { return newError(KindNotFound, op, message) }

// Internal wraps an infrastructure failure. A nil err yields nil.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Cause: err}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// IsKind checks whether err carries the provided kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
