// Package errdefs classifies driver errors so the plugin server can pick a
// response status without inspecting messages.
package errdefs

import (
	"net/http"

	"github.com/pkg/errors"
)

// Kind is the class of a driver error
type Kind int

const (
	// KindInternal is any unclassified failure
	KindInternal Kind = iota
	// KindInput is a malformed or unsupported request
	KindInput
	// KindNotFound is a request referencing state that does not exist
	KindNotFound
	// KindConflict is a request that clashes with existing backend state
	KindConflict
	// KindProvisioning is a failure creating or configuring host interfaces
	KindProvisioning
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindProvisioning:
		return "provisioning"
	default:
		return "internal"
	}
}

// Error is an error tagged with a Kind. Its message is the message of the
// wrapped error, unchanged.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }

// Unwrap returns the underlying error
func (e *Error) Unwrap() error { return e.err }

// Kind returns the error class
func (e *Error) Kind() Kind { return e.kind }

func newError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// Input marks err as a request validation failure
func Input(err error) error { return newError(KindInput, err) }

// Inputf builds an input error from a format string
func Inputf(format string, args ...interface{}) error {
	return Input(errors.Errorf(format, args...))
}

// NotFound marks err as a missing-state failure
func NotFound(err error) error { return newError(KindNotFound, err) }

// NotFoundf builds a not-found error from a format string
func NotFoundf(format string, args ...interface{}) error {
	return NotFound(errors.Errorf(format, args...))
}

// Conflict marks err as a clash with existing state
func Conflict(err error) error { return newError(KindConflict, err) }

// Conflictf builds a conflict error from a format string
func Conflictf(format string, args ...interface{}) error {
	return Conflict(errors.Errorf(format, args...))
}

// Provisioning marks err as an interface provisioning failure
func Provisioning(err error) error { return newError(KindProvisioning, err) }

// Internal marks err as an unclassified failure
func Internal(err error) error { return newError(KindInternal, err) }

// Internalf builds an internal error from a format string
func Internalf(format string, args ...interface{}) error {
	return Internal(errors.Errorf(format, args...))
}

// KindOf returns the Kind of the outermost classified error in the chain,
// or KindInternal when none is classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

// StatusCode maps err to the HTTP status the plugin protocol reply uses
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
