// Package errs defines the error kinds shared by every dataplane package.
//
// Operations return one of the sentinel kinds below, usually wrapped with
// context via fmt.Errorf("%w: ..."). Match them with [errors.Is].
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrInvalidArgs reports a malformed argument.
	ErrInvalidArgs = errors.New("dataplane: invalid arguments")

	// ErrInvalidObject reports a handle that is not (or no longer)
	// known to its identity registry.
	ErrInvalidObject = errors.New("dataplane: invalid object")

	// ErrInvalidStateTransition reports an operation that is not legal
	// from the object's current lifecycle state.
	ErrInvalidStateTransition = errors.New("dataplane: invalid state transition")

	// ErrNotOperational reports a queue or coordinator that has been shut down.
	ErrNotOperational = errors.New("dataplane: not operational")

	// ErrNotOwner reports an operation on an object owned by someone else.
	ErrNotOwner = errors.New("dataplane: not owner")

	// ErrTimedout reports a blocking operation whose deadline elapsed.
	ErrTimedout = errors.New("dataplane: timed out")

	// ErrBusy reports a resource already claimed by another party.
	ErrBusy = errors.New("dataplane: busy")

	// ErrAlreadyExists reports a duplicate registration.
	ErrAlreadyExists = errors.New("dataplane: already exists")

	// ErrNotFound reports a failed lookup.
	ErrNotFound = errors.New("dataplane: not found")

	// ErrNoMemory reports an allocation that cannot be satisfied.
	ErrNoMemory = errors.New("dataplane: no memory")

	// ErrUnsupported reports an optional capability that was not provided.
	ErrUnsupported = errors.New("dataplane: unsupported")
)

// APIError wraps a failure returned by an operating-system or runtime API.
type APIError struct {
	// Op names the failed call.
	Op string

	// Err is the underlying error, typically a [syscall.Errno].
	Err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dataplane: %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Errno returns the OS error code carried by e, or 0 if there is none.
func (e *APIError) Errno() syscall.Errno {
	var no syscall.Errno
	if errors.As(e.Err, &no) {
		return no
	}
	return 0
}

// Platform wraps err as an [*APIError] for op. It returns nil if err is nil.
func Platform(op string, err error) error {
	if err == nil {
		return nil
	}
	return &APIError{Op: op, Err: err}
}
