package dataplane

import (
	"errors"
	"fmt"
)

// WorkerError wraps an error together with the [WorkerInfo] of the worker
// that produced it. [Stage.Wait] wraps every worker failure in a
// WorkerError so callers can attribute errors to specific workers.
type WorkerError struct {
	Worker WorkerInfo
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s:%d failed: %v", e.Worker.Stage, e.Worker.Index, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// IsWorkerError reports whether err (or any error in its chain) is a [*WorkerError].
func IsWorkerError(err error) bool {
	if err == nil {
		return false
	}
	var we *WorkerError
	return errors.As(err, &we)
}

// WorkerOf extracts the [WorkerInfo] from the first [*WorkerError] in
// err's chain. Returns false if no WorkerError is found.
func WorkerOf(err error) (WorkerInfo, bool) {
	if err == nil {
		return WorkerInfo{}, false
	}

	var we *WorkerError
	if errors.As(err, &we) {
		return we.Worker, true
	}
	return WorkerInfo{}, false
}

// CauseOf unwraps the first [*WorkerError] in err's chain and returns its
// underlying cause. If err is not a WorkerError, it is returned as-is.
func CauseOf(err error) error {
	if err == nil {
		return nil
	}

	var we *WorkerError
	if errors.As(err, &we) {
		return we.Err
	}
	return err
}

// AllWorkerErrors recursively collects every [*WorkerError] from err's
// chain, including errors joined via [errors.Join]. Returns nil if none
// are found.
func AllWorkerErrors(err error) []*WorkerError {
	if err == nil {
		return nil
	}

	var out []*WorkerError
	collectWorkerErrors(err, &out)
	return out
}

func collectWorkerErrors(err error, out *[]*WorkerError) {
	switch e := err.(type) {
	case *WorkerError:
		*out = append(*out, e)

	case interface{ Unwrap() []error }:
		for _, sub := range e.Unwrap() {
			collectWorkerErrors(sub, out)
		}

	case interface{ Unwrap() error }:
		collectWorkerErrors(e.Unwrap(), out)
	}
}
