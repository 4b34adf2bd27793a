package errs

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"
)

// PanicError wraps a recovered panic value together with the goroutine
// stack trace captured at the point of the panic.
//
// A panic inside a stage callback ends that worker; the worker's result
// is the *PanicError and the process keeps running.
type PanicError struct {
	// Value is the original value passed to panic().
	Value any

	// Stack is the goroutine stack trace at the point of panic.
	Stack string
}

// Error returns a human-readable representation of the panic,
// including the value and the full stack trace.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", e.Value, e.Stack)
}

// Unwrap returns the panic value if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// NewPanicError captures the current goroutine stack for v.
// It must be called from the deferred function that recovered v.
func NewPanicError(v any) *PanicError {
	// runtime.Stack truncates if the buffer is too small.
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return &PanicError{
		Value: v,
		Stack: string(buf[:n]),
	}
}

// InvariantError is the panic value raised by [Fatalf].
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "dataplane: invariant violated: " + e.Msg
}

// Fatalf reports a broken internal invariant. Shared state can no longer
// be trusted, so the violation is logged and the calling goroutine panics
// with an [*InvariantError].
func Fatalf(format string, args ...any) {
	e := &InvariantError{Msg: fmt.Sprintf(format, args...)}
	log.Error().Str("invariant", e.Msg).Msg("dataplane: invariant violated")
	panic(e)
}
