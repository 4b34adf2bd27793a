// Package thread provides a cancellable goroutine with an explicit
// create/start/cancel/wait life cycle and a finalize hook that is told
// whether the goroutine ended because it was cancelled.
//
// Cancellation is cooperative: Cancel cancels the context handed to the
// main function, and the main function is expected to return promptly
// once it observes it.
package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/baxromumarov/dataplane/errs"
	"github.com/baxromumarov/dataplane/internal/syncx"
)

// MainFunc is the body of a thread.
type MainFunc func(ctx context.Context) error

// FinalizeFunc runs once in the thread's goroutine after MainFunc returns
// and before waiters are released.
type FinalizeFunc func(canceled bool, err error)

// Thread is a single-shot goroutine. A Thread can be started once.
type Thread struct {
	name     string
	main     MainFunc
	finalize FinalizeFunc

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	// written by the thread goroutine before done is closed
	err      error
	canceled bool

	cancelRequested atomic.Bool
}

// New creates a thread that is not yet running.
func New(name string, main MainFunc, finalize FinalizeFunc) (*Thread, error) {
	if main == nil {
		return nil, fmt.Errorf("%w: thread %q requires a main function", errs.ErrInvalidArgs, name)
	}
	return &Thread{
		name:     name,
		main:     main,
		finalize: finalize,
		done:     make(chan struct{}),
	}, nil
}

// Name returns the thread's name.
func (t *Thread) Name() string { return t.name }

// Start launches the goroutine with a context derived from parent.
// Returns [errs.ErrBusy] if the thread was already started.
func (t *Thread) Start(parent context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return fmt.Errorf("%w: thread %q already started", errs.ErrBusy, t.name)
	}
	ctx, cancel := context.WithCancel(parent)
	t.started = true
	t.cancel = cancel
	if t.cancelRequested.Load() {
		cancel()
	}

	go t.run(ctx)
	return nil
}

func (t *Thread) run(ctx context.Context) {
	defer close(t.done)

	err := t.exec(ctx)
	canceled := ctx.Err() != nil
	t.cancel()

	t.err = err
	t.canceled = canceled
	if t.finalize != nil {
		t.finalize(canceled, err)
	}
}

// exec runs the main function with panic recovery.
func (t *Thread) exec(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.NewPanicError(r)
		}
	}()
	return t.main(ctx)
}

// Cancel requests cancellation. It does not wait for the goroutine to
// exit. Cancelling a thread that has not started makes it start
// cancelled.
func (t *Thread) Cancel() {
	t.cancelRequested.Store(true)

	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the thread has finished or d expires. A thread that
// was never started is treated as finished.
// Returns [errs.ErrTimedout] on expiry.
func (t *Thread) Wait(d syncx.Deadline) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-t.done:
		return nil
	default:
	}
	if d.Expired() {
		return errs.ErrTimedout
	}

	if d.IsForever() {
		<-t.done
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.Remaining())
	defer cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return errs.ErrTimedout
	}
}

// Done returns a channel closed once the thread has finished.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Err returns the main function's result. It is nil until the thread
// has finished.
func (t *Thread) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Canceled reports whether the finished thread ended under cancellation.
func (t *Thread) Canceled() bool {
	select {
	case <-t.done:
		return t.canceled
	default:
		return false
	}
}

// IsCancellation reports whether err is the result of context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
