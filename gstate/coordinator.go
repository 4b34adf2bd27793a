// Package gstate implements the global state coordinator: a monotonically
// advancing lifecycle state shared by the owner of a pipeline and its
// workers.
//
// Workers gate on [Coordinator.WaitFor] so nothing processes events before
// the owner declares [Started]. Shutdown is a handshake: one party calls
// [Coordinator.RequestShutdown] and blocks until another party, usually
// the owner waiting in [Coordinator.WaitForShutdownRequest], advances the
// state to [AcceptShutdown].
//
// A process-wide default coordinator backs the package-level functions.
// Components that need isolation (tests, embedded runtimes) take a
// *Coordinator instead.
package gstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baxromumarov/dataplane/errs"
	"github.com/baxromumarov/dataplane/internal/syncx"
)

// Coordinator holds one lifecycle state and its shutdown grace level.
type Coordinator struct {
	mu    sync.Mutex
	cond  *syncx.Cond
	state State
	grace GraceLevel

	log          zerolog.Logger
	onTransition func(from, to State)
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithLogger sets the logger used to report transitions.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// WithOnTransition registers a hook invoked for every committed
// transition. It runs with the coordinator locked and must not call back
// into the coordinator.
func WithOnTransition(fn func(from, to State)) Option {
	if fn == nil {
		panic("gstate: WithOnTransition requires non-nil callback")
	}
	return func(c *Coordinator) {
		c.onTransition = fn
	}
}

// New creates a coordinator in state [Unknown].
func New(opts ...Option) *Coordinator {
	c := &Coordinator{log: zerolog.Nop()}
	c.cond = syncx.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set advances the state to s.
//
// It fails with [errs.ErrInvalidArgs] if s is not a valid state and with
// [errs.ErrInvalidStateTransition] if s is lower than the current state.
// Setting the current state again succeeds.
func (c *Coordinator) Set(s State) error {
	if !s.Valid() {
		return fmt.Errorf("%w: state %d", errs.ErrInvalidArgs, s)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s < c.state {
		return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidStateTransition, c.state, s)
	}
	c.transition(s)
	return nil
}

// transition commits s and wakes all waiters. c.mu must be held.
func (c *Coordinator) transition(s State) {
	from := c.state
	c.state = s
	if from != s {
		c.log.Debug().Stringer("from", from).Stringer("to", s).Msg("global state changed")
		if c.onTransition != nil {
			c.onTransition(from, s)
		}
	}
	c.cond.Broadcast()
}

// Get returns the current state.
func (c *Coordinator) Get() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Grace returns the grace level recorded by the last shutdown request.
func (c *Coordinator) Grace() GraceLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grace
}

// WaitFor blocks until the state reaches target.
//
// It fails with [errs.ErrNotOperational] if a shutdown has been accepted
// while target is a pre-shutdown state, with [errs.ErrTimedout] once the
// timeout elapses, and with ctx.Err() if ctx is done first. A negative
// timeout waits forever; zero does not wait.
//
// The current state and grace level are returned in every case.
func (c *Coordinator) WaitFor(ctx context.Context, target State, timeout time.Duration) (State, GraceLevel, error) {
	if !target.Valid() {
		return Unknown, GraceUnknown, fmt.Errorf("%w: target state %d", errs.ErrInvalidArgs, target)
	}
	d := syncx.NewDeadline(timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.state.IsShutdown() && target < RequestShutdown {
			return c.state, c.grace, fmt.Errorf("%w: waiting for %s but state is %s",
				errs.ErrNotOperational, target, c.state)
		}
		if c.state >= target {
			return c.state, c.grace, nil
		}
		if err := c.cond.Wait(ctx, d); err != nil {
			return c.state, c.grace, err
		}
	}
}

// RequestShutdown asks the owner to shut down at the given urgency and
// blocks until the request is accepted (the state reaches
// [AcceptShutdown] or later) or ctx is done.
//
// If a shutdown was already requested by someone else, the caller joins
// that request and the first recorded grace level is kept. If a shutdown
// was already accepted, RequestShutdown returns immediately.
func (c *Coordinator) RequestShutdown(ctx context.Context, level GraceLevel) error {
	if !level.Valid() {
		return fmt.Errorf("%w: grace level %d", errs.ErrInvalidArgs, level)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.IsShutdown() {
		return nil
	}
	if c.state < RequestShutdown {
		c.grace = level
		c.log.Info().Stringer("grace", level).Msg("shutdown requested")
		c.transition(RequestShutdown)
	}

	for !c.state.IsShutdown() {
		if err := c.cond.Wait(ctx, syncx.Forever); err != nil {
			return err
		}
	}
	return nil
}

// WaitForShutdownRequest blocks until a shutdown has been requested and
// returns the requested grace level.
func (c *Coordinator) WaitForShutdownRequest(ctx context.Context, timeout time.Duration) (GraceLevel, error) {
	_, grace, err := c.WaitFor(ctx, RequestShutdown, timeout)
	return grace, err
}

// Reset returns the coordinator to [Unknown] and wakes all waiters.
// It exists for tests; production code never moves the state backwards.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Unknown
	c.grace = GraceUnknown
	c.cond.Broadcast()
}
