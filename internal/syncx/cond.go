package syncx

import (
	"context"
	"sync"

	"github.com/baxromumarov/dataplane/errs"
)

// Cond is a broadcast-only condition variable whose Wait honors a
// [Deadline] and a context. It is associated with the Locker L, which
// must be held when calling Wait or Broadcast.
//
// Waiters park on a channel that Broadcast closes, so every waiter that
// was parked at the time of the call is released exactly once.
type Cond struct {
	L  sync.Locker
	ch chan struct{}
}

// NewCond returns a Cond bound to l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{L: l}
}

// Wait atomically unlocks c.L and suspends the caller until Broadcast is
// called, d expires, or ctx is done. c.L is locked again before Wait
// returns, whatever the outcome.
//
// Wait returns nil on broadcast, [errs.ErrTimedout] when d expires
// (immediately if it already has), or ctx.Err(). Like sync.Cond, a nil
// return does not mean the caller's predicate holds; re-check it in a loop.
func (c *Cond) Wait(ctx context.Context, d Deadline) error {
	if d.Expired() {
		return errs.ErrTimedout
	}
	if c.ch == nil {
		c.ch = make(chan struct{})
	}
	ch := c.ch

	timeout, stop := d.timer()
	defer stop()

	c.L.Unlock()
	defer c.L.Lock()

	select {
	case <-ch:
		return nil
	case <-timeout:
		return errs.ErrTimedout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast wakes all goroutines waiting on c.
func (c *Cond) Broadcast() {
	if c.ch != nil {
		close(c.ch)
		c.ch = nil
	}
}
