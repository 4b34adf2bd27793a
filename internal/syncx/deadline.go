// Package syncx provides the blocking primitives the runtime builds on:
// a broadcast condition variable with deadlines and context cancellation,
// a cyclic barrier that elects a serial participant, and a context-aware
// semaphore.
package syncx

import "time"

// Deadline is an absolute point in time derived once from a signed timeout.
// A negative timeout never expires; a zero timeout is already expired.
type Deadline struct {
	at      time.Time
	forever bool
}

// Forever is a deadline that never expires.
var Forever = Deadline{forever: true}

// NewDeadline converts a relative timeout into an absolute deadline.
func NewDeadline(timeout time.Duration) Deadline {
	if timeout < 0 {
		return Forever
	}
	return Deadline{at: time.Now().Add(timeout)}
}

// IsForever reports whether d never expires.
func (d Deadline) IsForever() bool { return d.forever }

// Expired reports whether the deadline has passed.
func (d Deadline) Expired() bool {
	return !d.forever && !time.Now().Before(d.at)
}

// Remaining returns the time left before d expires, floored at zero.
// It returns -1 for a deadline that never expires, so the result can be
// handed back to any API taking a signed timeout.
func (d Deadline) Remaining() time.Duration {
	if d.forever {
		return -1
	}
	r := time.Until(d.at)
	if r < 0 {
		return 0
	}
	return r
}

// timer returns a channel that fires at d, or nil for Forever.
// The returned stop func must be called.
func (d Deadline) timer() (<-chan time.Time, func()) {
	if d.forever {
		return nil, func() {}
	}
	t := time.NewTimer(d.Remaining())
	return t.C, func() { t.Stop() }
}
