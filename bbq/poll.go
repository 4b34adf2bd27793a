package bbq

import (
	"fmt"

	"github.com/baxromumarov/dataplane/errs"
)

// Poll registers interest in one queue's readiness for a [Muxer] poll
// round. A Poll with a nil queue is inert and never becomes ready.
//
// A Poll is not safe for concurrent use; it belongs to the goroutine that
// polls with it.
type Poll struct {
	queue *Queue
	typ   Readiness

	// snapshot from the last poll round
	size      int
	remaining int
}

// NewPoll creates a poll for q waiting for typ.
func NewPoll(q *Queue, typ Readiness) (*Poll, error) {
	p := &Poll{}
	if err := p.SetQueue(q); err != nil {
		return nil, err
	}
	if err := p.SetType(typ); err != nil {
		return nil, err
	}
	return p, nil
}

// SetQueue points the poll at q. A nil q makes the poll inert.
// It fails with [errs.ErrNotOperational] if q has been shut down.
func (p *Poll) SetQueue(q *Queue) error {
	if q != nil && !q.IsOperational() {
		return errs.ErrNotOperational
	}
	p.queue = q
	if q == nil {
		p.typ = ReadinessUnknown
	}
	p.Reset()
	return nil
}

// SetType sets the readiness to wait for. An inert poll ignores the type.
func (p *Poll) SetType(typ Readiness) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: readiness %d", errs.ErrInvalidArgs, typ)
	}
	if p.queue == nil {
		p.typ = ReadinessUnknown
		return nil
	}
	p.typ = typ
	return nil
}

// Reset clears the snapshot taken by the last poll round.
func (p *Poll) Reset() {
	p.size, p.remaining = 0, 0
}

// Queue returns the polled queue, or nil if the poll is inert.
func (p *Poll) Queue() *Queue { return p.queue }

// Type returns the readiness the poll waits for.
func (p *Poll) Type() Readiness { return p.typ }

// Size returns the queue size seen by the last poll round.
func (p *Poll) Size() int { return p.size }

// RemainingCapacity returns the free capacity seen by the last poll round.
func (p *Poll) RemainingCapacity() int { return p.remaining }

// Ready reports whether the last snapshot satisfies the poll's readiness.
func (p *Poll) Ready() bool {
	if p.queue == nil || !p.typ.Valid() {
		return false
	}
	if p.typ.wantsReadable() && p.size == 0 {
		return false
	}
	if p.typ.wantsWritable() && p.remaining == 0 {
		return false
	}
	return true
}
