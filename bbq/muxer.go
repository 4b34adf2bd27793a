package bbq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/baxromumarov/dataplane/errs"
	"github.com/baxromumarov/dataplane/internal/syncx"
)

// Readiness is the condition a [Poll] waits for on its queue.
type Readiness int

const (
	ReadinessUnknown Readiness = 0
	Readable         Readiness = 1 << 0
	Writable         Readiness = 1 << 1
	Both                       = Readable | Writable
)

// Valid reports whether r is Readable, Writable or Both.
func (r Readiness) Valid() bool {
	return r >= Readable && r <= Both
}

func (r Readiness) wantsReadable() bool { return r&Readable != 0 }
func (r Readiness) wantsWritable() bool { return r&Writable != 0 }

func (r Readiness) String() string {
	switch r {
	case ReadinessUnknown:
		return "unknown"
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Both:
		return "both"
	default:
		return "invalid"
	}
}

// Muxer lets one goroutine block until any of several queues becomes
// readable or writable.
//
// A Muxer holds no registrations. Each poll arms the muxer on the queues
// that are not yet ready, and those queues notify it on every change that
// may satisfy the armed readiness. A queue can be armed by one muxer at a
// time.
type Muxer struct {
	mu   sync.Mutex
	cond *syncx.Cond
	gen  uint64
}

// NewMuxer creates a multiplexer.
func NewMuxer() *Muxer {
	m := &Muxer{}
	m.cond = syncx.NewCond(&m.mu)
	return m
}

// notify wakes every goroutine polling on m.
func (m *Muxer) notify() {
	m.mu.Lock()
	m.gen++
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *Muxer) generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Poll blocks until at least one poll's readiness is satisfied or ctx is
// done, and returns the number of ready polls. Each poll's snapshot
// (Size, RemainingCapacity) is refreshed.
//
// Poll fails with [errs.ErrInvalidArgs] if polls is empty, contains nil,
// has no queue at all, or lists the same queue twice; with
// [errs.ErrNotOperational] if a queue is shut down; and with
// [errs.ErrBusy] if a queue is armed by another muxer.
func (m *Muxer) Poll(ctx context.Context, polls []*Poll) (int, error) {
	return m.poll(ctx, polls, syncx.Forever)
}

// PollTimeout is Poll bounded by timeout. A negative timeout waits
// forever; zero only checks. It fails with [errs.ErrTimedout] when no
// poll became ready in time.
func (m *Muxer) PollTimeout(polls []*Poll, timeout time.Duration) (int, error) {
	return m.poll(context.Background(), polls, syncx.NewDeadline(timeout))
}

func (m *Muxer) poll(ctx context.Context, polls []*Poll, d syncx.Deadline) (int, error) {
	if err := validatePolls(polls); err != nil {
		return 0, err
	}
	defer m.disarmAll(polls)

	for {
		gen := m.generation()

		n, err := m.scan(polls, true)
		if err != nil || n > 0 {
			return n, err
		}

		m.mu.Lock()
		for m.gen == gen {
			if err := m.cond.Wait(ctx, d); err != nil {
				m.mu.Unlock()
				return 0, err
			}
		}
		m.mu.Unlock()

		n, err = m.scan(polls, false)
		if err != nil || n > 0 {
			return n, err
		}
	}
}

// scan snapshots every poll's queue and counts the ready ones. With arm
// set, unready queues are armed for the readiness they still lack;
// otherwise they are disarmed.
func (m *Muxer) scan(polls []*Poll, arm bool) (int, error) {
	ready := 0
	for _, p := range polls {
		if p.queue == nil {
			p.size, p.remaining = 0, 0
			continue
		}
		size, remaining, need, err := p.queue.setupForMuxer(m, p.typ, arm)
		if err != nil {
			return 0, err
		}
		p.size, p.remaining = size, remaining
		if need == ReadinessUnknown {
			ready++
		}
	}
	return ready, nil
}

func (m *Muxer) disarmAll(polls []*Poll) {
	for _, p := range polls {
		if p != nil && p.queue != nil {
			p.queue.disarm(m)
		}
	}
}

func validatePolls(polls []*Poll) error {
	if len(polls) == 0 {
		return fmt.Errorf("%w: no polls", errs.ErrInvalidArgs)
	}
	seen := make(map[*Queue]struct{}, len(polls))
	for i, p := range polls {
		if p == nil {
			return fmt.Errorf("%w: poll %d is nil", errs.ErrInvalidArgs, i)
		}
		if p.queue == nil {
			continue
		}
		if _, dup := seen[p.queue]; dup {
			return fmt.Errorf("%w: queue registered twice (poll %d); use Both instead", errs.ErrInvalidArgs, i)
		}
		seen[p.queue] = struct{}{}
	}
	if len(seen) == 0 {
		return fmt.Errorf("%w: every poll is inert", errs.ErrInvalidArgs)
	}
	return nil
}

// setupForMuxer snapshots the queue for a poll round and returns the
// readiness still needed for want, or ReadinessUnknown when want is
// already satisfied. With arm set and a readiness still needed, m is
// armed on q; otherwise m is disarmed.
func (q *Queue) setupForMuxer(m *Muxer, want Readiness, arm bool) (size, remaining int, need Readiness, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.operational {
		return 0, 0, ReadinessUnknown, errs.ErrNotOperational
	}
	size = int(q.count)
	remaining = int(q.capacity - q.count)

	switch {
	case want.wantsReadable() && size == 0:
		need = Readable
	case want.wantsWritable() && remaining == 0:
		need = Writable
	}
	if want == Both && size == 0 && remaining == 0 {
		errs.Fatalf("bbq: queue needs both readable and writable (capacity %d)", q.capacity)
	}

	if arm && need != ReadinessUnknown {
		if q.mux != nil && q.mux != m {
			return size, remaining, need, fmt.Errorf("%w: queue is armed by another muxer", errs.ErrBusy)
		}
		q.mux, q.want = m, need
	} else if q.mux == m {
		q.mux, q.want = nil, ReadinessUnknown
	}
	return size, remaining, need, nil
}

// disarm clears m's arming on q, if any.
func (q *Queue) disarm(m *Muxer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.mux == m {
		q.mux, q.want = nil, ReadinessUnknown
	}
}
