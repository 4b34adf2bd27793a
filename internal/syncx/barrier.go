package syncx

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is returned by [Barrier.Wait] when the abort channel closes
// before the barrier trips.
var ErrAborted = errors.New("syncx: barrier wait aborted")

// Barrier is a cyclic rendezvous for a fixed number of parties. The last
// party to arrive trips the barrier and is reported as the serial one.
type Barrier struct {
	mu      sync.Mutex
	parties int
	arrived int
	gen     uint64
	trip    chan struct{}
}

// NewBarrier creates a barrier for n parties. Panics if n <= 0.
func NewBarrier(n int) *Barrier {
	if n <= 0 {
		panic("syncx: NewBarrier requires n > 0")
	}
	return &Barrier{
		parties: n,
		trip:    make(chan struct{}),
	}
}

// Parties returns the number of parties the barrier waits for.
func (b *Barrier) Parties() int { return b.parties }

// Wait blocks until all parties have called Wait. Exactly one caller per
// cycle gets serial == true.
//
// If ctx is done or abort is closed first, the caller withdraws its
// arrival and Wait returns ctx.Err() or [ErrAborted]. A caller whose
// barrier tripped concurrently with the abort still reports success.
func (b *Barrier) Wait(ctx context.Context, abort <-chan struct{}) (serial bool, err error) {
	b.mu.Lock()
	gen := b.gen
	trip := b.trip
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.gen++
		close(b.trip)
		b.trip = make(chan struct{})
		b.mu.Unlock()
		return true, nil
	}
	b.mu.Unlock()

	select {
	case <-trip:
		return false, nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-abort:
		err = ErrAborted
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != gen {
		return false, nil
	}
	b.arrived--
	return false, err
}

// Waiting returns the number of parties currently parked in Wait.
func (b *Barrier) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrived
}
