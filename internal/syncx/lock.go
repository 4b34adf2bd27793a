package syncx

import "context"

// Lock is a mutual exclusion lock whose Lock gives up when a context
// ends. The zero value is not usable; create one with NewLock.
type Lock struct {
	held chan struct{}
}

// NewLock returns an unlocked Lock.
func NewLock() *Lock {
	return &Lock{held: make(chan struct{}, 1)}
}

// Lock blocks until the lock is taken or ctx is done, in which case it
// returns ctx.Err() without holding the lock.
func (l *Lock) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case l.held <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the lock. Unlocking an unlocked Lock panics, as with
// sync.Mutex.
func (l *Lock) Unlock() {
	select {
	case <-l.held:
	default:
		panic("syncx: unlock of unlocked Lock")
	}
}
