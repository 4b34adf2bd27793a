package bbq

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/baxromumarov/dataplane/errs"
	"github.com/baxromumarov/dataplane/internal/syncx"
)

// FreeFunc releases whatever a queued value refers to. It receives a view
// of the slot and must not retain it.
type FreeFunc func(value []byte)

// QueueStats is a point-in-time snapshot of queue activity.
type QueueStats struct {
	Size        int   // values currently queued
	Capacity    int   // maximum number of values
	Puts        int64 // successful puts since creation
	Gets        int64 // successful gets since creation
	Operational bool
}

// Queue is a bounded blocking FIFO of fixed-size values.
//
// Values are copied in and out; a Queue never retains caller slices.
type Queue struct {
	mu       sync.Mutex
	notEmpty *syncx.Cond
	notFull  *syncx.Cond

	data     []byte
	elemSize int
	capacity int64
	slots    int64

	rpos  int64
	wpos  int64
	count int64

	operational bool
	free        FreeFunc

	// armed multiplexer and the readiness it waits for
	mux  *Muxer
	want Readiness

	puts int64
	gets int64
}

// New creates a queue holding up to capacity values of elemSize bytes.
// free, if non-nil, is used by Clear and Shutdown to release live values.
func New(elemSize, capacity int, free FreeFunc) (*Queue, error) {
	if elemSize <= 0 {
		return nil, fmt.Errorf("%w: element size must be positive, got %d", errs.ErrInvalidArgs, elemSize)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", errs.ErrInvalidArgs, capacity)
	}
	slots := int64(capacity) + 1
	if slots > math.MaxInt/int64(elemSize) {
		return nil, fmt.Errorf("%w: %d slots of %d bytes", errs.ErrNoMemory, slots, elemSize)
	}

	q := &Queue{
		data:        make([]byte, slots*int64(elemSize)),
		elemSize:    elemSize,
		capacity:    int64(capacity),
		slots:       slots,
		operational: true,
		free:        free,
	}
	q.notEmpty = syncx.NewCond(&q.mu)
	q.notFull = syncx.NewCond(&q.mu)
	return q, nil
}

// Put appends v, blocking while the queue is full until ctx is done.
func (q *Queue) Put(ctx context.Context, v []byte) error {
	return q.put(ctx, v, syncx.Forever)
}

// PutTimeout appends v, blocking while the queue is full for at most
// timeout. A negative timeout waits forever; zero does not wait.
func (q *Queue) PutTimeout(v []byte, timeout time.Duration) error {
	return q.put(context.Background(), v, syncx.NewDeadline(timeout))
}

// TryPut appends v without blocking. It returns [errs.ErrTimedout] if the
// queue is full.
func (q *Queue) TryPut(v []byte) error {
	return q.PutTimeout(v, 0)
}

func (q *Queue) put(ctx context.Context, v []byte, d syncx.Deadline) error {
	if len(v) != q.elemSize {
		return fmt.Errorf("%w: value is %d bytes, queue holds %d", errs.ErrInvalidArgs, len(v), q.elemSize)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.operational && q.count >= q.capacity {
		if err := q.notFull.Wait(ctx, d); err != nil {
			return err
		}
	}
	if !q.operational {
		return errs.ErrNotOperational
	}

	q.rebase()
	copy(q.slot(q.wpos), v)
	q.wpos++
	q.count++
	q.puts++

	if q.mux != nil && q.want.wantsReadable() {
		q.mux.notify()
	}
	q.notEmpty.Broadcast()
	return nil
}

// Get removes the oldest value into dst, blocking while the queue is
// empty until ctx is done. dst must hold at least ElemSize bytes.
func (q *Queue) Get(ctx context.Context, dst []byte) error {
	return q.get(ctx, dst, syncx.Forever, false)
}

// GetTimeout is Get with a timeout. A negative timeout waits forever;
// zero does not wait.
func (q *Queue) GetTimeout(dst []byte, timeout time.Duration) error {
	return q.get(context.Background(), dst, syncx.NewDeadline(timeout), false)
}

// TryGet removes the oldest value without blocking. It returns
// [errs.ErrTimedout] if the queue is empty.
func (q *Queue) TryGet(dst []byte) error {
	return q.GetTimeout(dst, 0)
}

// Peek copies the oldest value into dst without removing it.
func (q *Queue) Peek(ctx context.Context, dst []byte) error {
	return q.get(ctx, dst, syncx.Forever, true)
}

// PeekTimeout is Peek with a timeout.
func (q *Queue) PeekTimeout(dst []byte, timeout time.Duration) error {
	return q.get(context.Background(), dst, syncx.NewDeadline(timeout), true)
}

// TryPeek is Peek without blocking.
func (q *Queue) TryPeek(dst []byte) error {
	return q.PeekTimeout(dst, 0)
}

func (q *Queue) get(ctx context.Context, dst []byte, d syncx.Deadline, peek bool) error {
	if len(dst) < q.elemSize {
		return fmt.Errorf("%w: buffer is %d bytes, queue holds %d", errs.ErrInvalidArgs, len(dst), q.elemSize)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.operational && q.count == 0 {
		if err := q.notEmpty.Wait(ctx, d); err != nil {
			return err
		}
	}
	if !q.operational {
		return errs.ErrNotOperational
	}

	copy(dst, q.slot(q.rpos))
	if peek {
		return nil
	}
	q.rpos++
	q.count--
	q.gets++

	if q.mux != nil && q.want.wantsWritable() {
		q.mux.notify()
	}
	q.notFull.Broadcast()
	return nil
}

// slot returns the storage for position pos. q.mu must be held.
func (q *Queue) slot(pos int64) []byte {
	i := pos % q.slots
	if i < 0 {
		errs.Fatalf("bbq: position %d maps to slot %d of %d", pos, i, q.slots)
	}
	off := i * int64(q.elemSize)
	return q.data[off : off+int64(q.elemSize)]
}

// rebase shifts both positions down by a whole number of ring turns
// before the write position can overflow. Slot mapping and count are
// unchanged. q.mu must be held.
func (q *Queue) rebase() {
	if q.wpos < math.MaxInt64 {
		return
	}
	base := q.rpos - q.rpos%q.slots
	q.rpos -= base
	q.wpos -= base
	if q.wpos-q.rpos != q.count {
		errs.Fatalf("bbq: rebase broke count: r=%d w=%d count=%d", q.rpos, q.wpos, q.count)
	}
}

// Size returns the number of queued values.
func (q *Queue) Size() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.operational {
		return 0, errs.ErrNotOperational
	}
	return int(q.count), nil
}

// RemainingCapacity returns how many more values fit before Put blocks.
func (q *Queue) RemainingCapacity() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.operational {
		return 0, errs.ErrNotOperational
	}
	return int(q.capacity - q.count), nil
}

// MaxCapacity returns the capacity the queue was created with.
func (q *Queue) MaxCapacity() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.operational {
		return 0, errs.ErrNotOperational
	}
	return int(q.capacity), nil
}

// IsEmpty reports whether the queue holds no values.
func (q *Queue) IsEmpty() (bool, error) {
	n, err := q.Size()
	return n == 0, err
}

// IsFull reports whether Put would block.
func (q *Queue) IsFull() (bool, error) {
	n, err := q.RemainingCapacity()
	return n == 0, err
}

// IsOperational reports whether the queue has not been shut down.
func (q *Queue) IsOperational() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.operational
}

// ElemSize returns the size of one value in bytes.
func (q *Queue) ElemSize() int { return q.elemSize }

// Stats returns a snapshot of queue activity. It is valid after shutdown.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Size:        int(q.count),
		Capacity:    int(q.capacity),
		Puts:        q.puts,
		Gets:        q.gets,
		Operational: q.operational,
	}
}

// Clear drops every queued value, passing each to the free callback
// first when freeValues is set, and wakes blocked producers.
func (q *Queue) Clear(freeValues bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.operational {
		return errs.ErrNotOperational
	}
	q.drain(freeValues)
	return nil
}

// drain resets the ring. q.mu must be held.
func (q *Queue) drain(freeValues bool) {
	if freeValues && q.free != nil {
		for pos := q.rpos; pos < q.wpos; pos++ {
			q.free(q.slot(pos))
		}
	}
	clear(q.data)
	q.rpos, q.wpos, q.count = 0, 0, 0

	if q.mux != nil && q.want.wantsWritable() {
		q.mux.notify()
	}
	q.notFull.Broadcast()
}

// Shutdown makes the queue non-operational, clears it and releases every
// blocked caller with [errs.ErrNotOperational]. It is idempotent.
func (q *Queue) Shutdown(freeValues bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.operational {
		return
	}
	q.operational = false
	q.drain(freeValues)

	if q.mux != nil {
		q.mux.notify()
	}
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Destroy shuts the queue down and releases its storage.
func (q *Queue) Destroy(freeValues bool) {
	q.Shutdown(freeValues)

	q.mu.Lock()
	q.data = nil
	q.mu.Unlock()
}
