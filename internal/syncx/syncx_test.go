package syncx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/dataplane/errs"
)

func mustPanic(t *testing.T, contains string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		require.Contains(t, fmt.Sprint(r), contains)
	}()
	fn()
}

func TestDeadline(t *testing.T) {
	assert.True(t, NewDeadline(-1).IsForever())
	assert.False(t, NewDeadline(-1).Expired())
	assert.Equal(t, time.Duration(-1), Forever.Remaining())

	assert.True(t, NewDeadline(0).Expired(), "zero timeout is already expired")
	assert.Equal(t, time.Duration(0), NewDeadline(0).Remaining())

	d := NewDeadline(time.Hour)
	assert.False(t, d.Expired())
	assert.InDelta(t, float64(time.Hour), float64(d.Remaining()), float64(time.Second))
}

func TestCondBroadcastWakesAll(t *testing.T) {
	var mu sync.Mutex
	c := NewCond(&mu)
	ready := false

	const n = 8
	var woke atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			for !ready {
				if err := c.Wait(context.Background(), Forever); err != nil {
					return
				}
			}
			woke.Add(1)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	ready = true
	c.Broadcast()
	mu.Unlock()

	wg.Wait()
	assert.Equal(t, int32(n), woke.Load(), "every waiter should observe the broadcast")
}

func TestCondWaitTimeout(t *testing.T) {
	var mu sync.Mutex
	c := NewCond(&mu)

	mu.Lock()
	start := time.Now()
	err := c.Wait(context.Background(), NewDeadline(30*time.Millisecond))
	elapsed := time.Since(start)
	mu.Unlock()

	assert.ErrorIs(t, err, errs.ErrTimedout)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
}

func TestCondWaitZeroTimeoutDoesNotSleep(t *testing.T) {
	var mu sync.Mutex
	c := NewCond(&mu)

	mu.Lock()
	defer mu.Unlock()
	start := time.Now()
	err := c.Wait(context.Background(), NewDeadline(0))
	assert.ErrorIs(t, err, errs.ErrTimedout)
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestCondWaitContextCancel(t *testing.T) {
	var mu sync.Mutex
	c := NewCond(&mu)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	mu.Lock()
	err := c.Wait(ctx, Forever)
	mu.Unlock()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCondRelocksAfterWait(t *testing.T) {
	var mu sync.Mutex
	c := NewCond(&mu)

	mu.Lock()
	_ = c.Wait(context.Background(), NewDeadline(time.Millisecond))
	assert.False(t, mu.TryLock(), "lock must be held again after Wait returns")
	mu.Unlock()
}

func TestBarrierElectsOneSerial(t *testing.T) {
	const n = 5
	b := NewBarrier(n)

	for round := 0; round < 3; round++ {
		var serials atomic.Int32
		var wg sync.WaitGroup
		wg.Add(n)
		for range n {
			go func() {
				defer wg.Done()
				serial, err := b.Wait(context.Background(), nil)
				assert.NoError(t, err)
				if serial {
					serials.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), serials.Load(), "round %d: exactly one serial party", round)
		assert.Equal(t, 0, b.Waiting())
	}
}

func TestBarrierAbortWithdraws(t *testing.T) {
	b := NewBarrier(2)
	abort := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := b.Wait(context.Background(), abort)
		done <- err
	}()

	require.Eventually(t, func() bool { return b.Waiting() == 1 }, time.Second, time.Millisecond)
	close(abort)
	assert.ErrorIs(t, <-done, ErrAborted)
	assert.Equal(t, 0, b.Waiting(), "aborted party must withdraw its arrival")

	// The barrier is still usable for a full cycle afterwards.
	var wg sync.WaitGroup
	wg.Add(2)
	for range 2 {
		go func() {
			defer wg.Done()
			_, err := b.Wait(context.Background(), nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestBarrierContextCancel(t *testing.T) {
	b := NewBarrier(3)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Wait(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, b.Waiting())
}

func TestNewBarrierPanics(t *testing.T) {
	mustPanic(t, "n > 0", func() { NewBarrier(0) })
}

func TestLockExcludesAndHonoursContext(t *testing.T) {
	l := NewLock()
	require.NoError(t, l.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Lock(ctx), context.DeadlineExceeded, "a held lock is not taken twice")

	got := make(chan error, 1)
	go func() { got <- l.Lock(context.Background()) }()
	select {
	case <-got:
		t.Fatal("second Lock returned while the lock was held")
	case <-time.After(10 * time.Millisecond):
	}
	l.Unlock()
	require.NoError(t, <-got)
	l.Unlock()

	done, stop := context.WithCancel(context.Background())
	stop()
	assert.ErrorIs(t, l.Lock(done), context.Canceled, "a done context never takes the lock")
	mustPanic(t, "unlock of unlocked", l.Unlock)
}
