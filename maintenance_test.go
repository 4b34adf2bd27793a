package dataplane

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/dataplane/errs"
	"github.com/baxromumarov/dataplane/gstate"
)

func TestStageMaintenanceMutualExclusion(t *testing.T) {
	var inside atomic.Int32
	var overlapped atomic.Bool
	var runs atomic.Int32
	bad := errors.New("bad arg")

	s := newTestStage(t, "maint", 4, Callbacks{
		Main: spinMain,
		Maintenance: func(ctx context.Context, _ *Stage, arg any) error {
			if arg == "fail" {
				return bad
			}
			if inside.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			runs.Add(1)
			return nil
		},
	})

	assert.ErrorIs(t, s.Maintenance(context.Background(), nil), errs.ErrInvalidStateTransition)
	require.NoError(t, s.Start())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Maintenance(context.Background(), i))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(8), runs.Load())
	assert.False(t, overlapped.Load(), "maintenance runs must not overlap")

	assert.ErrorIs(t, s.Maintenance(context.Background(), "fail"), bad)
	assert.Equal(t, StateStarted, s.State(), "a failed maintenance does not stop the stage")

	require.NoError(t, s.Shutdown(gstate.Gracefully))
	require.NoError(t, s.Wait(time.Second))
	assert.Zero(t, s.Stats().Errors)
}

func TestStageMaintenancePanic(t *testing.T) {
	s := newTestStage(t, "maint-panic", 1, Callbacks{
		Main:        spinMain,
		Maintenance: func(context.Context, *Stage, any) error { panic("bad maintenance") },
	})
	require.NoError(t, s.Start())

	var pe *errs.PanicError
	require.ErrorAs(t, s.Maintenance(context.Background(), nil), &pe)

	require.NoError(t, s.Shutdown(gstate.Gracefully))
	require.NoError(t, s.Wait(time.Second))
}

func TestStageMaintenanceWithoutCallback(t *testing.T) {
	s := newTestStage(t, "maint-none", 1, Callbacks{Main: spinMain})
	assert.NoError(t, s.Maintenance(context.Background(), nil))
}

func TestStageMaintenancePendingFailsAtWait(t *testing.T) {
	coord := gstate.New() // never Started, so workers never service requests
	s, err := NewStage("maint-pending", 2, 8, 4, Callbacks{
		Main:        spinMain,
		Maintenance: func(context.Context, *Stage, any) error { return nil },
	}, WithRegistry(NewRegistry()), WithCoordinator(coord))
	require.NoError(t, err)
	defer s.Destroy()
	require.NoError(t, s.Start())

	done := make(chan error, 1)
	go func() { done <- s.Maintenance(context.Background(), nil) }()
	require.Eventually(t, func() bool { return s.maintPending.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Cancel())
	require.NoError(t, s.Wait(time.Second))
	assert.Equal(t, StateCanceled, s.State())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errs.ErrNotOperational)
	case <-time.After(time.Second):
		t.Fatal("pending maintenance was not failed")
	}
}

func TestStageMaintenanceContext(t *testing.T) {
	coord := gstate.New()
	s, err := NewStage("maint-ctx", 1, 8, 4, Callbacks{
		Main:        spinMain,
		Maintenance: func(context.Context, *Stage, any) error { return nil },
	}, WithRegistry(NewRegistry()), WithCoordinator(coord))
	require.NoError(t, err)
	defer s.Destroy()
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Maintenance(ctx, nil), context.DeadlineExceeded)
}
