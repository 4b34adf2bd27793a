package dataplane

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/dataplane/bbq"
	"github.com/baxromumarov/dataplane/errs"
	"github.com/baxromumarov/dataplane/gstate"
)

type testEnv struct {
	reg   *Registry
	coord *gstate.Coordinator
}

func newTestEnv() testEnv {
	return testEnv{reg: NewRegistry(), coord: gstate.New()}
}

func (e testEnv) stage(t *testing.T, name string, workers int, cb Callbacks) *Stage {
	t.Helper()
	s, err := NewStage(name, workers, testEventSize, testMaxBatch, cb,
		WithRegistry(e.reg), WithCoordinator(e.coord))
	require.NoError(t, err)
	return s
}

func (e testEnv) pipeline(t *testing.T, stages ...*Stage) *Pipeline {
	t.Helper()
	p := NewPipeline(WithPipelineCoordinator(e.coord))
	require.NoError(t, p.Add(stages...))
	t.Cleanup(func() { _ = p.Destroy() })
	return p
}

func runAsync(p *Pipeline, timeout time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), timeout) }()
	return done
}

func awaitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline run did not return")
		return nil
	}
}

// TestPipelineRunSourceToSink pushes a fixed number of sequence-numbered
// events from a source stage through a bounded queue into a sink stage.
func TestPipelineRunSourceToSink(t *testing.T) {
	const total = 200
	env := newTestEnv()

	q, err := bbq.New(testEventSize, 16, nil)
	require.NoError(t, err)

	var received, sum atomic.Int64
	sink := env.stage(t, "sink", 1, Callbacks{
		Schedule: func(ctx context.Context, _ *Stage, buf []byte, n int) (int, error) {
			for i := 0; i < n; i++ {
				if err := q.Put(ctx, buf[i*testEventSize:(i+1)*testEventSize]); err != nil {
					return i, err
				}
			}
			return n, nil
		},
		Fetch: func(ctx context.Context, _ *Stage, _ int, buf []byte, n int) (int, error) {
			got := 0
			for got < n {
				if err := q.GetTimeout(buf[got*testEventSize:(got+1)*testEventSize], 5*time.Millisecond); err != nil {
					break
				}
				got++
			}
			return got, nil
		},
		Main: func(_ context.Context, _ *Stage, _ int, buf []byte, n int) (int, error) {
			for i := 0; i < n; i++ {
				sum.Add(int64(binary.LittleEndian.Uint64(buf[i*testEventSize:])))
			}
			received.Add(int64(n))
			return n, nil
		},
		Shutdown: func(*Stage, gstate.GraceLevel) error {
			q.Shutdown(false)
			return nil
		},
	})

	var next atomic.Int64
	var downstream *Stage
	source := env.stage(t, "source", 1, Callbacks{
		Setup: func(s *Stage) error {
			var err error
			downstream, err = env.reg.Find("sink")
			return err
		},
		Fetch: func(_ context.Context, _ *Stage, _ int, buf []byte, n int) (int, error) {
			made := 0
			for made < n && next.Load() < total {
				binary.LittleEndian.PutUint64(buf[made*testEventSize:], uint64(next.Add(1)-1))
				made++
			}
			if made == 0 {
				time.Sleep(time.Millisecond)
			}
			return made, nil
		},
		Main: func(_ context.Context, _ *Stage, _ int, _ []byte, n int) (int, error) {
			return n, nil
		},
		Throw: func(ctx context.Context, _ *Stage, _ int, buf []byte, n int) (int, error) {
			return downstream.Submit(ctx, buf, n)
		},
	})

	p := env.pipeline(t, sink, source)
	done := runAsync(p, time.Second)

	require.Eventually(t, func() bool { return received.Load() == total }, 2*time.Second, time.Millisecond)
	require.NoError(t, env.coord.RequestShutdown(context.Background(), gstate.Gracefully))
	require.NoError(t, awaitRun(t, done))

	assert.Equal(t, int64(total*(total-1)/2), sum.Load(), "every event arrives exactly once")
	assert.Equal(t, gstate.Finalized, env.coord.Get())
	assert.Equal(t, StateShutdown, sink.State())
	assert.Equal(t, StateShutdown, source.State())
	assert.False(t, q.IsOperational(), "sink shutdown callback closed its queue")

	stats := p.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "sink", stats[0].Name)
	assert.Equal(t, int64(total), stats[1].Thrown)
}

func TestPipelineRunRightNow(t *testing.T) {
	env := newTestEnv()
	a := env.stage(t, "a", 2, Callbacks{Main: blockingMain})
	b := env.stage(t, "b", 2, Callbacks{Main: spinMain})
	p := env.pipeline(t, a, b)

	done := runAsync(p, time.Second)
	_, _, err := env.coord.WaitFor(context.Background(), gstate.Started, time.Second)
	require.NoError(t, err)
	require.NoError(t, env.coord.RequestShutdown(context.Background(), gstate.RightNow))
	require.NoError(t, awaitRun(t, done))

	assert.Equal(t, StateCanceled, a.State())
	assert.Equal(t, StateCanceled, b.State())
	assert.Equal(t, gstate.RightNow, env.coord.Grace())
}

func TestPipelineRunFallsBackToCancel(t *testing.T) {
	env := newTestEnv()
	stuck := env.stage(t, "stuck", 2, Callbacks{Main: blockingMain})
	p := env.pipeline(t, stuck)

	done := runAsync(p, 30*time.Millisecond)
	_, _, err := env.coord.WaitFor(context.Background(), gstate.Started, time.Second)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, env.coord.RequestShutdown(context.Background(), gstate.Gracefully))
	require.NoError(t, awaitRun(t, done))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond, "the graceful attempt gets its full timeout")
	assert.Equal(t, StateCanceled, stuck.State())
	assert.Equal(t, gstate.Finalized, env.coord.Get())
}

func TestPipelineRunContextEndsRun(t *testing.T) {
	env := newTestEnv()
	s := env.stage(t, "ctx", 1, Callbacks{Main: spinMain})
	p := env.pipeline(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx, time.Second))
	assert.Equal(t, StateShutdown, s.State(), "a done context counts as a graceful request")
	assert.Equal(t, gstate.Finalized, env.coord.Get())
}

func TestPipelineRunReportsWorkerErrors(t *testing.T) {
	env := newTestEnv()
	boom := errors.New("boom")
	s := env.stage(t, "failing", 2, Callbacks{
		Main: func(context.Context, *Stage, int, []byte, int) (int, error) { return 0, boom },
	})
	p := env.pipeline(t, s)

	done := runAsync(p, time.Second)
	require.Eventually(t, func() bool { return s.Stats().Shutdown == 2 }, time.Second, time.Millisecond)
	require.NoError(t, env.coord.RequestShutdown(context.Background(), gstate.Gracefully))

	err := awaitRun(t, done)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, AllWorkerErrors(err), 2)
}

func TestPipelineRunSetupFailure(t *testing.T) {
	env := newTestEnv()
	bad := errors.New("no downstream")
	s := env.stage(t, "bad-setup", 1, Callbacks{
		Main:  spinMain,
		Setup: func(*Stage) error { return bad },
	})
	p := env.pipeline(t, s)

	assert.ErrorIs(t, p.Run(context.Background(), time.Second), bad)
	assert.Equal(t, StateInitialized, s.State())
}

func TestPipelineAdd(t *testing.T) {
	env := newTestEnv()
	s := env.stage(t, "only", 1, Callbacks{Main: spinMain})
	p := env.pipeline(t, s)

	assert.ErrorIs(t, p.Add(nil), errs.ErrInvalidArgs)
	assert.ErrorIs(t, p.Add(s), errs.ErrAlreadyExists)
	assert.Len(t, p.Stats(), 1)
}

func TestPipelineManualLifecycle(t *testing.T) {
	env := newTestEnv()
	require.NoError(t, env.coord.Set(gstate.Started))

	release := make(chan struct{})
	entered := make(chan struct{})
	var enterOnce sync.Once
	slow := env.stage(t, "slow", 1, Callbacks{
		Main: func(ctx context.Context, _ *Stage, _ int, _ []byte, n int) (int, error) {
			enterOnce.Do(func() { close(entered) })
			select {
			case <-release:
				return n, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
	})
	fast := env.stage(t, "fast", 1, Callbacks{Main: spinMain})
	p := env.pipeline(t, slow, fast)

	require.NoError(t, p.Setup())
	require.NoError(t, p.Start())
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("slow stage never entered its main callback")
	}
	require.NoError(t, p.Shutdown(gstate.Gracefully))

	err := p.Wait(30 * time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrTimedout)
	assert.Equal(t, StateShutdown, fast.State(), "stages that stopped are committed")
	assert.Equal(t, StateStarted, slow.State())

	close(release)
	require.NoError(t, p.Wait(time.Second))
	assert.Equal(t, StateShutdown, slow.State())

	require.NoError(t, p.Shutdown(gstate.Gracefully), "stopped stages are skipped")
	require.NoError(t, p.Cancel())
}
