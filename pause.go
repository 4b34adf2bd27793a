package dataplane

import (
	"context"
	"fmt"
	"time"

	"github.com/baxromumarov/dataplane/errs"
	"github.com/baxromumarov/dataplane/internal/syncx"
)

// Pause parks every worker between cycles and moves the stage to Paused.
//
// It blocks until all workers have reached the pause barrier, the timeout
// elapses or a worker exits. On failure the request is withdrawn and the
// workers carry on. A negative timeout waits forever. Pausing a paused
// stage succeeds without effect.
//
// Workers only pause at the top of their loop, so a worker blocked inside
// a callback delays the pause until the callback returns.
func (s *Stage) Pause(timeout time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	d := syncx.NewDeadline(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StatePaused:
		return nil
	case StateStarted:
	default:
		return s.transitionError("pause")
	}

	begin := time.Now()
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()

	s.pauseGen++
	s.pauseRequested = true
	s.pauseAbort = make(chan struct{})
	s.pausing.Store(true)

	for s.State() != StatePaused {
		var err error
		if n := s.exited.Load(); n > 0 {
			err = fmt.Errorf("%w: %d of %d workers have exited", errs.ErrNotOperational, n, s.nWorkers)
		} else {
			err = s.pauseCond.Wait(context.Background(), d)
		}
		if err != nil {
			if s.State() == StatePaused {
				break
			}
			s.endPauseLocked()
			return fmt.Errorf("stage %q: pause: %w", s.name, err)
		}
	}

	s.cfg.metrics.PauseLatency(s.name, time.Since(begin))
	s.log.Info().Dur("took", time.Since(begin)).Msg("stage paused")
	return nil
}

// Resume releases paused workers and moves the stage back to Started.
// Resuming a started stage succeeds without effect.
func (s *Stage) Resume() error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateStarted:
		return nil
	case StatePaused:
	default:
		return s.transitionError("resume")
	}

	s.pauseMu.Lock()
	s.endPauseLocked()
	s.pauseMu.Unlock()
	s.setState(StateStarted)
	s.log.Info().Msg("stage resumed")
	return nil
}

// endPauseLocked withdraws the current pause request and wakes every
// worker parked on it. s.pauseMu must be held.
func (s *Stage) endPauseLocked() {
	s.pauseRequested = false
	s.pausing.Store(false)
	if s.pauseAbort != nil {
		close(s.pauseAbort)
		s.pauseAbort = nil
	}
	s.resumeCond.Broadcast()
}

// pause is the worker side of the protocol. It returns nil when the
// worker should go back to its loop and ctx.Err() when it was cancelled.
func (w *worker) pause(ctx context.Context) error {
	s := w.stage

	s.pauseMu.Lock()
	if !s.pauseRequested {
		s.pauseMu.Unlock()
		return nil
	}
	gen, abort := s.pauseGen, s.pauseAbort
	barrier := s.barrier
	s.pauseMu.Unlock()

	serial, err := barrier.Wait(ctx, abort)
	if err != nil {
		// withdrawn unless ctx is done
		return ctx.Err()
	}

	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()

	active := func() bool { return s.pauseRequested && s.pauseGen == gen }
	if serial && active() {
		s.setState(StatePaused)
		s.pauseCond.Broadcast()
	}
	for active() {
		if err := s.resumeCond.Wait(ctx, syncx.Forever); err != nil {
			return err
		}
	}
	return nil
}
