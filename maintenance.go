package dataplane

import (
	"context"
	"fmt"

	"github.com/baxromumarov/dataplane/errs"
)

type maintRequest struct {
	arg  any
	done chan error
}

// Maintenance asks one worker to run the maintenance callback with arg
// between two cycles and blocks until it has run or ctx is done.
//
// Maintenance runs are mutually exclusive with each other and with the
// executing worker's cycle. Without a maintenance callback the call
// succeeds without effect. Requests still queued when the run ends fail
// with [errs.ErrNotOperational].
func (s *Stage) Maintenance(ctx context.Context, arg any) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.cb.Maintenance == nil {
		return nil
	}

	req := &maintRequest{arg: arg, done: make(chan error, 1)}

	s.mu.Lock()
	if s.State() != StateStarted {
		defer s.mu.Unlock()
		return s.transitionError("maintain")
	}
	s.maintMu.Lock()
	if !s.maintOpen {
		s.maintMu.Unlock()
		s.mu.Unlock()
		return fmt.Errorf("%w: stage %q is not accepting maintenance", errs.ErrNotOperational, s.name)
	}
	s.maintQueue = append(s.maintQueue, req)
	s.maintPending.Add(1)
	s.maintMu.Unlock()
	s.mu.Unlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nextMaintenance pops the oldest pending request.
func (s *Stage) nextMaintenance() *maintRequest {
	s.maintMu.Lock()
	defer s.maintMu.Unlock()
	if len(s.maintQueue) == 0 {
		return nil
	}
	req := s.maintQueue[0]
	s.maintQueue[0] = nil
	s.maintQueue = s.maintQueue[1:]
	s.maintPending.Add(-1)
	return req
}

func (s *Stage) openMaintenance() {
	s.maintMu.Lock()
	s.maintOpen = true
	s.maintMu.Unlock()
}

// closeMaintenance stops accepting requests and fails the pending ones.
func (s *Stage) closeMaintenance() {
	s.maintMu.Lock()
	pending := s.maintQueue
	s.maintQueue = nil
	s.maintOpen = false
	s.maintPending.Store(0)
	s.maintMu.Unlock()

	for _, req := range pending {
		req.done <- fmt.Errorf("%w: stage %q stopped before maintenance ran", errs.ErrNotOperational, s.name)
	}
}

// maintain runs req on w. The callback's error, or its recovered panic,
// goes to the requester only. maintain fails only when ctx is done.
func (w *worker) maintain(ctx context.Context, req *maintRequest) error {
	s := w.stage
	if err := s.maintLock.Lock(ctx); err != nil {
		req.done <- err
		return err
	}
	defer s.maintLock.Unlock()

	s.log.Debug().Int("worker", w.idx).Msg("running maintenance")
	req.done <- w.runMaintenance(ctx, req.arg)
	return nil
}

func (w *worker) runMaintenance(ctx context.Context, arg any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.NewPanicError(r)
		}
	}()
	return w.stage.cb.Maintenance(ctx, w.stage, arg)
}
