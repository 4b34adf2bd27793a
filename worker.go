package dataplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/baxromumarov/dataplane/errs"
	"github.com/baxromumarov/dataplane/gstate"
	"github.com/baxromumarov/dataplane/internal/thread"
)

type worker struct {
	stage *Stage
	idx   int
	buf   []byte
	th    *thread.Thread
}

func (w *worker) info() WorkerInfo {
	return WorkerInfo{Stage: w.stage.name, Index: w.idx}
}

// start launches a fresh thread for this run.
func (w *worker) start(parent context.Context) error {
	th, err := thread.New(fmt.Sprintf("%s:%d", w.stage.name, w.idx), w.run, w.finalize)
	if err != nil {
		return err
	}
	w.th = th
	return th.Start(parent)
}

func (w *worker) run(ctx context.Context) error {
	s := w.stage

	if _, _, err := s.cfg.coord.WaitFor(ctx, gstate.Started, -1); err != nil {
		if errors.Is(err, errs.ErrNotOperational) {
			s.log.Warn().Int("worker", w.idx).Msg("global state shut down before start, worker not run")
			return nil
		}
		return err
	}

	if s.cfg.onWorkerStart != nil {
		s.cfg.onWorkerStart(w.info())
	}
	s.log.Debug().Int("worker", w.idx).Msg("worker started")

	for s.doLoop.Load() && s.Grace() == gstate.GraceUnknown {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.pausing.Load() {
			if err := w.pause(ctx); err != nil {
				return err
			}
			continue
		}
		if s.maintPending.Load() > 0 {
			if req := s.nextMaintenance(); req != nil {
				if err := w.maintain(ctx, req); err != nil {
					return err
				}
				continue
			}
		}
		if err := s.cycle(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) finalize(canceled bool, err error) {
	s := w.stage
	info := w.info()

	s.finalMu.Lock()
	if canceled {
		s.nCanceled++
	}
	s.nShutdown++
	if err != nil && !(canceled && isContextError(err)) {
		s.workerErrs = append(s.workerErrs, &WorkerError{Worker: info, Err: err})
	} else {
		err = nil
	}
	s.finalMu.Unlock()

	// wake a pauser that can no longer be satisfied
	s.exited.Add(1)
	s.pauseMu.Lock()
	s.pauseCond.Broadcast()
	s.pauseMu.Unlock()

	s.cfg.metrics.WorkerExit(s.name, canceled, err)
	if s.cfg.onWorkerExit != nil {
		s.cfg.onWorkerExit(info, err, canceled)
	}

	if err != nil {
		ev := s.log.Error().Err(err).Int("worker", w.idx)
		var pe *errs.PanicError
		if errors.As(err, &pe) {
			ev = ev.Str("stack", pe.Stack)
		}
		ev.Msg("worker failed")
		return
	}
	s.log.Debug().Int("worker", w.idx).Bool("canceled", canceled).Msg("worker exited")
}

func isContextError(err error) bool {
	return thread.IsCancellation(err) || errors.Is(err, context.DeadlineExceeded)
}

// cycleFunc runs one fetch/main/throw iteration.
type cycleFunc func(ctx context.Context, w *worker) error

func selectCycle(cb *Callbacks) cycleFunc {
	switch {
	case cb.Fetch != nil && cb.Throw != nil:
		return cycleFetchMainThrow
	case cb.Fetch != nil:
		return cycleFetchMain
	case cb.Throw != nil:
		return cycleMainThrow
	default:
		return cycleMain
	}
}

func cycleFetchMainThrow(ctx context.Context, w *worker) error {
	cb := &w.stage.cb
	f, err := w.phase(ctx, "fetch", cb.Fetch, w.stage.maxBatch)
	if err != nil || f == 0 {
		w.record(f, 0, 0)
		return err
	}
	p, err := w.phase(ctx, "main", cb.Main, f)
	if err != nil || p == 0 {
		w.record(f, p, 0)
		return err
	}
	t, err := w.phase(ctx, "throw", cb.Throw, p)
	w.record(f, p, t)
	return err
}

func cycleFetchMain(ctx context.Context, w *worker) error {
	cb := &w.stage.cb
	f, err := w.phase(ctx, "fetch", cb.Fetch, w.stage.maxBatch)
	if err != nil || f == 0 {
		w.record(f, 0, 0)
		return err
	}
	p, err := w.phase(ctx, "main", cb.Main, f)
	w.record(f, p, 0)
	return err
}

func cycleMainThrow(ctx context.Context, w *worker) error {
	cb := &w.stage.cb
	p, err := w.phase(ctx, "main", cb.Main, w.stage.maxBatch)
	if err != nil || p == 0 {
		w.record(0, p, 0)
		return err
	}
	t, err := w.phase(ctx, "throw", cb.Throw, p)
	w.record(0, p, t)
	return err
}

func cycleMain(ctx context.Context, w *worker) error {
	p, err := w.phase(ctx, "main", w.stage.cb.Main, w.stage.maxBatch)
	w.record(0, p, 0)
	return err
}

// phase runs one callback and validates the count it returns.
func (w *worker) phase(ctx context.Context, name string, fn BatchFunc, n int) (int, error) {
	s := w.stage
	got, err := fn(ctx, s, w.idx, w.buf, n)
	if err != nil {
		return 0, err
	}
	if got < 0 || got > s.maxBatch {
		return 0, fmt.Errorf("%w: %s returned %d events, want 0..%d",
			errs.ErrInvalidArgs, name, got, s.maxBatch)
	}
	return got, nil
}

func (w *worker) record(fetched, processed, thrown int) {
	s := w.stage
	s.cycles.Add(1)
	s.fetched.Add(int64(fetched))
	s.processed.Add(int64(processed))
	s.thrown.Add(int64(thrown))
	s.cfg.metrics.Cycle(s.name, fetched, processed, thrown)
}
