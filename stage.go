package dataplane

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baxromumarov/dataplane/errs"
	"github.com/baxromumarov/dataplane/gstate"
	"github.com/baxromumarov/dataplane/internal/syncx"
)

// Stage is a named pool of workers that repeatedly fetch, process and
// throw batches of fixed-size events.
//
// A Stage must be created via [NewStage]. Its life cycle is
//
//	Initialized -> Setup -> Started <-> Paused
//	Started -> (Shutdown | Cancel) -> Wait -> Shutdown | Canceled
//	Shutdown | Canceled -> Reset -> Finalized -> Start ...
//
// and it ends with Destroy. Lifecycle methods are safe for concurrent use.
// Callbacks run with no stage lock held except Setup, Finalize, Shutdown
// and Freeup, which must not call lifecycle methods of their own stage.
type Stage struct {
	name      string
	id        uuid.UUID
	nWorkers  int
	eventSize int
	maxBatch  int
	cb        Callbacks
	cycle     cycleFunc
	cfg       config
	log       zerolog.Logger

	// mu serializes lifecycle operations.
	mu       sync.Mutex
	state    atomic.Int32
	grace    atomic.Int32
	doLoop   atomic.Bool
	workers  []*worker
	tickStop chan struct{}

	// waitMu serializes Wait; it is taken before mu.
	waitMu sync.Mutex

	finalMu    sync.Mutex
	nCanceled  int
	nShutdown  int
	workerErrs []error
	lastErr    error
	exited     atomic.Int32

	pauseMu        sync.Mutex
	pauseCond      *syncx.Cond // signalled when the stage reaches Paused or a worker exits
	resumeCond     *syncx.Cond
	pauseRequested bool
	pauseGen       uint64
	pauseAbort     chan struct{}
	pausing        atomic.Bool
	barrier        *syncx.Barrier

	maintMu      sync.Mutex
	maintQueue   []*maintRequest
	maintOpen    bool
	maintPending atomic.Int32
	maintLock    *syncx.Lock

	cycles    atomic.Int64
	fetched   atomic.Int64
	processed atomic.Int64
	thrown    atomic.Int64
}

// NewStage creates a stage of nWorkers workers, each owning a buffer of
// maxBatch events of eventSize bytes, and registers it under name.
//
// It fails with [errs.ErrInvalidArgs] on a malformed argument or a nil
// Main callback, with [errs.ErrNoMemory] if the batch buffer size
// overflows and with [errs.ErrAlreadyExists] if name is taken.
func NewStage(name string, nWorkers, eventSize, maxBatch int, cb Callbacks, opts ...Option) (*Stage, error) {
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: empty stage name", errs.ErrInvalidArgs)
	case nWorkers <= 0:
		return nil, fmt.Errorf("%w: stage %q: workers must be positive, got %d", errs.ErrInvalidArgs, name, nWorkers)
	case eventSize <= 0:
		return nil, fmt.Errorf("%w: stage %q: event size must be positive, got %d", errs.ErrInvalidArgs, name, eventSize)
	case maxBatch <= 0:
		return nil, fmt.Errorf("%w: stage %q: max batch must be positive, got %d", errs.ErrInvalidArgs, name, maxBatch)
	case cb.Main == nil:
		return nil, fmt.Errorf("%w: stage %q: main callback is required", errs.ErrInvalidArgs, name)
	}
	if maxBatch > math.MaxInt/eventSize {
		return nil, fmt.Errorf("%w: stage %q: batch of %d x %d bytes", errs.ErrNoMemory, name, maxBatch, eventSize)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Stage{
		name:      name,
		id:        uuid.New(),
		nWorkers:  nWorkers,
		eventSize: eventSize,
		maxBatch:  maxBatch,
		cb:        cb,
		cycle:     selectCycle(&cb),
		cfg:       cfg,
		maintLock: syncx.NewLock(),
	}
	s.log = cfg.log.With().Str("stage", name).Logger()
	s.pauseCond = syncx.NewCond(&s.pauseMu)
	s.resumeCond = syncx.NewCond(&s.pauseMu)

	s.workers = make([]*worker, nWorkers)
	for i := range s.workers {
		s.workers[i] = &worker{
			stage: s,
			idx:   i,
			buf:   make([]byte, eventSize*maxBatch),
		}
	}

	if err := cfg.reg.add(s); err != nil {
		return nil, err
	}
	s.setState(StateInitialized)
	s.log.Debug().Stringer("id", s.id).Int("workers", nWorkers).Msg("stage created")
	return s, nil
}

// Name returns the stage name.
func (s *Stage) Name() string { return s.name }

// ID returns the identity the stage is registered under.
func (s *Stage) ID() uuid.UUID { return s.id }

// State returns the current lifecycle state.
func (s *Stage) State() State { return State(s.state.Load()) }

// Grace returns the grace level of the current run's shutdown, or
// gstate.GraceUnknown if none was requested.
func (s *Stage) Grace() gstate.GraceLevel { return gstate.GraceLevel(s.grace.Load()) }

// Workers returns the number of workers.
func (s *Stage) Workers() int { return s.nWorkers }

// EventSize returns the size of one event in bytes.
func (s *Stage) EventSize() int { return s.eventSize }

// MaxBatch returns the maximum number of events per cycle.
func (s *Stage) MaxBatch() int { return s.maxBatch }

// Err returns the joined worker errors of the last completed run.
func (s *Stage) Err() error {
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	return s.lastErr
}

// check validates the handle.
func (s *Stage) check() error {
	if s == nil {
		return fmt.Errorf("%w: nil stage", errs.ErrInvalidArgs)
	}
	if !s.cfg.reg.Contains(s) {
		return fmt.Errorf("%w: stage %q (%s)", errs.ErrInvalidObject, s.name, s.id)
	}
	return nil
}

func (s *Stage) setState(st State) {
	from := State(s.state.Swap(int32(st)))
	if from != st {
		s.log.Debug().Stringer("from", from).Stringer("to", st).Msg("stage state changed")
	}
	s.cfg.metrics.StageState(s.name, int(st))
}

func (s *Stage) transitionError(op string) error {
	return fmt.Errorf("%w: %s stage %q in state %s", errs.ErrInvalidStateTransition, op, s.name, s.State())
}

// Setup runs the setup callback and moves the stage from Initialized to
// Setup. Calling it again in Setup succeeds without effect. A callback
// error is returned and leaves the state unchanged.
func (s *Stage) Setup() error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateSetup:
		return nil
	case StateInitialized:
	default:
		return s.transitionError("setup")
	}

	if s.cb.Setup != nil {
		if err := s.cb.Setup(s); err != nil {
			return fmt.Errorf("stage %q: setup: %w", s.name, err)
		}
	}
	s.setState(StateSetup)
	return nil
}

// Start launches the workers. It is valid from Initialized, Setup and
// Finalized. Workers block until the global state reaches Started.
func (s *Stage) Start() error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateInitialized, StateSetup, StateFinalized:
	default:
		return s.transitionError("start")
	}

	s.resetRun()
	s.doLoop.Store(true)

	for i, w := range s.workers {
		if err := w.start(s.cfg.ctx); err != nil {
			s.abortStart(i)
			return fmt.Errorf("stage %q: start worker %d: %w", s.name, i, err)
		}
	}

	s.setState(StateStarted)
	s.startTicker()
	s.log.Info().Int("workers", s.nWorkers).Msg("stage started")
	return nil
}

// resetRun clears the per-run state. s.mu must be held.
func (s *Stage) resetRun() {
	s.finalMu.Lock()
	s.nCanceled = 0
	s.nShutdown = 0
	s.workerErrs = nil
	s.lastErr = nil
	s.finalMu.Unlock()
	s.exited.Store(0)

	s.grace.Store(int32(gstate.GraceUnknown))
	s.resetCounters()

	s.pauseMu.Lock()
	s.pauseRequested = false
	s.pausing.Store(false)
	s.pauseAbort = nil
	s.barrier = syncx.NewBarrier(s.nWorkers)
	s.pauseMu.Unlock()

	s.openMaintenance()
}

// abortStart cancels and reaps the first n workers after a failed start.
// s.mu must be held.
func (s *Stage) abortStart(n int) {
	for _, w := range s.workers[:n] {
		w.th.Cancel()
	}
	for _, w := range s.workers[:n] {
		_ = w.th.Wait(syncx.Forever)
	}
	s.doLoop.Store(false)
	s.closeMaintenance()

	s.finalMu.Lock()
	s.nCanceled = 0
	s.nShutdown = 0
	s.workerErrs = nil
	s.finalMu.Unlock()
}

// cancelWorkers cancels every running worker and forces an immediate
// shutdown for workers that do not observe their context. s.mu must be held.
func (s *Stage) cancelWorkers() {
	for _, w := range s.workers {
		if w.th != nil {
			w.th.Cancel()
		}
	}
	s.grace.Store(int32(gstate.RightNow))
	s.doLoop.Store(false)
}

// Cancel cancels every worker's context. It is valid from Started only.
// Workers observe cancellation at their next check; [Stage.Wait] then
// commits StateCanceled.
func (s *Stage) Cancel() error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStarted {
		return s.transitionError("cancel")
	}
	s.cancelWorkers()
	s.log.Info().Msg("stage canceled")
	return nil
}

// Shutdown asks the workers to stop. A paused stage is resumed first.
//
// With [gstate.Gracefully], each worker finishes its in-flight cycle and
// exits at its next loop check. Graceful shutdown does not drain: a
// worker stops even if its last fetch returned events, so input still
// queued upstream is left to the Shutdown callback. With [gstate.RightNow], workers are also
// cancelled. Use [Stage.Wait] to reap them.
func (s *Stage) Shutdown(level gstate.GraceLevel) error {
	if err := s.check(); err != nil {
		return err
	}
	if !level.Valid() {
		return fmt.Errorf("%w: grace level %d", errs.ErrInvalidArgs, level)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.State().running() {
		return s.transitionError("shut down")
	}
	if s.State() != StateStarted {
		s.pauseMu.Lock()
		s.endPauseLocked()
		s.pauseMu.Unlock()
		s.setState(StateStarted)
	}

	s.grace.Store(int32(level))
	if level == gstate.RightNow {
		s.cancelWorkers()
	}
	s.log.Info().Stringer("grace", level).Msg("stage shutdown requested")
	return nil
}

// Wait blocks until every worker has exited or the timeout elapses, then
// commits StateShutdown, or StateCanceled if any worker was cancelled.
// It then runs the Finalize and Shutdown callbacks once.
//
// A negative timeout waits forever. On [errs.ErrTimedout] the state is
// left unchanged and Wait may be called again. Lifecycle operations such
// as Shutdown and Cancel may run while Wait blocks.
//
// The result joins every [*WorkerError] of the run with the Shutdown
// callback's error.
func (s *Stage) Wait(timeout time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	d := syncx.NewDeadline(timeout)

	s.waitMu.Lock()
	defer s.waitMu.Unlock()

	s.mu.Lock()
	if s.State() != StateStarted {
		defer s.mu.Unlock()
		return s.transitionError("wait for")
	}
	s.mu.Unlock()

	for _, w := range s.workers {
		if err := w.th.Wait(d); err != nil {
			return fmt.Errorf("stage %q: wait for worker %d: %w", s.name, w.idx, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateStarted {
		return s.transitionError("wait for")
	}
	return s.finishLocked()
}

// finishLocked commits the end of a run once every worker has exited.
// s.mu must be held.
func (s *Stage) finishLocked() error {
	s.finalMu.Lock()
	nShutdown, nCanceled := s.nShutdown, s.nCanceled
	werr := errors.Join(s.workerErrs...)
	s.lastErr = werr
	s.finalMu.Unlock()

	if nShutdown != s.nWorkers {
		errs.Fatalf("stage %q: all %d workers were reaped but %d reported exit",
			s.name, s.nWorkers, nShutdown)
	}

	canceled := nCanceled > 0
	if canceled {
		s.setState(StateCanceled)
	} else {
		s.setState(StateShutdown)
	}
	s.closeMaintenance()
	s.stopTicker()

	if s.cb.Finalize != nil {
		s.cb.Finalize(s, canceled)
	}
	var serr error
	if s.cb.Shutdown != nil {
		if err := s.cb.Shutdown(s, s.Grace()); err != nil {
			serr = fmt.Errorf("stage %q: shutdown callback: %w", s.name, err)
		}
	}
	s.doLoop.Store(false)

	s.log.Info().
		Stringer("state", s.State()).
		Int("canceled", nCanceled).
		Bool("failed", werr != nil).
		Msg("stage stopped")
	if serr != nil {
		return errors.Join(werr, serr)
	}
	return werr
}

// Reset moves a stopped stage (Shutdown or Canceled) to Finalized so it
// can be started again.
func (s *Stage) Reset() error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateShutdown, StateCanceled:
		s.setState(StateFinalized)
		return nil
	default:
		return s.transitionError("reset")
	}
}

// Submit hands n events in buf to the stage's schedule callback and
// returns how many were accepted.
func (s *Stage) Submit(ctx context.Context, buf []byte, n int) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if s.cb.Schedule == nil {
		return 0, fmt.Errorf("%w: stage %q has no schedule callback", errs.ErrUnsupported, s.name)
	}
	if n < 0 || n > len(buf)/s.eventSize {
		return 0, fmt.Errorf("%w: stage %q: %d events do not fit in %d bytes",
			errs.ErrInvalidArgs, s.name, n, len(buf))
	}
	return s.cb.Schedule(ctx, s, buf[:n*s.eventSize], n)
}

// Destroy cancels and reaps the workers, runs the Freeup callback and
// removes the stage from its registry. Every later call on s fails with
// [errs.ErrInvalidObject].
func (s *Stage) Destroy() error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateDestroying {
		return s.transitionError("destroy")
	}
	s.setState(StateDestroying)

	s.cancelWorkers()
	s.pauseMu.Lock()
	s.endPauseLocked()
	s.pauseMu.Unlock()
	for _, w := range s.workers {
		if w.th != nil {
			_ = w.th.Wait(syncx.Forever)
		}
	}
	s.closeMaintenance()
	s.stopTicker()

	if s.cb.Freeup != nil {
		s.cb.Freeup(s)
	}
	if err := s.cfg.reg.remove(s); err != nil {
		s.log.Warn().Err(err).Msg("stage deregistration failed")
	}
	s.log.Debug().Msg("stage destroyed")
	return nil
}
