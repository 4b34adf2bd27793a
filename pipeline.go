package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baxromumarov/dataplane/errs"
	"github.com/baxromumarov/dataplane/gstate"
	"github.com/baxromumarov/dataplane/internal/syncx"
)

// Pipeline drives a set of stages as one unit. Stages are set up and
// started in the order they were added and stopped in reverse order, so
// add downstream stages (sinks) first.
type Pipeline struct {
	mu     sync.Mutex
	stages []*Stage
	log    zerolog.Logger
	coord  *gstate.Coordinator
}

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the pipeline logger.
func WithPipelineLogger(l zerolog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.log = l
	}
}

// WithPipelineCoordinator sets the coordinator [Pipeline.Run] drives.
// It panics if gc is nil.
func WithPipelineCoordinator(gc *gstate.Coordinator) PipelineOption {
	if gc == nil {
		panic("dataplane: WithPipelineCoordinator requires non-nil coordinator")
	}
	return func(p *Pipeline) {
		p.coord = gc
	}
}

// NewPipeline creates an empty pipeline.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		log:   zerolog.Nop(),
		coord: gstate.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add appends stages in order.
func (p *Pipeline) Add(stages ...*Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range stages {
		if s == nil {
			return fmt.Errorf("%w: nil stage", errs.ErrInvalidArgs)
		}
		for _, cur := range p.stages {
			if cur == s || cur.name == s.name {
				return fmt.Errorf("%w: stage %q already in pipeline", errs.ErrAlreadyExists, s.name)
			}
		}
		p.stages = append(p.stages, s)
	}
	return nil
}

func (p *Pipeline) snapshot() []*Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Stage(nil), p.stages...)
}

func reversed(stages []*Stage) []*Stage {
	out := make([]*Stage, len(stages))
	for i, s := range stages {
		out[len(stages)-1-i] = s
	}
	return out
}

// Setup sets up every stage in order and stops at the first failure.
func (p *Pipeline) Setup() error {
	for _, s := range p.snapshot() {
		if err := s.Setup(); err != nil {
			return err
		}
	}
	return nil
}

// Start starts every stage in order. If one fails, the stages already
// started are cancelled and reaped before the error is returned.
func (p *Pipeline) Start() error {
	stages := p.snapshot()
	for i, s := range stages {
		if err := s.Start(); err != nil {
			for _, started := range reversed(stages[:i]) {
				_ = started.Cancel()
				_ = started.Wait(-1)
			}
			return err
		}
	}
	return nil
}

// Shutdown asks every running stage to stop, in reverse order.
func (p *Pipeline) Shutdown(level gstate.GraceLevel) error {
	var errList []error
	for _, s := range reversed(p.snapshot()) {
		if !s.State().running() {
			continue
		}
		if err := s.Shutdown(level); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Cancel cancels every started stage, in reverse order.
func (p *Pipeline) Cancel() error {
	var errList []error
	for _, s := range reversed(p.snapshot()) {
		if s.State() != StateStarted {
			continue
		}
		if err := s.Cancel(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Wait waits for every started stage, in reverse order, against one
// deadline. A negative timeout waits forever. Errors are joined.
func (p *Pipeline) Wait(timeout time.Duration) error {
	pending, err := p.wait(timeout)
	if len(pending) > 0 {
		err = errors.Join(err, fmt.Errorf("%w: stages still running: %v", errs.ErrTimedout, pending))
	}
	return err
}

// wait returns the names of the stages still running at the deadline
// apart from the errors of the stages that stopped, since worker errors
// may themselves wrap errs.ErrTimedout.
func (p *Pipeline) wait(timeout time.Duration) (pending []string, err error) {
	d := syncx.NewDeadline(timeout)
	var errList []error
	for _, s := range reversed(p.snapshot()) {
		if s.State() != StateStarted {
			continue
		}
		if err := s.Wait(d.Remaining()); err != nil {
			if errors.Is(err, errs.ErrTimedout) && s.State() == StateStarted {
				pending = append(pending, s.name)
				continue
			}
			errList = append(errList, err)
		}
	}
	return pending, errors.Join(errList...)
}

// Destroy destroys every stage, in reverse order.
func (p *Pipeline) Destroy() error {
	var errList []error
	for _, s := range reversed(p.snapshot()) {
		if err := s.Destroy(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Stats returns a snapshot of every stage, in pipeline order.
func (p *Pipeline) Stats() []StageStats {
	stages := p.snapshot()
	out := make([]StageStats, 0, len(stages))
	for _, s := range stages {
		out = append(out, s.Stats())
	}
	return out
}

// Run drives the whole coordinated life cycle: it sets up and starts the
// stages while advancing the coordinator to Started, then blocks until a
// shutdown is requested through the coordinator (or ctx is done, which
// counts as a graceful request).
//
// It accepts the request, shuts the stages down at the requested grace
// level and waits up to shutdownTimeout. Stages still running then are
// cancelled and waited for without a limit. The coordinator ends in
// Finalized.
func (p *Pipeline) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	c := p.coord
	set := func(st gstate.State) error {
		if err := c.Set(st); err != nil {
			return fmt.Errorf("pipeline: global state %s: %w", st, err)
		}
		return nil
	}

	if err := set(gstate.Initializing); err != nil {
		return err
	}
	if err := p.Setup(); err != nil {
		return err
	}
	if err := set(gstate.Initialized); err != nil {
		return err
	}
	if err := set(gstate.Starting); err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}
	if err := set(gstate.Started); err != nil {
		return err
	}
	p.log.Info().Int("stages", len(p.snapshot())).Msg("pipeline started")

	level, err := c.WaitForShutdownRequest(ctx, -1)
	if err != nil {
		level = gstate.Gracefully
	}
	p.log.Info().Stringer("grace", level).Msg("pipeline shutting down")

	if err := set(gstate.AcceptShutdown); err != nil {
		return err
	}
	if err := set(gstate.ShuttingDown); err != nil {
		return err
	}

	serr := p.Shutdown(level)
	pending, werr := p.wait(shutdownTimeout)
	if len(pending) > 0 {
		p.log.Warn().Strs("stages", pending).Dur("timeout", shutdownTimeout).
			Msg("shutdown timed out, cancelling stages")
		_ = p.Cancel()
		_, cerr := p.wait(-1)
		werr = errors.Join(werr, cerr)
	}

	for _, st := range []gstate.State{gstate.Shutdown, gstate.Finalizing, gstate.Finalized} {
		if err := set(st); err != nil {
			return errors.Join(serr, werr, err)
		}
	}
	p.log.Info().Msg("pipeline stopped")
	return errors.Join(serr, werr)
}
