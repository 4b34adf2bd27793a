package dataplane

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/baxromumarov/dataplane/gstate"
	"github.com/baxromumarov/dataplane/metrics"
)

// WorkerInfo identifies one worker of a stage.
// It is passed to the hooks registered via [WithOnWorkerStart] and
// [WithOnWorkerExit].
type WorkerInfo struct {
	Stage string
	Index int
}

type config struct {
	reg     *Registry
	coord   *gstate.Coordinator
	log     zerolog.Logger
	metrics *metrics.Collector
	ctx     context.Context

	statsInterval time.Duration
	onStats       func(StageStats)

	onWorkerStart func(WorkerInfo)
	onWorkerExit  func(WorkerInfo, error, bool)
}

// Option configures a [Stage].
type Option func(*config)

func defaultConfig() config {
	return config{
		reg:   DefaultRegistry(),
		coord: gstate.Default(),
		log:   zerolog.Nop(),
		ctx:   context.Background(),
	}
}

// WithRegistry registers the stage in r instead of the default registry.
// It panics if r is nil.
func WithRegistry(r *Registry) Option {
	if r == nil {
		panic("dataplane: WithRegistry requires non-nil registry")
	}
	return func(c *config) {
		c.reg = r
	}
}

// WithCoordinator sets the global state coordinator workers gate on.
// It panics if gc is nil.
func WithCoordinator(gc *gstate.Coordinator) Option {
	if gc == nil {
		panic("dataplane: WithCoordinator requires non-nil coordinator")
	}
	return func(c *config) {
		c.coord = gc
	}
}

// WithLogger sets the stage logger. Stages log nothing by default.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithMetrics reports stage activity to m. A nil collector disables
// metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithContext sets the parent of every worker context. Cancelling ctx
// cancels the workers.
// It panics if ctx is nil.
func WithContext(ctx context.Context) Option {
	if ctx == nil {
		panic("dataplane: WithContext requires non-nil context")
	}
	return func(c *config) {
		c.ctx = ctx
	}
}

// WithStatsInterval calls fn with a [StageStats] snapshot every interval
// while the stage is running.
// It panics if interval is not positive or fn is nil.
func WithStatsInterval(interval time.Duration, fn func(StageStats)) Option {
	if interval <= 0 {
		panic("dataplane: stats interval must be positive")
	}
	if fn == nil {
		panic("dataplane: WithStatsInterval requires non-nil callback")
	}
	return func(c *config) {
		c.statsInterval = interval
		c.onStats = fn
	}
}

// WithOnWorkerStart registers a hook invoked in the worker goroutine once
// the global state reaches Started, before the first cycle.
func WithOnWorkerStart(fn func(WorkerInfo)) Option {
	return func(c *config) {
		c.onWorkerStart = fn
	}
}

// WithOnWorkerExit registers a hook invoked in the worker goroutine after
// it leaves its loop. err is the worker's result and canceled reports
// whether the worker context was cancelled.
func WithOnWorkerExit(fn func(info WorkerInfo, err error, canceled bool)) Option {
	return func(c *config) {
		c.onWorkerExit = fn
	}
}
