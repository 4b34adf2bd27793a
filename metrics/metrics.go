// Package metrics exports runtime activity to Prometheus.
//
// A [Collector] is created against a registerer and handed to stages via
// dataplane.WithMetrics. Every method is safe on a nil *Collector, so
// instrumented code never has to check whether metrics are enabled.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/baxromumarov/dataplane/bbq"
	"github.com/baxromumarov/dataplane/gstate"
)

// Collector holds the runtime's Prometheus instruments.
type Collector struct {
	reg prometheus.Registerer

	stageState   *prometheus.GaugeVec
	cycles       *prometheus.CounterVec
	events       *prometheus.CounterVec
	workerExits  *prometheus.CounterVec
	pauseLatency *prometheus.HistogramVec
	globalState  prometheus.Gauge
}

// New creates a Collector and registers its instruments with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		reg: reg,
		stageState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dataplane_stage_state",
			Help: "Current lifecycle state of each stage (numeric state code)",
		}, []string{"stage"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_stage_cycles_total",
			Help: "Worker loop iterations that ran a fetch/main/throw cycle",
		}, []string{"stage"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_stage_events_total",
			Help: "Events handled per stage and phase",
		}, []string{"stage", "phase"}),
		workerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataplane_worker_exits_total",
			Help: "Worker exits by reason (shutdown, canceled, error)",
		}, []string{"stage", "reason"}),
		pauseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dataplane_stage_pause_seconds",
			Help:    "Time from a pause request until every worker reached the barrier",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"stage"}),
		globalState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dataplane_global_state",
			Help: "Current global coordinator state (numeric state code)",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.stageState, c.cycles, c.events, c.workerExits, c.pauseLatency, c.globalState,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return c, nil
}

// StageState records the numeric state of a stage.
func (c *Collector) StageState(stage string, state int) {
	if c == nil {
		return
	}
	c.stageState.WithLabelValues(stage).Set(float64(state))
}

// Cycle records one worker loop iteration and the events it moved.
func (c *Collector) Cycle(stage string, fetched, processed, thrown int) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(stage).Inc()
	if fetched > 0 {
		c.events.WithLabelValues(stage, "fetched").Add(float64(fetched))
	}
	if processed > 0 {
		c.events.WithLabelValues(stage, "processed").Add(float64(processed))
	}
	if thrown > 0 {
		c.events.WithLabelValues(stage, "thrown").Add(float64(thrown))
	}
}

// WorkerExit records why a worker stopped.
func (c *Collector) WorkerExit(stage string, canceled bool, err error) {
	if c == nil {
		return
	}
	reason := "shutdown"
	switch {
	case canceled:
		reason = "canceled"
	case err != nil:
		reason = "error"
	}
	c.workerExits.WithLabelValues(stage, reason).Inc()
}

// PauseLatency records how long a pause took to be acknowledged.
func (c *Collector) PauseLatency(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.pauseLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// GlobalState records a coordinator transition. Its signature matches
// gstate.WithOnTransition.
func (c *Collector) GlobalState(_, to gstate.State) {
	if c == nil {
		return
	}
	c.globalState.Set(float64(to))
}

// RegisterQueue exports the depth and capacity of q under the given name.
// The gauges are read on scrape.
func (c *Collector) RegisterQueue(name string, q *bbq.Queue) error {
	if c == nil {
		return nil
	}
	labels := prometheus.Labels{"queue": name}
	depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "dataplane_queue_depth",
		Help:        "Values currently held by a bounded queue",
		ConstLabels: labels,
	}, func() float64 { return float64(q.Stats().Size) })
	capacity := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "dataplane_queue_capacity",
		Help:        "Maximum values a bounded queue can hold",
		ConstLabels: labels,
	}, func() float64 { return float64(q.Stats().Capacity) })

	if err := c.reg.Register(depth); err != nil {
		return fmt.Errorf("metrics: register queue %q: %w", name, err)
	}
	if err := c.reg.Register(capacity); err != nil {
		c.reg.Unregister(depth)
		return fmt.Errorf("metrics: register queue %q: %w", name, err)
	}
	return nil
}
