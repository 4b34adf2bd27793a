// Package dataplane is a concurrency runtime for multi-stage batch
// processing pipelines.
//
// A pipeline is a chain of named [Stage]s. Each stage runs a fixed pool of
// worker goroutines that repeatedly fetch a batch of fixed-size events,
// process it and throw it to the next stage. The runtime owns the worker
// life cycle: startup gated on a global state, pause/resume, and graceful
// or immediate shutdown.
//
// # Stages
//
// A stage is created with [NewStage] from a [Callbacks] set. Only Main is
// required; Fetch and Throw are optional and their presence picks one of
// four loop shapes once, at creation:
//
//	s, err := dataplane.NewStage("parse", 4, 64, 32, dataplane.Callbacks{
//	    Fetch: func(ctx context.Context, s *dataplane.Stage, idx int, buf []byte, n int) (int, error) {
//	        return readBatch(ctx, buf, n)
//	    },
//	    Main: func(ctx context.Context, s *dataplane.Stage, idx int, buf []byte, n int) (int, error) {
//	        return parse(buf, n), nil
//	    },
//	})
//
// Every callback count is checked against the batch size. A callback
// error stops its worker and is reported by [Stage.Wait] as a
// [*WorkerError]. Use [IsWorkerError], [WorkerOf], [CauseOf] and
// [AllWorkerErrors] to inspect it. Panics in callbacks are recovered and
// reported the same way, wrapping an [errs.PanicError].
//
// # Life Cycle
//
// A stage moves through Initialized, Setup and Started. Workers then wait
// for the global state coordinator (package gstate) to reach Started
// before their first cycle. [Stage.Shutdown] with gstate.Gracefully lets
// each worker finish its in-flight cycle; gstate.RightNow and
// [Stage.Cancel] also cancel the worker contexts. [Stage.Wait] reaps the
// workers and commits StateShutdown or StateCanceled. [Stage.Reset] makes
// a stopped stage startable again, and [Stage.Destroy] releases it for
// good.
//
// [Stage.Pause] parks every worker between cycles behind a barrier and
// [Stage.Resume] releases them. [Stage.Maintenance] runs a callback on one
// worker between cycles, mutually exclusive with other maintenance runs.
//
// # Registry
//
// Stages register under their name in a [Registry] (the default one
// unless [WithRegistry] is given). Other stages look their neighbors up
// with [Find] and hand events over with [Stage.Submit]. A destroyed stage
// leaves its registry and every later call on it fails with
// errs.ErrInvalidObject.
//
// # Pipelines
//
// [Pipeline] drives several stages as one unit: set up and started in
// order, stopped in reverse. [Pipeline.Run] performs the full coordinated
// run, including the gstate shutdown handshake and a fallback to
// cancellation when a graceful shutdown overruns its timeout.
//
// # Observability
//
// Stages log through zerolog ([WithLogger]) and report to Prometheus
// through a metrics.Collector ([WithMetrics]). [WithStatsInterval]
// delivers periodic [StageStats] snapshots, and [WithOnWorkerStart] and
// [WithOnWorkerExit] observe individual workers.
package dataplane
