// Command dataplane runs a three-stage demo pipeline: a rate-limited
// source feeds a transform stage through two priority queues, which feeds
// a checksumming sink.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/baxromumarov/dataplane"
	"github.com/baxromumarov/dataplane/bbq"
	"github.com/baxromumarov/dataplane/gstate"
	"github.com/baxromumarov/dataplane/internal/config"
	"github.com/baxromumarov/dataplane/internal/logging"
	"github.com/baxromumarov/dataplane/internal/sysstat"
	"github.com/baxromumarov/dataplane/metrics"
)

const (
	sinkName      = "sink"
	transformName = "transform"
	sourceName    = "source"
)

type stageConfig struct {
	workers     int
	eventSize   int
	maxBatch    int
	sourceRate  float64
	sourceBurst int
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	envFile := flag.String("env", "", "optional .env file (defaults to ./.env)")
	flag.Parse()

	boot := logging.NewLogger(logging.Config{Level: "info", Format: logging.FormatJSON})
	boot.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("GOMAXPROCS set via automaxprocs")

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(&boot, files...)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := logging.NewLogger(cfg.Logging())
	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("pipeline finished with errors")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc, err := metrics.New(promReg)
	if err != nil {
		return err
	}

	coord := gstate.New(
		gstate.WithLogger(log.With().Str("component", "gstate").Logger()),
		gstate.WithOnTransition(mc.GlobalState),
	)

	sc := stageConfig{
		workers:     cfg.WorkerCount(),
		eventSize:   cfg.EventSize,
		maxBatch:    cfg.MaxBatch,
		sourceRate:  cfg.SourceRate,
		sourceBurst: cfg.SourceBurst,
	}

	queues := map[string]*bbq.Queue{}
	for _, name := range []string{"sink", "hi", "lo"} {
		q, err := bbq.New(sc.eventSize, cfg.QueueCapacity, nil)
		if err != nil {
			return err
		}
		if err := mc.RegisterQueue(name, q); err != nil {
			return err
		}
		queues[name] = q
	}

	opts := []dataplane.Option{
		dataplane.WithCoordinator(coord),
		dataplane.WithLogger(log),
		dataplane.WithMetrics(mc),
	}

	var sinkTot sinkTotals
	sink, err := dataplane.NewStage(sinkName, 1, sc.eventSize, sc.maxBatch,
		newSink(sc, queues["sink"], &sinkTot), opts...)
	if err != nil {
		return err
	}

	var trTot transformTotals
	tr, err := newTransform(sc, log, queues["hi"], queues["lo"], &trTot)
	if err != nil {
		return err
	}
	transformStage, err := dataplane.NewStage(transformName, sc.workers, sc.eventSize, sc.maxBatch,
		tr.callbacks(), opts...)
	if err != nil {
		return err
	}

	src := newSource(sc)
	sourceStage, err := dataplane.NewStage(sourceName, sc.workers, sc.eventSize, sc.maxBatch,
		src.callbacks(), opts...)
	if err != nil {
		return err
	}

	p := dataplane.NewPipeline(
		dataplane.WithPipelineLogger(log),
		dataplane.WithPipelineCoordinator(coord),
	)
	if err := p.Add(sink, transformStage, sourceStage); err != nil {
		return err
	}
	defer func() {
		if err := p.Destroy(); err != nil {
			log.Warn().Err(err).Msg("destroy failed")
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, promReg, log)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	go watchSignals(ctx, coord, cfg, log)
	go report(ctx, p, transformStage, cfg.StatsInterval, log)

	runErr := p.Run(ctx, cfg.ShutdownTimeout)

	log.Info().
		Uint64("generated", src.generated()).
		Int64("source_dropped", src.dropped.Load()).
		Int64("transform_dropped", trTot.dropped.Load()).
		Int64("received", sinkTot.received.Load()).
		Uint64("checksum", sinkTot.checksum.Load()).
		Dur("max_lag", time.Duration(sinkTot.maxLag.Load())).
		Msg("pipeline totals")
	return runErr
}

// watchSignals turns SIGINT, SIGTERM or the end of DP_RUN_FOR into a
// shutdown request. A second signal escalates to an immediate shutdown.
func watchSignals(ctx context.Context, coord *gstate.Coordinator, cfg *config.Config, log zerolog.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var deadline <-chan time.Time
	if cfg.RunFor > 0 {
		t := time.NewTimer(cfg.RunFor)
		defer t.Stop()
		deadline = t.C
	}

	level := cfg.Grace()
	select {
	case <-ctx.Done():
		return
	case sig := <-sigCh:
		log.Info().Stringer("signal", sig).Msg("shutdown requested")
	case <-deadline:
		log.Info().Dur("run_for", cfg.RunFor).Msg("run time elapsed")
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-sigCh:
			log.Warn().Msg("second signal, exiting immediately")
			os.Exit(130)
		}
	}()

	if err := coord.RequestShutdown(ctx, level); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown request failed")
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

// report logs stage and host statistics every interval and asks the
// transform stage to run its maintenance callback.
func report(ctx context.Context, p *dataplane.Pipeline, transform *dataplane.Stage, every time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, st := range p.Stats() {
			log.Info().
				Str("stage", st.Name).
				Stringer("state", st.State).
				Int64("cycles", st.Cycles).
				Int64("fetched", st.Fetched).
				Int64("processed", st.Processed).
				Int64("thrown", st.Thrown).
				Msg("stage stats")
		}

		if snap, err := sysstat.Sample(ctx, 0); err != nil {
			log.Debug().Err(err).Msg("host stats unavailable")
		} else {
			log.Info().Object("host", snap).Msg("host stats")
		}

		if transform.State() == dataplane.StateStarted {
			mctx, cancel := context.WithTimeout(ctx, every)
			if err := transform.Maintenance(mctx, "periodic report"); err != nil {
				log.Debug().Err(err).Msg("maintenance skipped")
			}
			cancel()
		}
	}
}
