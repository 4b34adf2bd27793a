package main

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/baxromumarov/dataplane"
	"github.com/baxromumarov/dataplane/bbq"
	"github.com/baxromumarov/dataplane/errs"
	"github.com/baxromumarov/dataplane/gstate"
)

// Event layout: bytes [0:8] carry the sequence number, bytes [8:16] the
// source timestamp (UnixNano). Larger events are zero padded.
const (
	seqOff   = 0
	stampOff = 8

	fetchTimeout = 20 * time.Millisecond
)

func eventAt(buf []byte, size, i int) []byte { return buf[i*size : (i+1)*size] }

func seqOf(ev []byte) uint64 { return binary.LittleEndian.Uint64(ev[seqOff:]) }

// downstreamClosed reports whether err means the next stage stopped
// accepting events during shutdown.
func downstreamClosed(err error) bool {
	return errors.Is(err, errs.ErrNotOperational) || errors.Is(err, errs.ErrInvalidObject)
}

// putEvent blocks until q takes ev. It gives up with
// errs.ErrNotOperational once target is shutting down, since the
// workers that would drain q may already be gone.
func putEvent(ctx context.Context, target *dataplane.Stage, q *bbq.Queue, ev []byte) error {
	for {
		err := q.PutTimeout(ev, fetchTimeout)
		if !errors.Is(err, errs.ErrTimedout) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if target != nil && target.Grace() != gstate.GraceUnknown {
			return errs.ErrNotOperational
		}
	}
}

// submitAll hands events to the next stage. Events refused because the
// next stage is shutting down are dropped and counted by the caller.
func submitAll(ctx context.Context, next *dataplane.Stage, buf []byte, n int) (int, error) {
	got, err := next.Submit(ctx, buf, n)
	if err != nil && downstreamClosed(err) {
		return got, nil
	}
	return got, err
}

type sinkTotals struct {
	received atomic.Int64
	checksum atomic.Uint64
	maxLag   atomic.Int64
}

func newSink(cfg stageConfig, q *bbq.Queue, totals *sinkTotals) dataplane.Callbacks {
	size := cfg.eventSize
	return dataplane.Callbacks{
		Schedule: func(ctx context.Context, s *dataplane.Stage, buf []byte, n int) (int, error) {
			for i := 0; i < n; i++ {
				if err := putEvent(ctx, s, q, eventAt(buf, size, i)); err != nil {
					return i, err
				}
			}
			return n, nil
		},
		Fetch: func(_ context.Context, _ *dataplane.Stage, _ int, buf []byte, n int) (int, error) {
			got := 0
			for got < n {
				timeout := fetchTimeout
				if got > 0 {
					timeout = 0
				}
				if err := q.GetTimeout(eventAt(buf, size, got), timeout); err != nil {
					if errors.Is(err, errs.ErrTimedout) || downstreamClosed(err) {
						break
					}
					return got, err
				}
				got++
			}
			return got, nil
		},
		Main: func(_ context.Context, _ *dataplane.Stage, _ int, buf []byte, n int) (int, error) {
			for i := 0; i < n; i++ {
				ev := eventAt(buf, size, i)
				totals.checksum.Add(seqOf(ev))
				if lag := int64(binary.LittleEndian.Uint64(ev[stampOff:])); lag > totals.maxLag.Load() {
					totals.maxLag.Store(lag)
				}
			}
			totals.received.Add(int64(n))
			return n, nil
		},
		Shutdown: func(*dataplane.Stage, gstate.GraceLevel) error {
			q.Shutdown(false)
			return nil
		},
		Freeup: func(*dataplane.Stage) { q.Destroy(false) },
	}
}

type transformTotals struct {
	hi, lo  atomic.Int64
	dropped atomic.Int64
}

// transform pulls from the hi and lo queues through one shared muxer; a
// queue can be armed by a single muxer at a time, so workers take turns.
type transform struct {
	cfg    stageConfig
	log    zerolog.Logger
	hi, lo *bbq.Queue
	totals *transformTotals

	mu    sync.Mutex
	mux   *bbq.Muxer
	polls []*bbq.Poll

	sink *dataplane.Stage
}

func newTransform(cfg stageConfig, log zerolog.Logger, hi, lo *bbq.Queue, totals *transformTotals) (*transform, error) {
	t := &transform{cfg: cfg, log: log, hi: hi, lo: lo, totals: totals, mux: bbq.NewMuxer()}
	for _, q := range []*bbq.Queue{hi, lo} {
		p, err := bbq.NewPoll(q, bbq.Readable)
		if err != nil {
			return nil, err
		}
		t.polls = append(t.polls, p)
	}
	return t, nil
}

func (t *transform) callbacks() dataplane.Callbacks {
	return dataplane.Callbacks{
		Setup:       t.setup,
		Schedule:    t.schedule,
		Fetch:       t.fetch,
		Main:        t.main,
		Throw:       t.throw,
		Maintenance: t.maintenance,
		Shutdown: func(*dataplane.Stage, gstate.GraceLevel) error {
			t.hi.Shutdown(false)
			t.lo.Shutdown(false)
			return nil
		},
		Freeup: func(*dataplane.Stage) {
			t.hi.Destroy(false)
			t.lo.Destroy(false)
		},
	}
}

func (t *transform) setup(*dataplane.Stage) error {
	sink, err := dataplane.Find(sinkName)
	if err != nil {
		return err
	}
	t.sink = sink
	return nil
}

// schedule routes even sequence numbers to hi and odd ones to lo.
func (t *transform) schedule(ctx context.Context, s *dataplane.Stage, buf []byte, n int) (int, error) {
	size := t.cfg.eventSize
	for i := 0; i < n; i++ {
		ev := eventAt(buf, size, i)
		q, ctr := t.hi, &t.totals.hi
		if seqOf(ev)%2 == 1 {
			q, ctr = t.lo, &t.totals.lo
		}
		if err := putEvent(ctx, s, q, ev); err != nil {
			return i, err
		}
		ctr.Add(1)
	}
	return n, nil
}

func (t *transform) fetch(_ context.Context, _ *dataplane.Stage, _ int, buf []byte, n int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ready, err := t.mux.PollTimeout(t.polls, fetchTimeout)
	if err != nil {
		if errors.Is(err, errs.ErrTimedout) || downstreamClosed(err) {
			return 0, nil
		}
		return 0, err
	}
	if ready == 0 {
		return 0, nil
	}

	// hi drains first
	got := 0
	for _, p := range t.polls {
		for got < n && p.Ready() {
			if err := p.Queue().TryGet(eventAt(buf, t.cfg.eventSize, got)); err != nil {
				break
			}
			got++
		}
	}
	return got, nil
}

// main replaces the source timestamp with the event's age.
func (t *transform) main(_ context.Context, _ *dataplane.Stage, _ int, buf []byte, n int) (int, error) {
	now := time.Now().UnixNano()
	for i := 0; i < n; i++ {
		ev := eventAt(buf, t.cfg.eventSize, i)
		stamp := int64(binary.LittleEndian.Uint64(ev[stampOff:]))
		binary.LittleEndian.PutUint64(ev[stampOff:], uint64(now-stamp))
	}
	return n, nil
}

func (t *transform) throw(ctx context.Context, _ *dataplane.Stage, _ int, buf []byte, n int) (int, error) {
	got, err := submitAll(ctx, t.sink, buf, n)
	t.totals.dropped.Add(int64(n - got))
	return got, err
}

func (t *transform) maintenance(_ context.Context, s *dataplane.Stage, arg any) error {
	hiDepth, _ := t.hi.Size()
	loDepth, _ := t.lo.Size()
	t.log.Info().
		Str("stage", s.Name()).
		Interface("reason", arg).
		Int64("routed_hi", t.totals.hi.Load()).
		Int64("routed_lo", t.totals.lo.Load()).
		Int64("dropped", t.totals.dropped.Load()).
		Int("hi_depth", hiDepth).
		Int("lo_depth", loDepth).
		Msg("transform maintenance")
	return nil
}

type source struct {
	cfg     stageConfig
	limiter *rate.Limiter
	next    atomic.Uint64
	dropped atomic.Int64

	transform *dataplane.Stage
}

func newSource(cfg stageConfig) *source {
	return &source{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.sourceRate), cfg.sourceBurst),
	}
}

func (s *source) callbacks() dataplane.Callbacks {
	return dataplane.Callbacks{
		Setup: func(*dataplane.Stage) error {
			t, err := dataplane.Find(transformName)
			if err != nil {
				return err
			}
			s.transform = t
			return nil
		},
		Fetch: s.fetch,
		Main:  s.stamp,
		Throw: func(ctx context.Context, _ *dataplane.Stage, _ int, buf []byte, n int) (int, error) {
			got, err := submitAll(ctx, s.transform, buf, n)
			s.dropped.Add(int64(n - got))
			return got, err
		},
	}
}

// fetch takes up to a tenth of a second's worth of tokens, then
// generates that many sequence-numbered events.
func (s *source) fetch(ctx context.Context, _ *dataplane.Stage, _ int, buf []byte, n int) (int, error) {
	n = min(n, max(1, int(s.cfg.sourceRate/10)))
	if err := s.limiter.WaitN(ctx, n); err != nil {
		return 0, err
	}

	first := s.next.Add(uint64(n)) - uint64(n)
	for i := 0; i < n; i++ {
		ev := eventAt(buf, s.cfg.eventSize, i)
		clear(ev)
		binary.LittleEndian.PutUint64(ev[seqOff:], first+uint64(i))
	}
	return n, nil
}

func (s *source) stamp(_ context.Context, _ *dataplane.Stage, _ int, buf []byte, n int) (int, error) {
	now := uint64(time.Now().UnixNano())
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(eventAt(buf, s.cfg.eventSize, i)[stampOff:], now)
	}
	return n, nil
}

func (s *source) generated() uint64 { return s.next.Load() }
