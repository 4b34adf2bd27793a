package dataplane

import (
	"time"

	"github.com/google/uuid"
)

// StageStats is a point-in-time snapshot of a stage.
type StageStats struct {
	Name    string
	ID      uuid.UUID
	State   State
	Workers int

	// Activity of the current (or last) run.
	Cycles    int64
	Fetched   int64
	Processed int64
	Thrown    int64

	// Worker exit accounting of the current (or last) run.
	Canceled int
	Shutdown int
	Errors   int
}

// Stats returns a snapshot of the stage's counters. It is safe to call
// at any time, including on a destroyed stage.
func (s *Stage) Stats() StageStats {
	st := StageStats{
		Name:      s.name,
		ID:        s.id,
		State:     s.State(),
		Workers:   s.nWorkers,
		Cycles:    s.cycles.Load(),
		Fetched:   s.fetched.Load(),
		Processed: s.processed.Load(),
		Thrown:    s.thrown.Load(),
	}
	s.finalMu.Lock()
	st.Canceled = s.nCanceled
	st.Shutdown = s.nShutdown
	st.Errors = len(s.workerErrs)
	s.finalMu.Unlock()
	return st
}

func (s *Stage) resetCounters() {
	s.cycles.Store(0)
	s.fetched.Store(0)
	s.processed.Store(0)
	s.thrown.Store(0)
}

// startTicker starts the periodic stats callback. s.mu must be held.
func (s *Stage) startTicker() {
	if s.cfg.statsInterval <= 0 || s.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	s.tickStop = stop

	go func() {
		t := time.NewTicker(s.cfg.statsInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.cfg.onStats(s.Stats())
			}
		}
	}()
}

// stopTicker stops the periodic stats callback. s.mu must be held.
func (s *Stage) stopTicker() {
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
	}
}
