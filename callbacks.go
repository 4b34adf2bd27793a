package dataplane

import (
	"context"

	"github.com/baxromumarov/dataplane/gstate"
)

// BatchFunc is the signature of the per-cycle callbacks (Fetch, Main and
// Throw). buf holds maxBatch events of eventSize bytes each and is owned
// by worker idx for the life of the stage.
//
// Fetch receives n == maxBatch and returns how many events it placed in
// buf. Main and Throw receive the count returned by the previous phase.
// A returned count of 0 ends the cycle early; a non-nil error stops the
// worker. Counts outside [0, maxBatch] are reported as an
// errs.ErrInvalidArgs worker error.
type BatchFunc func(ctx context.Context, s *Stage, idx int, buf []byte, n int) (int, error)

// ScheduleFunc accepts n events from a caller outside the stage, usually
// the previous stage's Throw. It returns how many events were accepted.
type ScheduleFunc func(ctx context.Context, s *Stage, buf []byte, n int) (int, error)

// MaintenanceFunc runs on one worker between cycles.
type MaintenanceFunc func(ctx context.Context, s *Stage, arg any) error

// Callbacks holds the user-supplied behavior of a stage. Only Main is
// required. The presence of Fetch and Throw selects the worker loop shape
// once, at creation.
type Callbacks struct {
	Schedule    ScheduleFunc
	Maintenance MaintenanceFunc

	// Setup runs once, from Stage.Setup.
	Setup func(s *Stage) error

	Fetch BatchFunc
	Main  BatchFunc
	Throw BatchFunc

	// Shutdown runs once per run, after every worker has exited. level is
	// gstate.GraceUnknown when the workers stopped on their own.
	Shutdown func(s *Stage, level gstate.GraceLevel) error

	// Finalize runs once per run, before Shutdown.
	Finalize func(s *Stage, canceled bool)

	// Freeup runs once, from Stage.Destroy.
	Freeup func(s *Stage)
}
