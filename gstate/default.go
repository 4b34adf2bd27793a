package gstate

import (
	"context"
	"time"
)

var defaultCoordinator = New()

// Default returns the process-wide coordinator used by the package-level
// functions and by stages that are not given their own.
func Default() *Coordinator { return defaultCoordinator }

// Set advances the default coordinator. See [Coordinator.Set].
func Set(s State) error { return defaultCoordinator.Set(s) }

// Get returns the default coordinator's state.
func Get() State { return defaultCoordinator.Get() }

// Grace returns the default coordinator's grace level.
func Grace() GraceLevel { return defaultCoordinator.Grace() }

// WaitFor waits on the default coordinator. See [Coordinator.WaitFor].
func WaitFor(ctx context.Context, target State, timeout time.Duration) (State, GraceLevel, error) {
	return defaultCoordinator.WaitFor(ctx, target, timeout)
}

// Request asks the default coordinator to shut down. The name differs
// from the method because RequestShutdown is also a State.
// See [Coordinator.RequestShutdown].
func Request(ctx context.Context, level GraceLevel) error {
	return defaultCoordinator.RequestShutdown(ctx, level)
}

// WaitForShutdownRequest waits on the default coordinator.
// See [Coordinator.WaitForShutdownRequest].
func WaitForShutdownRequest(ctx context.Context, timeout time.Duration) (GraceLevel, error) {
	return defaultCoordinator.WaitForShutdownRequest(ctx, timeout)
}
