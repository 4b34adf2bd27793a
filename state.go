package dataplane

// State is the lifecycle state of a [Stage].
type State int32

const (
	StateUnknown State = iota
	StateInitialized
	StateSetup
	StateStarted
	StatePaused

	// StateSingled is reserved for a single-worker mode. Shutdown treats
	// it like StatePaused.
	StateSingled

	StateCanceled
	StateShutdown
	StateFinalized
	StateDestroying
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateInitialized:
		return "initialized"
	case StateSetup:
		return "setup"
	case StateStarted:
		return "started"
	case StatePaused:
		return "paused"
	case StateSingled:
		return "singled"
	case StateCanceled:
		return "canceled"
	case StateShutdown:
		return "shutdown"
	case StateFinalized:
		return "finalized"
	case StateDestroying:
		return "destroying"
	default:
		return "invalid"
	}
}

// running reports whether workers may still be executing their loop.
func (s State) running() bool {
	return s == StateStarted || s == StatePaused || s == StateSingled
}
