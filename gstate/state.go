package gstate

// State is the process-wide lifecycle state. States are ordered and a
// coordinator never moves backwards.
type State int32

const (
	Unknown State = iota
	Initializing
	Initialized
	Starting
	Started
	RequestShutdown
	AcceptShutdown
	ShuttingDown
	Shutdown
	Finalizing
	Finalized
)

// Valid reports whether s is a settable state.
func (s State) Valid() bool {
	return s > Unknown && s <= Finalized
}

// IsShutdown reports whether a shutdown has been accepted.
func (s State) IsShutdown() bool {
	return s >= AcceptShutdown
}

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case RequestShutdown:
		return "request_shutdown"
	case AcceptShutdown:
		return "accept_shutdown"
	case ShuttingDown:
		return "shutting_down"
	case Shutdown:
		return "shutdown"
	case Finalizing:
		return "finalizing"
	case Finalized:
		return "finalized"
	default:
		return "invalid"
	}
}

// GraceLevel is the urgency of a requested shutdown.
type GraceLevel int32

const (
	GraceUnknown GraceLevel = iota

	// RightNow cancels workers immediately.
	RightNow

	// Gracefully lets workers finish the in-flight batch and exit at
	// their next loop check.
	Gracefully
)

// Valid reports whether l names a concrete shutdown urgency.
func (l GraceLevel) Valid() bool {
	return l == RightNow || l == Gracefully
}

func (l GraceLevel) String() string {
	switch l {
	case GraceUnknown:
		return "unknown"
	case RightNow:
		return "right_now"
	case Gracefully:
		return "gracefully"
	default:
		return "invalid"
	}
}

// ParseGraceLevel parses the String form of a valid grace level.
func ParseGraceLevel(s string) (GraceLevel, bool) {
	switch s {
	case "right_now", "immediate":
		return RightNow, true
	case "gracefully", "graceful":
		return Gracefully, true
	default:
		return GraceUnknown, false
	}
}
