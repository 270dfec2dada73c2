package supervisor

// State is the lifecycle state of the supervised companion.
type State int

const (
	// StateNotStarted - Start has not been called
	StateNotStarted State = iota
	// StateStarting - first spawn in progress, waiting for the address report
	StateStarting
	// StateRunning - companion reported its address and is serving
	StateRunning
	// StateRestarting - companion crashed and is being respawned
	StateRestarting
	// StateStoppedByUser - Stop completed (terminal)
	StateStoppedByUser
	// StateFailedFatal - companion cannot be (re)started (terminal)
	StateFailedFatal
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateRestarting:
		return "Restarting"
	case StateStoppedByUser:
		return "StoppedByUser"
	case StateFailedFatal:
		return "FailedFatal"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateStoppedByUser || s == StateFailedFatal
}

var allStates = []State{
	StateNotStarted,
	StateStarting,
	StateRunning,
	StateRestarting,
	StateStoppedByUser,
	StateFailedFatal,
}
