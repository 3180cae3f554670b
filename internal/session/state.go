package session

// State is the per-connection session state. Transitions only move forward
// (INITIALIZING → READY → ACTIVE → CLOSED); a connection re-enters
// INITIALIZING only from CLOSED, when a new logical conversation starts.
type State int32

const (
	// StateClosed is both the terminal state and the state of a connection
	// that has never initialized a session.
	StateClosed State = iota
	StateInitializing
	StateReady
	StateActive
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Live reports whether a session currently exists for the connection.
func (s State) Live() bool {
	return s == StateInitializing || s == StateReady || s == StateActive
}
