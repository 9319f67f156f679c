package client

// State is the connection state.
type State int

const (
	// StateDisconnected means no transport is open.
	StateDisconnected State = iota
	// StateConnecting means a connect attempt is in flight.
	StateConnecting
	// StateConnected means the transport is open and the heartbeat is running.
	StateConnected
	// StateError means the last connect attempt failed.
	StateError
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateEvent describes one state transition.
type StateEvent struct {
	Previous State
	Current  State
	Err      error // cause of a disconnect or failed attempt
	Code     int   // close code for disconnects, 0 otherwise
}
