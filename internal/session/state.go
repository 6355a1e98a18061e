package session

// State is the coordinator's view of the backend session.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	// Disconnected means the backend reported a lost connection after Ready.
	// Credentials may still be valid; Start runs the full sequence again.
	Disconnected
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	case ShuttingDown:
		return "shutting_down"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
