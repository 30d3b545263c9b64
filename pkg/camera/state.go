package camera

// State is the lifecycle state of a capture session.
type State int

const (
	Uninitialized State = iota
	Configured
	Running
	Stopped
	Error
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Configured:
		return "configured"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name, so State prints as a string in JSON
// responses and log attributes.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
