// internal/reconnect/state.go
package reconnect

// State is the reconnection controller's authoritative state. There is
// exactly one controller per process and every transition is driven
// internally; nothing outside the package sets it.
type State int32

const (
	StateIdle State = iota
	StateChecking
	StateConnecting
	StateRejoining
	StateSuccess
	StateError
	StateTimeout
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateConnecting:
		return "connecting"
	case StateRejoining:
		return "rejoining"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	case StateTimeout:
		return "timeout"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// resting reports whether a new episode may start from s. Terminal failure
// states accept only a manual trigger; the in-flight flag guards everything
// in between.
func (s State) resting() bool {
	return s == StateIdle || s == StateSuccess
}
