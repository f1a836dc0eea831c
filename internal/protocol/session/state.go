package session

// State is the per-connection lifecycle. Transitions only move forward and
// always end in Disconnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// CanTransition reports whether from->to is a legal single step.
func CanTransition(from, to State) bool {
	if to == StateDisconnected {
		return from != StateDisconnected
	}
	return to == from+1
}
