package idle

// State is the lifecycle state of one account's push connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdling
	StateFetching
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdling:
		return "idling"
	case StateFetching:
		return "fetching"
	default:
		return "unknown"
	}
}

// Connected reports whether the state holds an authenticated connection
func (s State) Connected() bool {
	return s == StateIdling || s == StateFetching
}
