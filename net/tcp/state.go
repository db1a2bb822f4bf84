package tcp

// State of a ManagedConn. Transitions:
//
//	Disconnected -> Connecting   attempt begins
//	Connecting   -> Connected    dial or accept succeeded
//	Connecting   -> Disconnected attempt failed
//	Connected    -> Disconnected read/write error, peer EOF or reconfiguration
type State uint8

const (
	StateDisconnected State = 0
	StateConnecting   State = 1
	StateConnected    State = 2
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown State"
	}
}

// Label is the lower-case form used for metrics.
func (s State) Label() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
