package orchestrator

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	AwaitingHandshakeAck
	Ready
	Closing
	Banned
	Reconnecting
)

// String returns the snake_case state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingHandshakeAck:
		return "awaiting_handshake_ack"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Banned:
		return "banned"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// hasSession reports whether a socket exists or is being established in s.
func (s State) hasSession() bool {
	return s == Connecting || s == AwaitingHandshakeAck || s == Ready
}
