package stream

// State is the connection lifecycle state of a streaming core.
type State int

const (
	// Disconnected is the initial state and the state after Disconnect
	// or reconnect exhaustion.
	Disconnected State = iota
	// Connecting: the transport is being opened.
	Connecting
	// Authenticating: transport open, credentials in flight.
	Authenticating
	// Ready: authenticated, no active subscriptions.
	Ready
	// Streaming: at least one active subscription.
	Streaming
	// Reconnecting: transport lost, reconnect loop running.
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
