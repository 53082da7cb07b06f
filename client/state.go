package client

// ConnectionState is the single authoritative connection state of a client.
// Transitions are logged and drive the open/close callbacks.
type ConnectionState int

const (
	// StateNoBeacon means no simulator has been heard on the network
	StateNoBeacon ConnectionState = iota
	// StateReceivingBeacon means a beacon announced a simulator endpoint
	StateReceivingBeacon
	// StateRESTReachable means the REST probe answered
	StateRESTReachable
	// StateRESTUnreachable means the REST probe failed
	StateRESTUnreachable
	// StateWSConnected means the WebSocket is open
	StateWSConnected
	// StateWSDisconnected means the WebSocket closed or failed to open
	StateWSDisconnected
	// StateListening means the receive loop runs but no data arrived yet
	StateListening
	// StateReceiving means push data is flowing
	StateReceiving
)

// String returns the string representation of ConnectionState
func (s ConnectionState) String() string {
	switch s {
	case StateNoBeacon:
		return "no_beacon"
	case StateReceivingBeacon:
		return "receiving_beacon"
	case StateRESTReachable:
		return "rest_reachable"
	case StateRESTUnreachable:
		return "rest_unreachable"
	case StateWSConnected:
		return "ws_connected"
	case StateWSDisconnected:
		return "ws_disconnected"
	case StateListening:
		return "listening"
	case StateReceiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// Connected reports whether the state implies an open WebSocket.
func (s ConnectionState) Connected() bool {
	switch s {
	case StateWSConnected, StateListening, StateReceiving:
		return true
	default:
		return false
	}
}
