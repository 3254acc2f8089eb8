package rpc

// Status describes the lifecycle of a framed connection. Clients surface
// these values through their status callbacks so the orchestrator can relay
// them to conversation participants.
type Status string

const (
	// StatusConnecting is emitted when a dial attempt begins.
	StatusConnecting Status = "connecting"

	// StatusConnected is emitted once the transport is established.
	StatusConnected Status = "connected"

	// StatusDisconnected is emitted when an established transport ends.
	StatusDisconnected Status = "disconnected"

	// StatusFailed is emitted when a dial attempt fails.
	StatusFailed Status = "failed"
)

// String returns the wire representation of the status.
func (s Status) String() string { return string(s) }
