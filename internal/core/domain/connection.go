package domain

import "time"

// ConnectionState is the state of a realtime connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
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

// LifecycleReason says why a lifecycle event was emitted.
type LifecycleReason string

const (
	ReasonConnected          LifecycleReason = "connected"
	ReasonClientDisconnect   LifecycleReason = "client_disconnect"
	ReasonTransportClosed    LifecycleReason = "transport_closed"
	ReasonConnectError       LifecycleReason = "connect_error"
	ReasonAuthRejected       LifecycleReason = "auth_rejected"
	ReasonReconnectScheduled LifecycleReason = "reconnect_scheduled"
	ReasonReconnectFailed    LifecycleReason = "reconnect_failed"
)

// LifecycleEvent describes a change in the connection lifecycle.
type LifecycleEvent struct {
	State   ConnectionState
	Reason  LifecycleReason
	Attempt int           // reconnect attempt number, when relevant
	Delay   time.Duration // delay before the scheduled reconnect
	Err     error
}
