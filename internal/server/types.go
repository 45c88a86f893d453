// Package server defines connection states, error values, and small helpers
// shared by the hub and client logic.
package server

import (
	"errors"
	"strings"
)

// ConnState is the lifecycle state of one client connection.
type ConnState int32

const (
	// StateConnecting: upgraded, waiting for the display name.
	StateConnecting ConnState = iota
	// StateNamed: name received, not yet in the registry.
	StateNamed
	// StateActive: in the registry, receiving broadcasts.
	StateActive
	// StateClosed: torn down. Terminal.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNamed:
		return "named"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrTransport wraps any error returned by the underlying connection.
	ErrTransport = errors.New("transport error")
	// ErrProtocolViolation is returned when a client sends something other
	// than a text frame.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrHubClosed is returned by hub operations after shutdown.
	ErrHubClosed = errors.New("hub closed")
	// ErrNotActive is returned by Submit for a client that is not in the
	// registry.
	ErrNotActive = errors.New("client not active")
)

// Slow consumer policies applied when a client's send queue is full.
const (
	SlowConsumerDisconnect = "disconnect"
	SlowConsumerDropOldest = "drop-oldest"
)

// Storage failure policies applied when a message cannot be persisted.
const (
	StorageFailureDrop    = "drop"
	StorageFailureDeliver = "deliver"
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
