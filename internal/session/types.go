package session

import (
	"errors"
	"time"
)

// Errors
var (
	// ErrClosed is surfaced to all outstanding callers when the session is
	// manually closed.
	ErrClosed = errors.New("session closed")

	// ErrNotDelivered reports a send attempted while the connection is not
	// open. The send is not queued; a reconnect attempt is kicked off.
	ErrNotDelivered = errors.New("send not delivered: connection not open")

	// ErrConnectionLost fails pending requests when the transport drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrAlreadyOpen reports a second Open on a live session.
	ErrAlreadyOpen = errors.New("session already open")
)

// State is the connection lifecycle state, owned exclusively by the Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// apiPath is the fixed versioned path segment appended to the endpoint when
// deriving the transport URL.
const apiPath = "/api/v1/websocket"

// Config configures a Session.
type Config struct {
	Endpoint string // Base HTTP(S) endpoint; scheme is rewritten to ws/wss
	Token    string // Bearer credential; empty skips the authentication challenge

	PingInterval     time.Duration // Heartbeat interval while open
	WriteTimeout     time.Duration // Write deadline for outbound frames
	HandshakeTimeout time.Duration // Dial handshake timeout

	ReconnectBaseDelay time.Duration // Base retry delay
	ReconnectMaxDelay  time.Duration // Cap on the retry delay
	ReconnectThreshold int           // Failure counts at or below this use the base delay directly
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:       30 * time.Second,
		WriteTimeout:       5 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		ReconnectBaseDelay: 3 * time.Second,
		ReconnectMaxDelay:  5 * time.Minute,
		ReconnectThreshold: 2,
	}
}

// Stats provides a snapshot of session state for health reporting.
type Stats struct {
	State    State
	Failures int   // Consecutive transport failures since the last successful open
	Epoch    int64 // Number of successful opens this session
	LastSeq  int64 // Last outbound sequence number assigned
}
