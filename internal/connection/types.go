package connection

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrExhausted       = errors.New("reconnect attempts exhausted")
	ErrStopped         = errors.New("session stopped")
)

// ConnectionError reports a failed open or handshake. When the reconnect
// budget runs out, Err wraps ErrExhausted.
type ConnectionError struct {
	URL     string
	Attempt int // Reconnect attempt number (0 = initial connect)
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s (attempt %d): %v", e.URL, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError reports an error or close event on an open session.
type TransportError struct {
	Session string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Session, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Streaming endpoint (e.g., ws://localhost:5000/ws)
	HandshakeTimeout time.Duration // Dial handshake deadline
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
	OnDrop           func()        // Called for each frame discarded on a full buffer; may be nil
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the Connection Lifecycle Manager.
type ManagerConfig struct {
	WSURL              string        // Streaming endpoint
	MaxReconnects      int           // Consecutive failed attempts before giving up
	ReconnectBaseDelay time.Duration // Delay before attempt n is ReconnectBaseDelay * n
	HandshakeTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	BufferSize         int
}

// DefaultManagerConfig returns the reference defaults (5 attempts, 2s base delay).
func DefaultManagerConfig() ManagerConfig {
	c := DefaultClientConfig()
	return ManagerConfig{
		MaxReconnects:      5,
		ReconnectBaseDelay: 2 * time.Second,
		HandshakeTimeout:   c.HandshakeTimeout,
		PingTimeout:        c.PingTimeout,
		WriteTimeout:       c.WriteTimeout,
		BufferSize:         c.BufferSize,
	}
}

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateExhausted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateExhausted:
		return "exhausted"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EventKind identifies a lifecycle notification.
type EventKind string

const (
	EventOpened             EventKind = "opened"
	EventConnectFailed      EventKind = "connect_failed"
	EventDisconnected       EventKind = "disconnected"
	EventReconnectScheduled EventKind = "reconnect_scheduled"
	EventExhausted          EventKind = "exhausted"
	EventStopped            EventKind = "stopped"
)

// Event is delivered to the observer on every lifecycle transition.
type Event struct {
	Kind    EventKind
	Attempt int           // Attempt counter after the transition
	Delay   time.Duration // Scheduled delay (reconnect_scheduled only)
	Session string        // Session id (opened/disconnected only)
	Err     error
}

// ManagerStats provides statistics about the session.
type ManagerStats struct {
	State               State
	Attempts            int
	Session             string
	Opens               int64
	Disconnects         int64
	ReconnectsScheduled int64
	Frames              int64
	DroppedFrames       int64
	DispatchFailures    int64
}
