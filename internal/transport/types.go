package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/market-dashboard/internal/feed"
)

// Errors
var (
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrGaveUp          = errors.New("reconnect attempts exhausted")
)

// DialError reports a failed connection attempt.
type DialError struct {
	Endpoint string
	ConnID   uuid.UUID
	Err      error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.Endpoint, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// State is the lifecycle state of a Transport.
type State int32

const (
	StateIdle State = iota // Created, Connect not yet called
	StateConnecting
	StateOpen
	StateClosedPendingRetry
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedPendingRetry:
		return "closed_pending_retry"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// CloseEvent describes a closed connection.
type CloseEvent struct {
	Code   int       // WebSocket close code; 1006 when no close frame was received
	Reason string    // Close reason or the underlying error text
	Clean  bool      // True if a close frame was received from the peer
	ConnID uuid.UUID // Identifies the dial attempt that produced this connection
}

// Handlers receive transport events. Any handler may be nil.
// Handlers are called one at a time, in the order events were observed.
type Handlers struct {
	OnOpen    func()
	OnMessage func(feed.Message)
	OnClose   func(CloseEvent)
	OnError   func(error)
}

// Policy controls reconnection after a closure.
type Policy struct {
	Delay       time.Duration // Fixed wait before every reconnect
	MaxAttempts int           // Consecutive closures without a successful open before giving up (0 = never)
}

// DefaultPolicy retries every 5 seconds, forever.
func DefaultPolicy() Policy {
	return Policy{
		Delay: 5 * time.Second,
	}
}

// Config configures a Transport.
type Config struct {
	HandshakeTimeout time.Duration // Dial handshake timeout
	WriteTimeout     time.Duration // Write deadline for sends and pings
	ReadLimit        int64         // Max inbound frame size in bytes (0 = unlimited)
	PingInterval     time.Duration // Keepalive ping period (0 = disabled)
	ReadTimeout      time.Duration // Max silence (frames or pongs) before the connection is considered stale (0 = disabled)
	Header           http.Header   // Extra handshake headers
	Policy           Policy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1 << 20,
		PingInterval:     15 * time.Second,
		ReadTimeout:      30 * time.Second,
		Policy:           DefaultPolicy(),
	}
}
