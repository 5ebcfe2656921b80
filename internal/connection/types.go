package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrDisabled        = errors.New("websocket disabled")
	ErrMaxRetries      = errors.New("max retry count reached")
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no inbound frames)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// Fixed channel parameters. These are not read from configuration.
const (
	MaxRetryCount  = 5
	BaseRetryDelay = 1 * time.Second
	PingInterval   = 30 * time.Second
)

// DisabledEndpoint is the endpoint value that turns the channel off.
const DisabledEndpoint = "disabled"

// Status is the lifecycle state of the channel.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

// ConnectionState is the authoritative view of channel health.
// Callers receive copies; only the Manager mutates it.
type ConnectionState struct {
	Status        Status
	RetryCount    int       // Consecutive failed attempts since the last open
	LastConnected time.Time // Zero if never connected
	LastError     error     // Nil if no error since the last open
}

// TimestampedMessage wraps raw frame data with its receive time.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from the websocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a frame from the Connection Manager to the Update Router.
type RawMessage struct {
	Data       []byte
	SessionID  string    // Identifies the connection attempt the frame arrived on
	ReceivedAt time.Time // Local timestamp when the client read the frame
}

// Control message types (client → server).
const (
	TypePing        = "ping"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// pingMessage is the heartbeat frame.
type pingMessage struct {
	Type string `json:"type"`
}

// subscriptionMessage is a subscribe or unsubscribe frame.
type subscriptionMessage struct {
	Type      string   `json:"type"`
	IntentIDs []string `json:"intent_ids"`
}

// ClientConfig configures a websocket client.
type ClientConfig struct {
	URL          string        // Full websocket URL including intent_ids query
	APIKey       string        // Bearer token sent on the handshake (empty = none)
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Inbound message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Endpoint  string   // Base websocket URL; empty or "disabled" turns the channel off
	APIKey    string   // Bearer token for the handshake
	IntentIDs []string // Encoded as intent_ids query parameters on every dial

	MaxRetryCount  int
	BaseRetryDelay time.Duration
	PingInterval   time.Duration

	ConnectTimeout    time.Duration // Handshake bound; 0 waits forever
	StaleTimeout      time.Duration // Force reconnect after this long without inbound frames; 0 disables
	WriteTimeout      time.Duration
	MessageBufferSize int
}

// DefaultManagerConfig returns the fixed channel parameters.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxRetryCount:     MaxRetryCount,
		BaseRetryDelay:    BaseRetryDelay,
		PingInterval:      PingInterval,
		ConnectTimeout:    10 * time.Second,
		WriteTimeout:      5 * time.Second,
		MessageBufferSize: 1000,
	}
}

// BackoffDelay returns the wait before reconnect attempt number retryCount
// (1-based): base * 2^(retryCount-1). There is no cap.
func BackoffDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		return base
	}
	return base << (retryCount - 1)
}

// IsDisabled reports whether endpoint turns the channel off.
func IsDisabled(endpoint string) bool {
	return endpoint == "" || endpoint == DisabledEndpoint
}
