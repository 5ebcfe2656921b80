package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client represents a single websocket connection to the intents endpoint.
type Client interface {
	// Connect performs the websocket handshake. It blocks until the channel
	// is open, the handshake fails, or ctx is done.
	Connect(ctx context.Context) error

	// Close sends a normal-closure frame and closes the connection.
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages returns a channel of inbound frames with receive timestamps.
	Messages() <-chan TimestampedMessage

	// Errors returns a channel that receives the error ending the read loop.
	// Nothing is sent after Close().
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool
}

// ClientFactory builds a Client for one connection attempt.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// NewClient creates a new websocket client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Connect establishes the websocket connection.
func (c *client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrAlreadyClosed
	}

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	dialer := websocket.Dialer{
		Proxy: http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		// Closed while the handshake was in flight.
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)

	c.logger.Debug("websocket connected", "url", c.cfg.URL)

	return nil
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return conn.Close()
}

// Send writes raw bytes to the connection.
func (c *client) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the messages channel.
func (c *client) Messages() <-chan TimestampedMessage {
	return c.messages
}

// Errors returns the errors channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// readLoop reads frames until the connection ends.
func (c *client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Errors after Close() are our own doing.
			select {
			case <-c.done:
				return
			default:
			}
			select {
			case c.errors <- err:
			default:
			}
			return
		}

		msg := TimestampedMessage{
			Data:       data,
			ReceivedAt: receivedAt,
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		default:
			c.logger.Warn("message buffer full, dropping message")
		}
	}
}

// IsCleanClose reports whether err ended the connection with a close frame
// the peer sent on purpose (normal closure or going away).
func IsCleanClose(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
}
