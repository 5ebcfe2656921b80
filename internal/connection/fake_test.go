package connection

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeClient is an in-memory Client driven by tests.
type fakeClient struct {
	cfg        ClientConfig
	connectErr error
	gate       chan struct{} // if set, Connect blocks until closed

	messages chan TimestampedMessage
	errors   chan error

	mu        sync.Mutex
	sent      []string
	connected bool
	closed    bool
}

func (f *fakeClient) Connect(ctx context.Context) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrAlreadyClosed
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeClient) Messages() <-chan TimestampedMessage { return f.messages }
func (f *fakeClient) Errors() <-chan error                { return f.errors }

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeClient) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeTransport builds fakeClients and records every one it built.
type fakeTransport struct {
	mu        sync.Mutex
	clients   []*fakeClient
	failNext  int  // number of upcoming dials that fail
	failAll   bool // every dial fails
	gateNext  chan struct{}
	dialError error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dialError: errDialRefused}
}

var errDialRefused = &dialError{"connection refused"}

type dialError struct{ msg string }

func (e *dialError) Error() string { return e.msg }

func (ft *fakeTransport) factory(cfg ClientConfig, _ *slog.Logger) Client {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	c := &fakeClient{
		cfg:      cfg,
		messages: make(chan TimestampedMessage, 16),
		errors:   make(chan error, 1),
		gate:     ft.gateNext,
	}
	ft.gateNext = nil

	if ft.failAll || ft.failNext > 0 {
		c.connectErr = ft.dialError
		if ft.failNext > 0 {
			ft.failNext--
		}
	}

	ft.clients = append(ft.clients, c)
	return c
}

func (ft *fakeTransport) setFailAll(v bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.failAll = v
}

func (ft *fakeTransport) gate() chan struct{} {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.gateNext = make(chan struct{})
	return ft.gateNext
}

func (ft *fakeTransport) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.clients)
}

func (ft *fakeTransport) last() *fakeClient {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.clients) == 0 {
		return nil
	}
	return ft.clients[len(ft.clients)-1]
}

func (ft *fakeTransport) totalSent() int {
	ft.mu.Lock()
	clients := append([]*fakeClient(nil), ft.clients...)
	ft.mu.Unlock()

	n := 0
	for _, c := range clients {
		n += len(c.Sent())
	}
	return n
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Endpoint = "ws://intents.test/ws/intents"
	cfg.ConnectTimeout = 0
	return cfg
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForStatus(t *testing.T, m Manager, want Status) ConnectionState {
	t.Helper()

	var st ConnectionState
	eventually(t, "status "+string(want), func() bool {
		st = m.State()
		return st.Status == want
	})
	return st
}

// settle gives timer goroutines a chance to run before a negative check.
func settle() {
	time.Sleep(20 * time.Millisecond)
}

func stopManager(t *testing.T, m Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

// waitForFrames waits until c has sent n frames. Taking the manager lock
// afterwards guarantees the heartbeat timer has been re-armed.
func waitForFrames(t *testing.T, m Manager, c *fakeClient, n int) {
	t.Helper()
	eventually(t, "sent frames", func() bool { return len(c.Sent()) == n })
	m.State()
}
