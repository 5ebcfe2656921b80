package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/intent-realtime/internal/queue"
)

// Manager owns the real-time channel to the intents endpoint.
//
// None of its methods report channel failures: health is observed through
// State() (or a StatePublisher) only.
type Manager interface {
	// Start connects, or enters failed immediately when the endpoint is disabled.
	Start(ctx context.Context) error

	// Stop cancels all timers, closes the channel and closes Messages().
	Stop(ctx context.Context) error

	// Connect starts a connection attempt. No-op while connecting or connected.
	Connect()

	// Disconnect closes the channel and cancels any pending reconnect.
	Disconnect()

	// Subscribe asks the server for updates on intentIDs. No-op unless connected.
	Subscribe(intentIDs []string)

	// Unsubscribe stops updates for intentIDs. No-op unless connected.
	Unsubscribe(intentIDs []string)

	// State returns a snapshot of the current connection state.
	State() ConnectionState

	// Messages returns inbound frames for the Update Router.
	Messages() <-chan RawMessage
}

// StatePublisher receives every ConnectionState change, in order.
type StatePublisher interface {
	PublishState(state ConnectionState)
}

// StatePublisherFunc is a function adapter for StatePublisher.
type StatePublisherFunc func(ConnectionState)

func (f StatePublisherFunc) PublishState(s ConnectionState) {
	f(s)
}

// ManagerOption configures a Manager.
type ManagerOption func(*manager)

// WithClock sets the clock used for heartbeat and backoff timers.
func WithClock(clock clockwork.Clock) ManagerOption {
	return func(m *manager) {
		m.clock = clock
	}
}

// WithClientFactory sets how transport clients are built.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *manager) {
		m.newClient = f
	}
}

// WithStatePublisher sets the receiver of state changes.
func WithStatePublisher(p StatePublisher) ManagerOption {
	return func(m *manager) {
		m.publisher = p
	}
}

// attempt is one dial of the channel and, if it opens, its lifetime.
type attempt struct {
	gen     uint64
	session string
	client  Client
	done    chan struct{} // closed when the attempt is superseded
}

// manager implements the Manager interface.
//
// Every transition runs under mu. Timer callbacks and goroutine results carry
// the generation they were created for and are dropped when it is stale.
type manager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	clock     clockwork.Clock
	newClient ClientFactory
	publisher StatePublisher

	messages chan RawMessage
	notices  *queue.Queue[ConnectionState]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       ConnectionState
	started     bool
	stopped     bool
	gen         uint64
	current     *attempt
	heartbeat   clockwork.Timer
	reconnect   clockwork.Timer
	lastInbound time.Time
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...ManagerOption) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		cfg:       cfg,
		logger:    logger,
		clock:     clockwork.NewRealClock(),
		newClient: NewClient,
		messages:  make(chan RawMessage, cfg.MessageBufferSize),
		notices:   queue.New[ConnectionState](16),
		state:     ConnectionState{Status: StatusDisconnected},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins the connection manager.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("connection manager already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if m.publisher != nil {
		m.wg.Add(1)
		go m.notifyLoop()
	}

	m.logger.Info("connection manager started",
		"endpoint", m.cfg.Endpoint,
		"intent_ids", len(m.cfg.IntentIDs),
	)

	m.Connect()
	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.gen++
	stopTimer(&m.reconnect)
	closeClient := m.dropAttemptLocked()
	m.state.Status = StatusDisconnected
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("stopping connection manager")

	closeClient()
	m.cancel()
	m.notices.Close()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(m.messages)
	case <-ctx.Done():
		m.logger.Warn("connection manager stop timed out")
		return ctx.Err()
	}

	m.logger.Info("connection manager stopped")
	return nil
}

// Connect starts a connection attempt.
func (m *manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectLocked()
}

// Disconnect closes the channel cleanly.
func (m *manager) Disconnect() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.gen++
	stopTimer(&m.reconnect)
	closeClient := m.dropAttemptLocked()
	m.state.Status = StatusDisconnected
	m.publishLocked()
	m.mu.Unlock()

	closeClient()
	m.logger.Info("websocket disconnected")
}

// Subscribe sends a subscribe control frame.
func (m *manager) Subscribe(intentIDs []string) {
	m.sendSubscription(TypeSubscribe, intentIDs)
}

// Unsubscribe sends an unsubscribe control frame.
func (m *manager) Unsubscribe(intentIDs []string) {
	m.sendSubscription(TypeUnsubscribe, intentIDs)
}

// State returns the current connection state.
func (m *manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Messages returns the output channel for the Update Router.
func (m *manager) Messages() <-chan RawMessage {
	return m.messages
}

// connectLocked starts a dial unless one is in flight or open.
func (m *manager) connectLocked() {
	if !m.started || m.stopped {
		return
	}

	if IsDisabled(m.cfg.Endpoint) {
		m.logger.Warn("websocket disabled, falling back to polling")
		m.state.Status = StatusFailed
		m.state.LastError = ErrDisabled
		m.publishLocked()
		return
	}

	switch m.state.Status {
	case StatusConnecting, StatusConnected:
		return
	}

	target, err := BuildURL(m.cfg.Endpoint, m.cfg.IntentIDs)
	if err != nil {
		m.logger.Error("invalid websocket endpoint", "endpoint", m.cfg.Endpoint, "error", err)
		m.state.Status = StatusFailed
		m.state.LastError = err
		m.publishLocked()
		return
	}

	stopTimer(&m.reconnect)
	m.gen++

	a := &attempt{
		gen:     m.gen,
		session: uuid.NewString(),
		done:    make(chan struct{}),
	}
	a.client = m.newClient(ClientConfig{
		URL:          target,
		APIKey:       m.cfg.APIKey,
		WriteTimeout: m.cfg.WriteTimeout,
		BufferSize:   m.cfg.MessageBufferSize,
	}, m.logger.With("session", a.session))
	m.current = a

	m.state.Status = StatusConnecting
	m.publishLocked()

	m.logger.Info("websocket connecting",
		"url", target,
		"session", a.session,
		"retry_count", m.state.RetryCount,
	)

	m.wg.Add(1)
	go m.dial(a)
}

// dial performs the handshake off the lock and reports back under it.
func (m *manager) dial(a *attempt) {
	defer m.wg.Done()

	ctx := m.ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	err := a.client.Connect(ctx)

	m.mu.Lock()
	if a.gen != m.gen || m.stopped {
		// Superseded by Disconnect, Stop or a newer attempt.
		m.mu.Unlock()
		a.client.Close()
		return
	}

	if err != nil {
		m.logger.Warn("websocket connection failed",
			"session", a.session,
			"retry_count", m.state.RetryCount,
			"error", err,
		)
		closeClient := m.dropAttemptLocked()
		m.state.LastError = fmt.Errorf("dial websocket: %w", err)
		m.handleCloseLocked(false)
		m.mu.Unlock()
		closeClient()
		return
	}

	now := m.clock.Now()
	m.state = ConnectionState{
		Status:        StatusConnected,
		RetryCount:    0,
		LastConnected: now,
	}
	m.lastInbound = now
	m.scheduleHeartbeatLocked(a.gen)
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("websocket connected", "session", a.session)

	m.wg.Add(1)
	go m.readLoop(a)
}

// readLoop forwards frames from one attempt until it ends or is superseded.
func (m *manager) readLoop(a *attempt) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-a.done:
			return

		case msg := <-a.client.Messages():
			m.forward(a, msg)

		case err := <-a.client.Errors():
			// Deliver frames read before the error first.
			for drained := false; !drained; {
				select {
				case msg := <-a.client.Messages():
					m.forward(a, msg)
				default:
					drained = true
				}
			}
			m.handleReadError(a, err)
			return
		}
	}
}

// forward hands a frame to the router channel (non-blocking).
func (m *manager) forward(a *attempt, msg TimestampedMessage) {
	m.mu.Lock()
	if a.gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.lastInbound = m.clock.Now()
	m.mu.Unlock()

	raw := RawMessage{
		Data:       msg.Data,
		SessionID:  a.session,
		ReceivedAt: msg.ReceivedAt,
	}

	select {
	case m.messages <- raw:
	case <-m.ctx.Done():
	default:
		m.logger.Warn("message buffer full, dropping", "session", a.session)
	}
}

// handleReadError applies the close transition for a dropped channel.
func (m *manager) handleReadError(a *attempt, err error) {
	m.mu.Lock()
	if a.gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}

	clean := IsCleanClose(err)
	m.logger.Warn("websocket closed",
		"session", a.session,
		"clean", clean,
		"error", err,
	)

	closeClient := m.dropAttemptLocked()
	if !clean {
		m.state.LastError = fmt.Errorf("websocket read: %w", err)
	}
	m.handleCloseLocked(clean)
	m.mu.Unlock()

	closeClient()
}

// handleCloseLocked moves to reconnecting, failed or disconnected after the
// channel closed (or never opened).
func (m *manager) handleCloseLocked(clean bool) {
	stopTimer(&m.heartbeat)

	switch {
	case !clean && m.state.RetryCount < m.cfg.MaxRetryCount:
		m.state.RetryCount++
		m.state.Status = StatusReconnecting

		delay := BackoffDelay(m.cfg.BaseRetryDelay, m.state.RetryCount)
		gen := m.gen
		m.reconnect = m.clock.AfterFunc(delay, func() { m.onReconnectTimer(gen) })

		m.logger.Info("websocket reconnecting",
			"delay", delay,
			"attempt", m.state.RetryCount,
			"max", m.cfg.MaxRetryCount,
		)

	case m.state.RetryCount >= m.cfg.MaxRetryCount:
		m.state.Status = StatusFailed
		if m.state.LastError != nil && !errors.Is(m.state.LastError, ErrMaxRetries) {
			m.state.LastError = fmt.Errorf("%w: %w", ErrMaxRetries, m.state.LastError)
		} else {
			m.state.LastError = ErrMaxRetries
		}
		m.logger.Error("websocket max retry count reached, falling back to polling",
			"retry_count", m.state.RetryCount,
		)

	default:
		m.state.Status = StatusDisconnected
	}

	m.publishLocked()
}

// onReconnectTimer fires a scheduled reconnect if nothing superseded it.
func (m *manager) onReconnectTimer(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.stopped || m.state.Status != StatusReconnecting {
		return
	}
	m.reconnect = nil
	m.connectLocked()
}

// scheduleHeartbeatLocked arms the next ping for attempt gen.
func (m *manager) scheduleHeartbeatLocked(gen uint64) {
	m.heartbeat = m.clock.AfterFunc(m.cfg.PingInterval, func() { m.onHeartbeat(gen) })
}

// onHeartbeat sends a ping, or force-closes a stale channel when a stale
// bound is configured.
func (m *manager) onHeartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.stopped || m.current == nil || m.state.Status != StatusConnected {
		m.mu.Unlock()
		return
	}

	if m.cfg.StaleTimeout > 0 {
		if idle := m.clock.Now().Sub(m.lastInbound); idle > m.cfg.StaleTimeout {
			m.logger.Warn("no inbound frames, connection stale",
				"idle", idle,
				"timeout", m.cfg.StaleTimeout,
			)
			closeClient := m.dropAttemptLocked()
			m.state.LastError = ErrStaleConnection
			m.handleCloseLocked(false)
			m.mu.Unlock()
			closeClient()
			return
		}
	}

	if err := m.sendLocked(pingMessage{Type: TypePing}); err != nil {
		m.logger.Debug("failed to send ping", "error", err)
	}
	m.scheduleHeartbeatLocked(gen)
	m.mu.Unlock()
}

// sendSubscription sends a subscribe/unsubscribe frame if connected.
func (m *manager) sendSubscription(kind string, intentIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.state.Status != StatusConnected {
		m.logger.Debug("not connected, dropping control message",
			"type", kind,
			"intent_ids", len(intentIDs),
		)
		return
	}

	if intentIDs == nil {
		intentIDs = []string{}
	}

	if err := m.sendLocked(subscriptionMessage{Type: kind, IntentIDs: intentIDs}); err != nil {
		m.logger.Warn("failed to send control message", "type", kind, "error", err)
	}
}

// sendLocked marshals msg and writes it to the current client.
func (m *manager) sendLocked(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	return m.current.client.Send(data)
}

// dropAttemptLocked detaches the current attempt and invalidates its
// callbacks. The returned func closes its client and must be called after
// releasing mu.
func (m *manager) dropAttemptLocked() func() {
	stopTimer(&m.heartbeat)

	a := m.current
	if a == nil {
		return func() {}
	}
	m.current = nil
	m.gen++
	close(a.done)

	return func() {
		if err := a.client.Close(); err != nil {
			m.logger.Debug("close websocket", "session", a.session, "error", err)
		}
	}
}

// publishLocked queues the current state for the publisher.
func (m *manager) publishLocked() {
	if m.publisher == nil {
		return
	}
	m.notices.Push(m.state)
}

// notifyLoop delivers state changes to the publisher in order.
func (m *manager) notifyLoop() {
	defer m.wg.Done()

	for {
		state, ok := m.notices.Pop()
		if !ok {
			return
		}
		m.publisher.PublishState(state)
	}
}

// stopTimer stops and clears a timer handle.
func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// BuildURL appends one intent_ids query parameter per id to endpoint.
func BuildURL(endpoint string, intentIDs []string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}

	if len(intentIDs) > 0 {
		q := u.Query()
		for _, id := range intentIDs {
			q.Add("intent_ids", id)
		}
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}
