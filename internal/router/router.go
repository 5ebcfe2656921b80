package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rickgao/intent-realtime/internal/cache"
	"github.com/rickgao/intent-realtime/internal/connection"
	"github.com/rickgao/intent-realtime/internal/model"
	"github.com/rickgao/intent-realtime/internal/queue"
)

// Router decodes inbound frames and turns them into cache invalidations.
type Router interface {
	// Start begins routing messages from the input channel.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router.
	Stop(ctx context.Context) error

	// Journal returns the queue of decoded updates, or nil when disabled.
	Journal() *queue.Queue[model.JournalEntry]

	// Stats returns current router statistics.
	Stats() RouterStats
}

// Invalidator marks cached entries under a key prefix stale.
type Invalidator interface {
	Invalidate(prefix cache.Key) int
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	Pongs            int64
	IntentUpdates    int64
	ParseErrors      int64
	UnknownMessages  int64
	Invalidations    int64
	JournalDropped   int64
	JournalQueue     queue.Stats
}

// router is the internal implementation.
type router struct {
	cfg         RouterConfig
	logger      *slog.Logger
	invalidator Invalidator

	// Input from Connection Manager
	input <-chan connection.RawMessage

	// Optional output to the journal writer
	journal *queue.Queue[model.JournalEntry]

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.RWMutex
	received        int64
	routed          int64
	pongs           int64
	updates         int64
	parseErrors     int64
	unknownMessages int64
	invalidations   int64
	journalDropped  int64
}

// NewRouter creates a new Update Router.
func NewRouter(cfg RouterConfig, input <-chan connection.RawMessage, inv Invalidator, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := &router{
		cfg:         cfg,
		logger:      logger,
		invalidator: inv,
		input:       input,
	}
	if cfg.JournalBufferSize > 0 {
		r.journal = queue.New[model.JournalEntry](cfg.JournalBufferSize)
	}

	return r
}

// Start begins routing messages.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("update router started", "journal", r.journal != nil)

	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping update router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("update router stopped")
	case <-ctx.Done():
		r.logger.Warn("update router stop timed out")
	}

	if r.journal != nil {
		r.journal.Close()
	}

	return nil
}

// Journal returns the journal queue.
func (r *router) Journal() *queue.Queue[model.JournalEntry] {
	return r.journal
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RouterStats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		Pongs:            r.pongs,
		IntentUpdates:    r.updates,
		ParseErrors:      r.parseErrors,
		UnknownMessages:  r.unknownMessages,
		Invalidations:    r.invalidations,
		JournalDropped:   r.journalDropped,
	}
	if r.journal != nil {
		stats.JournalQueue = r.journal.Stats()
	}
	return stats
}

// routeLoop is the main routing goroutine.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.route(raw)
		}
	}
}

// route decodes and dispatches a single frame.
func (r *router) route(raw connection.RawMessage) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	msg, err := Decode(raw.Data)
	if err != nil {
		r.mu.Lock()
		if errors.Is(err, ErrUnknownType) {
			r.unknownMessages++
		} else {
			r.parseErrors++
		}
		r.mu.Unlock()

		if errors.Is(err, ErrUnknownType) {
			r.logger.Debug("skipping message type", "error", err, "session", raw.SessionID)
		} else {
			r.logger.Warn("failed to decode frame", "error", err, "session", raw.SessionID)
		}
		return
	}

	switch m := msg.(type) {
	case Pong:
		r.mu.Lock()
		r.pongs++
		r.routed++
		r.mu.Unlock()

	case IntentUpdate:
		keys := InvalidationKeys(m)
		for _, k := range keys {
			r.invalidator.Invalidate(k)
		}
		r.record(raw, m)

		r.mu.Lock()
		r.updates++
		r.routed++
		r.invalidations += int64(len(keys))
		r.mu.Unlock()

		r.logger.Debug("intent update",
			"intent_id", m.Payload.IntentID,
			"status", m.Payload.Status,
			"invalidations", len(keys),
		)
	}
}

// record offers the update to the journal queue.
func (r *router) record(raw connection.RawMessage, m IntentUpdate) {
	if r.journal == nil {
		return
	}

	entry := model.JournalEntry{
		SessionID:             raw.SessionID,
		IntentID:              m.Payload.IntentID,
		Status:                m.Payload.Status,
		ContradictionDetected: m.Payload.ContradictionDetected,
		ContradictionID:       m.Payload.ContradictionID,
		ReEvaluationPhase:     m.Payload.ReEvaluationPhase,
		ReceivedAt:            raw.ReceivedAt.UnixMicro(),
		Payload:               m.Data,
	}
	// Redelivered frames land on the same id and are dropped by the journal.
	entry.ID = entry.ContentID(m.Timestamp)

	if m.Timestamp != "" {
		if ts, err := model.ParseTimestamp(m.Timestamp); err == nil {
			entry.ServerTS = ts.UnixMicro()
		} else {
			r.logger.Debug("unparseable update timestamp", "timestamp", m.Timestamp)
		}
	}

	if !r.journal.Push(entry) {
		r.mu.Lock()
		r.journalDropped++
		r.mu.Unlock()
	}
}

// InvalidationKeys returns the cache prefixes an update invalidates:
// the intent list and the intent itself, plus contradictions when one was
// detected and re-evaluation views when a phase is set.
func InvalidationKeys(u IntentUpdate) []cache.Key {
	keys := []cache.Key{
		cache.IntentsKey(),
		cache.IntentKey(u.Payload.IntentID),
	}
	if u.Payload.ContradictionDetected && u.Payload.ContradictionID != "" {
		keys = append(keys, cache.ContradictionsKey())
	}
	if u.Payload.ReEvaluationPhase != "" {
		keys = append(keys, cache.ReEvaluationKey())
	}
	return keys
}
