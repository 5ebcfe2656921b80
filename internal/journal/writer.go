package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/intent-realtime/internal/model"
	"github.com/rickgao/intent-realtime/internal/queue"
)

const insertUpdateSQL = `
	INSERT INTO intent_updates (id, session_id, intent_id, status, contradiction_detected,
		contradiction_id, re_evaluation_phase, server_ts, received_at, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING
`

// pollInterval is how long the consumer sleeps when the queue is empty.
const pollInterval = 10 * time.Millisecond

// Option configures a Writer.
type Option func(*Writer)

// WithClock sets the clock driving the flush ticker.
func WithClock(clock clockwork.Clock) Option {
	return func(w *Writer) {
		w.clock = clock
	}
}

// Writer consumes journal entries from the router and writes intent_updates.
type Writer struct {
	cfg    WriterConfig
	logger *slog.Logger
	clock  clockwork.Clock

	// Input from the Update Router
	input *queue.Queue[model.JournalEntry]

	// Database
	db BatchSender

	// Batching
	batch       []updateRow
	batchMu     sync.Mutex
	flushTicker clockwork.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewWriter creates a new Writer.
func NewWriter(
	cfg WriterConfig,
	input *queue.Queue[model.JournalEntry],
	db BatchSender,
	logger *slog.Logger,
	opts ...Option,
) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	w := &Writer{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		clock:  clockwork.NewRealClock(),
		batch:  make([]updateRow, 0, cfg.BatchSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins consuming entries and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = w.clock.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains whatever is still queued and flushes it before returning.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
		return ctx.Err()
	}

	for _, entry := range w.input.Drain(0) {
		w.add(entry)
	}

	// Final flush uses the caller's context; w.ctx is already cancelled.
	w.flush(ctx)

	w.logger.Info("journal writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input queue and accumulates batches.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		entry, ok := w.input.TryPop()
		if !ok {
			// Queue empty, wait a bit before trying again
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(pollInterval):
				continue
			}
		}

		// After cancellation the batch is left for Stop's final flush.
		if w.add(entry) && w.ctx.Err() == nil {
			w.flush(w.ctx)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.Chan():
			w.flush(w.ctx)
		}
	}
}

// add appends an entry and reports whether the batch is full.
func (w *Writer) add(entry model.JournalEntry) bool {
	row := transform(entry)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts a JournalEntry to an updateRow.
func transform(e model.JournalEntry) updateRow {
	return updateRow{
		ID:                    e.ID.String(),
		SessionID:             e.SessionID,
		IntentID:              e.IntentID,
		Status:                string(e.Status),
		ContradictionDetected: e.ContradictionDetected,
		ContradictionID:       nullIfEmpty(e.ContradictionID),
		ReEvaluationPhase:     nullIfEmpty(string(e.ReEvaluationPhase)),
		ServerTS:              e.ServerTS,
		ReceivedAt:            e.ReceivedAt,
		Payload:               payloadOrEmpty(e.Payload),
	}
}

func payloadOrEmpty(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]updateRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := w.clock.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed intent updates",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", w.clock.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []updateRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertUpdateSQL,
			r.ID, r.SessionID, r.IntentID, r.Status, r.ContradictionDetected,
			r.ContradictionID, r.ReEvaluationPhase, r.ServerTS, r.ReceivedAt, r.Payload,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
