package journal

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// WriterConfig holds batching settings.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// WriterMetrics tracks writer counters.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// BatchSender is the part of *pgxpool.Pool the writer needs.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// updateRow is a row of the intent_updates table.
type updateRow struct {
	ID                    string
	SessionID             string
	IntentID              string
	Status                string
	ContradictionDetected bool
	ContradictionID       *string
	ReEvaluationPhase     *string
	ServerTS              int64 // Microseconds, 0 if unknown
	ReceivedAt            int64 // Microseconds
	Payload               []byte
}
