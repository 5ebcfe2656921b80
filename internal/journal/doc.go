// Package journal persists received intent updates to PostgreSQL.
//
// The Writer consumes the router's journal queue, accumulates rows and
// flushes them with pgx.Batch on size or interval. Inserts are append-only and
// idempotent on the entry id.
package journal
