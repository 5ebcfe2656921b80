// Package model defines the shared data types of the intent update channel.
//
// Intent and its enums mirror the intents REST API. JournalEntry mirrors the
// intent_updates table written by the journal.
//
// Conventions:
//   - Journal timestamps: int64 microseconds since Unix epoch
//   - API timestamps: Timestamp, which accepts RFC 3339 and zone-less ISO-8601
//   - IDs: string for intents, uuid.UUID for journal rows
package model
