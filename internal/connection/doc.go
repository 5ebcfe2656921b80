// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single websocket to the intents endpoint
//   - Tracks channel health as a ConnectionState value
//   - Sends an application-level ping every 30 seconds while connected
//   - Reconnects with exponential backoff (1s, 2s, 4s, 8s, 16s), then fails
//   - Sends subscribe/unsubscribe control frames (fire-and-forget)
//   - Forwards inbound frames, in order, to the Update Router
//
// A failed manager is the signal for consumers to switch to REST polling.
package connection
