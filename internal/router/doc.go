// Package router implements the Update Router.
//
// The router reads raw frames from the Connection Manager in delivery order
// on a single goroutine, decodes each into an Inbound value and dispatches it:
//
//	pong           counted, nothing else
//	intent_update  invalidates [intents] and [intent <id>], plus
//	               [contradictions] when a contradiction was detected and
//	               [re-evaluation] when a re-evaluation phase is set
//
// Frames that fail to decode are logged, counted and dropped. They never
// reach the connection state.
//
// When a journal buffer is configured every decoded intent update is also
// pushed to an unbounded queue for the journal writer.
package router
