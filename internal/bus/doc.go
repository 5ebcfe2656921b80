// Package bus is the in-process event bus of the intent sync daemon.
//
// Components publish on string topics and subscribers receive untyped
// payloads on buffered channels. Listen wraps a subscription in a typed
// callback loop.
//
// Topics:
//   - connection.state: connection.ConnectionState on every transition
//   - cache.invalidated: cache.Key prefix of every invalidation
package bus
