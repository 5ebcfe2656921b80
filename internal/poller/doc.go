// Package poller implements the Fallback Poller component.
//
// The Fallback Poller:
//   - Is idle while the real-time channel is healthy
//   - Activates when the channel reports failed, polling immediately and then
//     every interval (default 5s)
//   - Lists intents over REST into the [intents] cache entry
//   - Refreshes configured and cached [intent <id>] entries concurrently with
//     a bounded worker count
//   - Deactivates as soon as the channel leaves failed
package poller
