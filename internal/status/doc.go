// Package status renders connection health for operators.
//
// Indicator maps a ConnectionState to the compact icon and label used by the
// dashboard. Model is a bubbletea program that follows connection.state and
// cache.invalidated from the message bus.
package status
