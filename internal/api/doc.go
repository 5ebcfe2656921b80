// Package api provides the REST client for the intents API.
//
// Endpoints:
//   - GET {rest_url}/api/intents       list intents (plain array or paged object)
//   - GET {rest_url}/api/intents/{id}  one intent
//
// Requests carry a Bearer API key when configured. 5xx and 429 responses are
// retried with jittered exponential backoff; other errors are returned as
// *APIError.
package api
