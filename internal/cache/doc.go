// Package cache holds the locally cached view of server-side intent data.
//
// Entries are addressed by Key, a path of strings. Invalidate takes a key
// prefix and marks every entry under it stale, the way the dashboard's query
// client invalidates query keys. Stale or missing entries are refetched on the
// next Get through the fetcher registered for the longest matching prefix;
// concurrent fetches of one key are collapsed into one call.
//
// Well-known keys:
//
//	IntentsKey()        ["intents"]            intent list
//	IntentKey(id)       ["intent", id]         one intent
//	ContradictionsKey() ["contradictions"]     contradiction views
//	ReEvaluationKey()   ["re-evaluation"]      re-evaluation views
package cache
