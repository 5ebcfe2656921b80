package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/intent-realtime/internal/cache"
	"github.com/rickgao/intent-realtime/internal/connection"
	"github.com/rickgao/intent-realtime/internal/journal"
	"github.com/rickgao/intent-realtime/internal/poller"
	"github.com/rickgao/intent-realtime/internal/router"
	"github.com/rickgao/intent-realtime/internal/status"
	"github.com/rickgao/intent-realtime/internal/version"
)

type (
	stateSource  interface{ State() connection.ConnectionState }
	routerStats  interface{ Stats() router.RouterStats }
	pollerStats  interface{ Stats() poller.Stats }
	cacheStats   interface{ Stats() cache.Stats }
	journalStats interface{ Stats() journal.WriterMetrics }
	databasePing interface{ Ping(ctx context.Context) error }
)

// healthSources are the components /health reports on. journal and db are
// nil when the journal is disabled.
type healthSources struct {
	manager stateSource
	router  routerStats
	poller  pollerStats
	cache   cacheStats
	journal journalStats
	db      databasePing
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(src healthSources, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Version    version.Info   `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]any),
		}

		// Real-time channel; failed means the poller is carrying updates.
		state := src.manager.State()
		channel := map[string]any{
			"status":      state.Status,
			"indicator":   status.Label(state),
			"retry_count": state.RetryCount,
		}
		if !state.LastConnected.IsZero() {
			channel["last_connected"] = state.LastConnected
		}
		if state.LastError != nil {
			channel["error"] = state.LastError.Error()
		}
		health.Components["realtime"] = channel
		if state.Status != connection.StatusConnected {
			health.Status = "degraded"
		}

		rs := src.router.Stats()
		health.Components["router"] = map[string]any{
			"received":        rs.MessagesReceived,
			"intent_updates":  rs.IntentUpdates,
			"parse_errors":    rs.ParseErrors,
			"unknown":         rs.UnknownMessages,
			"invalidations":   rs.Invalidations,
			"journal_dropped": rs.JournalDropped,
		}

		ps := src.poller.Stats()
		pollerInfo := map[string]any{
			"active":  ps.Active,
			"cycles":  ps.Cycles,
			"fetched": ps.Fetched,
			"errors":  ps.Errors,
		}
		if !ps.LastPoll.IsZero() {
			pollerInfo["last_poll"] = ps.LastPoll
		}
		health.Components["poller"] = pollerInfo

		cs := src.cache.Stats()
		health.Components["cache"] = map[string]any{
			"entries":       cs.Entries,
			"hits":          cs.Hits,
			"misses":        cs.Misses,
			"fetch_errors":  cs.FetchErrors,
			"invalidations": cs.Invalidations,
		}

		if src.journal != nil {
			js := src.journal.Stats()
			journalInfo := map[string]any{
				"inserts":   js.Inserts,
				"conflicts": js.Conflicts,
				"errors":    js.Errors,
				"flushes":   js.Flushes,
			}
			if src.db != nil {
				if err := src.db.Ping(ctx); err != nil {
					health.Status = "unhealthy"
					journalInfo["database"] = "disconnected"
					journalInfo["error"] = err.Error()
				} else {
					journalInfo["database"] = "connected"
				}
			}
			health.Components["journal"] = journalInfo
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Debug("write health response", "error", err)
		}
	})

	return mux
}
