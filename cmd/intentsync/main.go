package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/intent-realtime/internal/api"
	"github.com/rickgao/intent-realtime/internal/bus"
	"github.com/rickgao/intent-realtime/internal/cache"
	"github.com/rickgao/intent-realtime/internal/config"
	"github.com/rickgao/intent-realtime/internal/connection"
	"github.com/rickgao/intent-realtime/internal/database"
	"github.com/rickgao/intent-realtime/internal/journal"
	"github.com/rickgao/intent-realtime/internal/logging"
	"github.com/rickgao/intent-realtime/internal/model"
	"github.com/rickgao/intent-realtime/internal/poller"
	"github.com/rickgao/intent-realtime/internal/router"
	"github.com/rickgao/intent-realtime/internal/status"
	"github.com/rickgao/intent-realtime/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/intentsync.local.yaml", "path to config file")
	tui := flag.Bool("tui", false, "show the connection status view")
	logFile := flag.String("log-file", "intentsync.log", "log destination while -tui is set")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	// The status view owns the terminal, so logs go to a file.
	var logOut io.Writer = os.Stdout
	if *tui {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			slog.Error("failed to open log file", "error", err, "path", *logFile)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}

	logger, err := logging.Setup(cfg.Logging, cfg.Instance.ID, logOut)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}

	logger.Info("starting intentsync",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)
	logger.Info("configuration loaded",
		"api_url", cfg.API.RestURL,
		"realtime", cfg.API.RealtimeChannelEnabled(),
		"journal", cfg.Journal.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger, *tui); err != nil {
		logger.Error("intentsync failed", "error", err)
		os.Exit(1)
	}

	logger.Info("intentsync stopped")
}

// run wires the components, blocks until ctx ends (or the status view is
// closed) and shuts everything down in dependency order.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, tui bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	messageBus := bus.New(logger.With("component", "bus"))
	defer messageBus.Close()

	apiClient := api.NewClient(
		cfg.API.RestURL,
		cfg.API.APIKey,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	queryCache := cache.New(
		logger.With("component", "cache"),
		cache.WithPublisher(bus.InvalidationPublisher(messageBus)),
		cache.WithBackgroundRefetch(cfg.API.Timeout),
		cache.WithFetchTimeout(cfg.API.Timeout),
	)
	defer queryCache.Close()
	registerFetchers(queryCache, apiClient)

	// Journal (optional)
	var (
		pool          *pgxpool.Pool
		journalWriter *journal.Writer
		journalSize   int
	)
	if cfg.Journal.Enabled {
		db := cfg.Journal.Database
		logger.Info("connecting to journal database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)

		if err := database.Migrate(db); err != nil {
			return fmt.Errorf("migrate journal database: %w", err)
		}

		var err error
		pool, err = database.Connect(ctx, db)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		journalSize = cfg.Journal.BufferSize
		logger.Info("journal database connected")
	}

	manager := connection.NewManager(
		managerConfig(cfg),
		logger.With("component", "connection"),
		connection.WithStatePublisher(bus.StatePublisher(messageBus)),
	)

	updateRouter := router.NewRouter(
		router.RouterConfig{JournalBufferSize: journalSize},
		manager.Messages(),
		queryCache,
		logger.With("component", "router"),
	)

	fallback := poller.New(
		poller.Config{
			Interval:    cfg.Poller.Interval,
			Concurrency: cfg.Poller.Concurrency,
			Timeout:     cfg.Poller.Timeout,
			IntentIDs:   cfg.Realtime.IntentIDs,
		},
		apiClient,
		queryCache,
		logger.With("component", "poller"),
	)
	stopFallbackListener := bus.Listen(messageBus, bus.TopicConnectionState, logger, fallback.PublishState)

	if journalSize > 0 {
		journalWriter = journal.NewWriter(
			journal.WriterConfig{
				BatchSize:     cfg.Journal.BatchSize,
				FlushInterval: cfg.Journal.FlushInterval,
			},
			updateRouter.Journal(),
			pool,
			logger.With("component", "journal"),
		)
	}

	// Start consumers before the manager so the first state change is seen.
	if err := fallback.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	if err := updateRouter.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if journalWriter != nil {
		if err := journalWriter.Start(ctx); err != nil {
			return fmt.Errorf("start journal writer: %w", err)
		}
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}

	src := healthSources{
		manager: manager,
		router:  updateRouter,
		poller:  fallback,
		cache:   queryCache,
	}
	if journalWriter != nil {
		src.journal = journalWriter
		src.db = pool
	}
	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           createHealthHandler(src, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("intentsync running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	if tui {
		if err := status.Run(ctx, messageBus, manager.State(), logger); err != nil {
			logger.Error("status view failed", "error", err)
		}
		cancel()
	}

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown", "error", err)
	}

	// Manager closes Messages(), which ends the router loop; the router then
	// closes the journal queue for the writer's final flush.
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Warn("connection manager stop", "error", err)
	}
	if err := updateRouter.Stop(shutdownCtx); err != nil {
		logger.Warn("router stop", "error", err)
	}
	if journalWriter != nil {
		if err := journalWriter.Stop(shutdownCtx); err != nil {
			logger.Warn("journal writer stop", "error", err)
		}
	}
	stopFallbackListener()
	if err := fallback.Stop(shutdownCtx); err != nil {
		logger.Warn("poller stop", "error", err)
	}

	return nil
}

// managerConfig maps configuration onto the fixed channel parameters.
func managerConfig(cfg *config.Config) connection.ManagerConfig {
	mc := connection.DefaultManagerConfig()
	mc.Endpoint = cfg.API.WSURL
	mc.APIKey = cfg.API.APIKey
	mc.IntentIDs = cfg.Realtime.IntentIDs
	mc.ConnectTimeout = cfg.Realtime.ConnectTimeout
	mc.StaleTimeout = cfg.Realtime.StaleTimeout
	mc.MessageBufferSize = cfg.Realtime.MessageBufferSize
	return mc
}

// intentFetcher is the REST surface the cache fetchers use.
type intentFetcher interface {
	ListAllIntents(ctx context.Context) ([]model.Intent, error)
	GetIntent(ctx context.Context, id string) (*model.Intent, error)
}

// registerFetchers binds cache keys to REST calls. Contradiction and
// re-evaluation keys have no REST source here and are only invalidated.
func registerFetchers(c *cache.Cache, client intentFetcher) {
	c.Register(cache.IntentsKey(), func(ctx context.Context, _ cache.Key) (any, error) {
		return client.ListAllIntents(ctx)
	})
	c.Register(cache.IntentPrefix(), func(ctx context.Context, key cache.Key) (any, error) {
		if len(key) < 2 || key[1] == "" {
			return nil, fmt.Errorf("intent key %s has no id", key)
		}
		in, err := client.GetIntent(ctx, key[1])
		if err != nil {
			return nil, err
		}
		// Stored by value, the same shape the fallback poller writes.
		return *in, nil
	})
}
