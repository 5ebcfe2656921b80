package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/intent-realtime/internal/cache"
	"github.com/rickgao/intent-realtime/internal/connection"
	"github.com/rickgao/intent-realtime/internal/model"
)

// IntentSource fetches intents from the REST API.
type IntentSource interface {
	ListAllIntents(ctx context.Context) ([]model.Intent, error)
	GetIntent(ctx context.Context, id string) (*model.Intent, error)
}

// Store receives polled values.
type Store interface {
	Set(key cache.Key, value any)
	Keys(prefix cache.Key) []cache.Key
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval while failed (default: 5s)
	Concurrency int           // Max concurrent intent fetches (default: 10)
	Timeout     time.Duration // Per-request timeout (default: 10s)
	IntentIDs   []string      // Intents refreshed even when not cached
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		Concurrency: 10,
		Timeout:     10 * time.Second,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Active   bool
	Cycles   int64
	Fetched  int64
	Errors   int64
	LastPoll time.Time
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock sets the clock driving the poll ticker.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Poller) {
		p.clock = clock
	}
}

// Poller polls the REST API while the real-time channel is failed.
type Poller struct {
	cfg    Config
	source IntentSource
	store  Store
	logger *slog.Logger
	clock  clockwork.Clock

	activeMu sync.Mutex
	activeCh chan bool // latest activation wins
	active   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles   atomic.Int64
	fetched  atomic.Int64
	errors   atomic.Int64
	lastPoll atomic.Int64 // unix nanos
}

// New creates a new Poller.
func New(cfg Config, source IntentSource, store Store, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	p := &Poller{
		cfg:      cfg,
		source:   source,
		store:    store,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		activeCh: make(chan bool, 1),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start begins the polling loop. The poller stays idle until activated.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("fallback poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("fallback poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishState activates polling when s is failed and deactivates it
// otherwise.
func (p *Poller) PublishState(s connection.ConnectionState) {
	p.SetActive(s.Status == connection.StatusFailed)
}

// SetActive turns polling on or off.
func (p *Poller) SetActive(active bool) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()

	if p.active.Swap(active) == active {
		return
	}

	select {
	case <-p.activeCh:
	default:
	}
	p.activeCh <- active
}

// Active reports whether polling is on.
func (p *Poller) Active() bool {
	return p.active.Load()
}

// Stats returns current statistics.
func (p *Poller) Stats() Stats {
	s := Stats{
		Active:  p.active.Load(),
		Cycles:  p.cycles.Load(),
		Fetched: p.fetched.Load(),
		Errors:  p.errors.Load(),
	}
	if ns := p.lastPoll.Load(); ns != 0 {
		s.LastPoll = time.Unix(0, ns)
	}
	return s
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	var ticker clockwork.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return

		case active := <-p.activeCh:
			switch {
			case active && ticker == nil:
				p.logger.Info("real-time channel failed, polling enabled", "interval", p.cfg.Interval)
				ticker = p.clock.NewTicker(p.cfg.Interval)
				tick = ticker.Chan()
				p.pollAll()

			case !active && ticker != nil:
				p.logger.Info("real-time channel recovered, polling disabled")
				ticker.Stop()
				ticker = nil
				tick = nil
			}

		case <-tick:
			p.pollAll()
		}
	}
}

// pollAll refreshes the intent list and every watched intent.
func (p *Poller) pollAll() {
	start := p.clock.Now()
	p.cycles.Add(1)
	p.lastPoll.Store(start.UnixNano())

	var fetched, failed atomic.Int64

	if err := p.pollList(); err != nil {
		p.logger.Warn("failed to poll intents", "error", err)
		failed.Add(1)
	} else {
		fetched.Add(1)
	}

	ids := p.watchedIDs()

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)

	for _, id := range ids {
		if p.ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := p.pollIntent(id); err != nil {
				p.logger.Warn("failed to poll intent", "intent_id", id, "error", err)
				failed.Add(1)
				return nil
			}
			fetched.Add(1)
			return nil
		})
	}
	g.Wait()

	p.fetched.Add(fetched.Load())
	p.errors.Add(failed.Load())

	p.logger.Debug("poll cycle complete",
		"intents", len(ids),
		"fetched", fetched.Load(),
		"errors", failed.Load(),
		"duration", p.clock.Since(start),
	)
}

// requestContext bounds one REST call by the configured timeout.
func (p *Poller) requestContext() (context.Context, context.CancelFunc) {
	if p.cfg.Timeout <= 0 {
		return context.WithCancel(p.ctx)
	}
	return context.WithTimeout(p.ctx, p.cfg.Timeout)
}

func (p *Poller) pollList() error {
	ctx, cancel := p.requestContext()
	defer cancel()

	intents, err := p.source.ListAllIntents(ctx)
	if err != nil {
		return err
	}

	p.store.Set(cache.IntentsKey(), intents)
	return nil
}

func (p *Poller) pollIntent(id string) error {
	ctx, cancel := p.requestContext()
	defer cancel()

	in, err := p.source.GetIntent(ctx, id)
	if err != nil {
		return err
	}

	p.store.Set(cache.IntentKey(id), *in)
	return nil
}

// watchedIDs returns configured ids plus every intent id held in the store.
func (p *Poller) watchedIDs() []string {
	seen := make(map[string]struct{}, len(p.cfg.IntentIDs))
	for _, id := range p.cfg.IntentIDs {
		seen[id] = struct{}{}
	}
	for _, k := range p.store.Keys(cache.IntentPrefix()) {
		if len(k) == 2 {
			seen[k[1]] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
