package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	ErrNoFetcher = errors.New("no fetcher registered for key")
	ErrClosed    = errors.New("cache closed")
)

// Fetcher loads the value for key from the source of truth.
type Fetcher func(ctx context.Context, key Key) (any, error)

// Publisher is told about every invalidated prefix.
type Publisher interface {
	PublishInvalidated(prefix Key)
}

// PublisherFunc is a function adapter for Publisher.
type PublisherFunc func(Key)

func (f PublisherFunc) PublishInvalidated(k Key) {
	f(k)
}

// Entry is a snapshot of a cached value.
type Entry struct {
	Key       Key
	Value     any
	UpdatedAt time.Time
	Stale     bool
}

// Stats contains runtime statistics.
type Stats struct {
	Entries       int
	Hits          int64
	Misses        int64
	Fetches       int64
	FetchErrors   int64
	Invalidations int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithPublisher sets the receiver of invalidation notices.
func WithPublisher(p Publisher) Option {
	return func(c *Cache) {
		c.publisher = p
	}
}

// WithBackgroundRefetch makes Invalidate refetch affected entries right away,
// each bounded by timeout.
func WithBackgroundRefetch(timeout time.Duration) Option {
	return func(c *Cache) {
		c.refetch = true
		c.refetchTimeout = timeout
	}
}

// WithFetchTimeout bounds every fetcher call. Callers still stop waiting when
// their own context ends.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		c.fetchTimeout = timeout
	}
}

// WithNow sets the time source for UpdatedAt.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

type registration struct {
	prefix  Key
	fetcher Fetcher
}

type entry struct {
	key        Key
	value      any
	updatedAt  time.Time
	stale      bool
	invalidSeq uint64 // seq of the last Invalidate that matched
	writeSeq   uint64 // seq of the last Set
}

// Cache is a prefix-invalidated query cache.
type Cache struct {
	logger         *slog.Logger
	publisher      Publisher
	refetch        bool
	refetchTimeout time.Duration
	fetchTimeout   time.Duration
	now            func() time.Time

	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	entries   map[string]*entry
	fetchers  []registration
	closed    bool
	seq       uint64
	hits      int64
	misses    int64
	fetches   int64
	fetchErrs int64
	invalids  int64
}

// New creates an empty cache.
func New(logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		logger:  logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Register sets the fetcher for every key under prefix. The longest
// registered prefix wins.
func (c *Cache) Register(prefix Key, f Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.fetchers {
		if c.fetchers[i].prefix.Equal(prefix) {
			c.fetchers[i].fetcher = f
			return
		}
	}

	c.fetchers = append(c.fetchers, registration{prefix: append(Key(nil), prefix...), fetcher: f})
	sort.SliceStable(c.fetchers, func(i, j int) bool {
		return len(c.fetchers[i].prefix) > len(c.fetchers[j].prefix)
	})
}

// Get returns the value for key, fetching it if missing or stale.
func (c *Cache) Get(ctx context.Context, key Key) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := c.entries[key.id()]; ok && !e.stale {
		c.hits++
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.misses++
	c.mu.Unlock()

	return c.fetch(ctx, key)
}

// Peek returns the cached entry for key without fetching.
func (c *Cache) Peek(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key.id()]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Set stores a fresh value for key.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	e := c.storeLocked(key, value)
	e.writeSeq = c.seq
}

// Invalidate marks every entry under prefix stale and returns how many were
// marked. The prefix is published even when nothing is cached under it.
func (c *Cache) Invalidate(prefix Key) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}

	c.seq++
	var refetch []Key
	n := 0
	for id, e := range c.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		e.stale = true
		e.invalidSeq = c.seq
		c.group.Forget(id)
		n++
		if c.refetch {
			refetch = append(refetch, e.key)
		}
	}
	c.invalids++

	for _, k := range refetch {
		c.wg.Add(1)
		go c.backgroundFetch(k)
	}
	c.mu.Unlock()

	c.logger.Debug("cache invalidated", "prefix", prefix.String(), "entries", n)

	if c.publisher != nil {
		c.publisher.PublishInvalidated(prefix)
	}

	return n
}

// Keys returns the keys of every cached entry under prefix.
func (c *Cache) Keys(prefix Key) []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []Key
	for _, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			keys = append(keys, e.key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].id() < keys[j].id() })
	return keys
}

// Stats returns current statistics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Entries:       len(c.entries),
		Hits:          c.hits,
		Misses:        c.misses,
		Fetches:       c.fetches,
		FetchErrors:   c.fetchErrs,
		Invalidations: c.invalids,
	}
}

// Close stops background refetches and waits for them to return.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// fetch loads key through its fetcher, collapsing concurrent calls.
func (c *Cache) fetch(ctx context.Context, key Key) (any, error) {
	f := c.fetcherFor(key)
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFetcher, key)
	}

	ch := c.group.DoChan(key.id(), func() (any, error) {
		c.mu.Lock()
		c.fetches++
		startSeq := c.seq
		c.mu.Unlock()

		fctx, cancel := c.flightContext(ctx)
		defer cancel()

		v, err := f(fctx, key)
		if err != nil {
			c.mu.Lock()
			c.fetchErrs++
			c.mu.Unlock()
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if e, ok := c.entries[key.id()]; ok && e.writeSeq > startSeq {
			// A Set landed while in flight and is newer than v.
			return e.value, nil
		}
		e := c.storeLocked(key, v)
		// Invalidated while in flight: keep the value but leave it stale.
		e.stale = e.invalidSeq > startSeq
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("fetch %s: %w", key, res.Err)
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flightContext detaches a shared fetch from the caller that started it, so
// callers joining the flight are not failed by the first one's deadline. The
// fetch still ends with the cache or after fetchTimeout.
func (c *Cache) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if c.fetchTimeout > 0 {
		var cancelTimeout context.CancelFunc
		fctx, cancelTimeout = context.WithTimeout(fctx, c.fetchTimeout)
		parent := cancel
		cancel = func() {
			cancelTimeout()
			parent()
		}
	}
	stop := context.AfterFunc(c.ctx, cancel)
	return fctx, func() {
		stop()
		cancel()
	}
}

func (c *Cache) backgroundFetch(key Key) {
	defer c.wg.Done()

	ctx := c.ctx
	if c.refetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.refetchTimeout)
		defer cancel()
	}

	if _, err := c.fetch(ctx, key); err != nil && !errors.Is(err, ErrNoFetcher) {
		c.logger.Warn("background refetch failed", "key", key.String(), "error", err)
	}
}

func (c *Cache) fetcherFor(key Key) Fetcher {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, r := range c.fetchers {
		if key.HasPrefix(r.prefix) {
			return r.fetcher
		}
	}
	return nil
}

func (c *Cache) storeLocked(key Key, value any) *entry {
	id := key.id()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{key: append(Key(nil), key...)}
		c.entries[id] = e
	}
	e.value = value
	e.updatedAt = c.now()
	e.stale = false
	return e
}

func (e *entry) snapshot() Entry {
	return Entry{
		Key:       append(Key(nil), e.key...),
		Value:     e.value,
		UpdatedAt: e.updatedAt,
		Stale:     e.stale,
	}
}
