package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/intent-realtime/internal/api"
	"github.com/rickgao/intent-realtime/internal/cache"
	"github.com/rickgao/intent-realtime/internal/connection"
	"github.com/rickgao/intent-realtime/internal/model"
)

// fakeSource serves intents from memory and tracks concurrency.
type fakeSource struct {
	lists    atomic.Int32
	gets     atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	failIDs  map[string]bool
}

func (f *fakeSource) ListAllIntents(ctx context.Context) ([]model.Intent, error) {
	f.lists.Add(1)
	return []model.Intent{{ID: "a"}, {ID: "b"}}, nil
}

func (f *fakeSource) GetIntent(ctx context.Context, id string) (*model.Intent, error) {
	f.gets.Add(1)

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failIDs[id] {
		return nil, errors.New("boom")
	}
	return &model.Intent{ID: id, Status: model.IntentCompleted}, nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startPoller(t *testing.T, cfg Config, src IntentSource, store Store) (*Poller, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	p := New(cfg, src, store, nil, WithClock(clock))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := p.Stop(ctx); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return p, clock
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval != 5*time.Second {
		t.Errorf("Interval = %v, want 5s", cfg.Interval)
	}
}

func TestPoller_IdleUntilFailed(t *testing.T) {
	src := &fakeSource{}
	p, clock := startPoller(t, DefaultConfig(), src, cache.New(nil))

	p.PublishState(connection.ConnectionState{Status: connection.StatusReconnecting, RetryCount: 3})
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	if n := src.lists.Load(); n != 0 {
		t.Errorf("lists = %d while not failed, want 0", n)
	}
	if p.Active() {
		t.Error("Active() = true, want false")
	}
}

func TestPoller_PollsWhileFailed(t *testing.T) {
	src := &fakeSource{}
	store := cache.New(nil)
	defer store.Close()

	p, clock := startPoller(t, DefaultConfig(), src, store)

	p.PublishState(connection.ConnectionState{Status: connection.StatusFailed, RetryCount: 5})
	eventually(t, "immediate poll", func() bool { return p.Stats().Cycles == 1 })

	clock.Advance(5 * time.Second)
	eventually(t, "second poll", func() bool { return p.Stats().Cycles == 2 })

	clock.Advance(5 * time.Second)
	eventually(t, "third poll", func() bool { return p.Stats().Cycles == 3 })

	p.PublishState(connection.ConnectionState{Status: connection.StatusConnected})
	eventually(t, "deactivation", func() bool { return !p.Active() })

	// Let the loop consume the deactivation before moving time.
	time.Sleep(20 * time.Millisecond)
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	if n := p.Stats().Cycles; n != 3 {
		t.Errorf("cycles after recovery = %d, want 3", n)
	}

	e, ok := store.Peek(cache.IntentsKey())
	if !ok {
		t.Fatal("intent list not stored")
	}
	if list := e.Value.([]model.Intent); len(list) != 2 {
		t.Errorf("stored %d intents, want 2", len(list))
	}
}

func TestPoller_RefreshesWatchedIntents(t *testing.T) {
	src := &fakeSource{failIDs: map[string]bool{"bad": true}}
	store := cache.New(nil)
	defer store.Close()

	store.Set(cache.IntentKey("cached"), model.Intent{ID: "cached", Status: model.IntentPending})

	cfg := DefaultConfig()
	cfg.IntentIDs = []string{"configured", "bad"}
	p, _ := startPoller(t, cfg, src, store)

	p.SetActive(true)
	eventually(t, "poll", func() bool { return p.Stats().Cycles == 1 && src.gets.Load() == 3 })
	eventually(t, "stats", func() bool { return p.Stats().Errors == 1 })

	for _, id := range []string{"cached", "configured"} {
		e, ok := store.Peek(cache.IntentKey(id))
		if !ok {
			t.Fatalf("intent %s not stored", id)
		}
		if in := e.Value.(model.Intent); in.Status != model.IntentCompleted {
			t.Errorf("intent %s status = %q, want completed", id, in.Status)
		}
	}
	if _, ok := store.Peek(cache.IntentKey("bad")); ok {
		t.Error("failed fetch stored an entry")
	}

	s := p.Stats()
	if s.Fetched != 3 {
		t.Errorf("Fetched = %d, want 3 (list + 2 intents)", s.Fetched)
	}
}

func TestPoller_Concurrency(t *testing.T) {
	src := &fakeSource{delay: 20 * time.Millisecond}
	store := cache.New(nil)
	defer store.Close()

	cfg := DefaultConfig()
	cfg.Concurrency = 3
	for i := 0; i < 12; i++ {
		cfg.IntentIDs = append(cfg.IntentIDs, fmt.Sprintf("i-%02d", i))
	}

	p, _ := startPoller(t, cfg, src, store)
	p.SetActive(true)
	eventually(t, "poll", func() bool { return src.gets.Load() == 12 && p.Stats().Fetched == 13 })

	if m := src.maxSeen.Load(); m > 3 {
		t.Errorf("max concurrent fetches = %d, want <= 3", m)
	}
}

func TestPoller_WithRESTClient(t *testing.T) {
	var mu sync.Mutex
	paths := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path]++
		mu.Unlock()

		switch {
		case r.URL.Path == "/api/intents":
			w.Write([]byte(`[{"id":"x","content":"hello","status":"pending","created_at":"2025-01-15T12:00:00"}]`))
		case strings.HasPrefix(r.URL.Path, "/api/intents/"):
			id := strings.TrimPrefix(r.URL.Path, "/api/intents/")
			fmt.Fprintf(w, `{"id":%q,"content":"c","status":"processing"}`, id)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := api.NewClient(server.URL, "", api.WithTimeout(5*time.Second))
	store := cache.New(nil)
	defer store.Close()

	cfg := DefaultConfig()
	cfg.IntentIDs = []string{"x"}
	p, _ := startPoller(t, cfg, client, store)

	p.SetActive(true)
	eventually(t, "poll", func() bool { return p.Stats().Fetched == 2 })

	mu.Lock()
	defer mu.Unlock()
	if paths["/api/intents"] != 1 || paths["/api/intents/x"] != 1 {
		t.Errorf("paths = %v", paths)
	}

	e, _ := store.Peek(cache.IntentKey("x"))
	if in, ok := e.Value.(model.Intent); !ok || in.Status != model.IntentProcessing {
		t.Errorf("stored = %#v", e.Value)
	}
}
