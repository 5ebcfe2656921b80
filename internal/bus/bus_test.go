package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/rickgao/intent-realtime/internal/cache"
	"github.com/rickgao/intent-realtime/internal/connection"
)

func TestPubSubBus_PublishSubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.Subscribe("topic.a")
	other := b.Subscribe("topic.b")

	b.Publish("topic.a", "hello")

	select {
	case msg := <-sub:
		if msg != "hello" {
			t.Errorf("msg = %v, want hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	select {
	case msg := <-other:
		t.Errorf("unexpected message on topic.b: %v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPubSubBus_UnsubscribeAllClosesChannel(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.Subscribe("topic.a")
	b.Unsubscribe(sub)

	// Publishing with no subscribers must not block.
	b.Publish("topic.a", 1)
}

func TestListen_TypedPayloads(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var mu sync.Mutex
	var got []int
	stop := Listen(b, "numbers", nil, func(n int) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	b.Publish("numbers", 1)
	b.Publish("numbers", "not a number")
	b.Publish("numbers", 2)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	stop()
	stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("got %v, want [1 2]", got)
	}
}

func TestListen_StopsOnBusClose(t *testing.T) {
	b := New(nil)

	stop := Listen(b, "numbers", nil, func(int) {})
	b.Close()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop blocked after bus close")
	}
}

func TestStatePublisher(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.Subscribe(TopicConnectionState)
	StatePublisher(b).PublishState(connection.ConnectionState{
		Status:     connection.StatusReconnecting,
		RetryCount: 2,
	})

	select {
	case raw := <-sub:
		st, ok := raw.(connection.ConnectionState)
		if !ok {
			t.Fatalf("payload type %T, want ConnectionState", raw)
		}
		if st.Status != connection.StatusReconnecting || st.RetryCount != 2 {
			t.Errorf("state = %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for state")
	}
}

func TestInvalidationPublisher(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.Subscribe(TopicCacheInvalidated)
	InvalidationPublisher(b).PublishInvalidated(cache.IntentKey("i-1"))

	select {
	case raw := <-sub:
		k, ok := raw.(cache.Key)
		if !ok {
			t.Fatalf("payload type %T, want cache.Key", raw)
		}
		if k.String() != cache.IntentKey("i-1").String() {
			t.Errorf("key = %v, want %v", k, cache.IntentKey("i-1"))
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for invalidation")
	}
}
