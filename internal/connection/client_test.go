package connection

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*http.Request, *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func drainUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestClient_Connect(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		drainUntilClosed(conn)
	})
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.URL = wsURL(server)

	client := NewClient(cfg, nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after Close")
	}

	// Close is idempotent.
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestClient_AuthorizationHeader(t *testing.T) {
	got := make(chan string, 1)
	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		got <- r.Header.Get("Authorization")
		drainUntilClosed(conn)
	})
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.URL = wsURL(server)
	cfg.APIKey = "secret"

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	select {
	case h := <-got:
		if h != "Bearer secret" {
			t.Errorf("Authorization = %q, want %q", h, "Bearer secret")
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw the handshake")
	}
}

func TestClient_Send(t *testing.T) {
	received := make(chan string, 1)
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		drainUntilClosed(conn)
	})
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.URL = wsURL(server)

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if err := client.Send([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg != `{"type":"ping"}` {
			t.Errorf("server received %s, want ping", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	client := NewClient(DefaultClientConfig(), nil)

	if err := client.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send error = %v, want ErrNotConnected", err)
	}
}

func TestClient_ConnectAfterClose(t *testing.T) {
	client := NewClient(DefaultClientConfig(), nil)
	client.Close()

	if err := client.Connect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect error = %v, want ErrAlreadyClosed", err)
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.URL = wsURL(server)

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err == nil {
		client.Close()
		t.Fatal("expected handshake error from non-websocket server")
	}
}

func TestClient_ReceiveMessages(t *testing.T) {
	server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"intent_update","intent_id":"a"}`))
		drainUntilClosed(conn)
	})
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.URL = wsURL(server)

	client := NewClient(cfg, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	want := []string{`{"type":"pong"}`, `{"type":"intent_update","intent_id":"a"}`}
	for i, w := range want {
		select {
		case msg := <-client.Messages():
			if string(msg.Data) != w {
				t.Errorf("message %d = %s, want %s", i, msg.Data, w)
			}
			if msg.ReceivedAt.IsZero() {
				t.Errorf("message %d has zero ReceivedAt", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestClient_ServerCloseReported(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantClean bool
	}{
		{"normal closure", websocket.CloseNormalClosure, true},
		{"going away", websocket.CloseGoingAway, true},
		{"internal error", websocket.CloseInternalServerErr, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := mockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(tt.code, "bye"),
					time.Now().Add(time.Second))
				drainUntilClosed(conn)
			})
			defer server.Close()

			cfg := DefaultClientConfig()
			cfg.URL = wsURL(server)

			client := NewClient(cfg, nil)
			if err := client.Connect(context.Background()); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}
			defer client.Close()

			select {
			case err := <-client.Errors():
				if got := IsCleanClose(err); got != tt.wantClean {
					t.Errorf("IsCleanClose(%v) = %v, want %v", err, got, tt.wantClean)
				}
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for close error")
			}
		})
	}
}

func TestIsCleanClose(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, false},
		{"normal", &websocket.CloseError{Code: websocket.CloseNormalClosure}, true},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, false},
		{"wrapped normal", errors.Join(errors.New("read"), &websocket.CloseError{Code: websocket.CloseNormalClosure}), true},
	}

	for _, tt := range tests {
		if got := IsCleanClose(tt.err); got != tt.want {
			t.Errorf("IsCleanClose(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestManager_RealSocketRoundTrip(t *testing.T) {
	gotQuery := make(chan []string, 1)
	gotFrame := make(chan string, 1)

	server := mockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		gotQuery <- r.URL.Query()["intent_ids"]
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		gotFrame <- string(data)
		drainUntilClosed(conn)
	})
	defer server.Close()

	cfg := DefaultManagerConfig()
	cfg.Endpoint = wsURL(server) + "/ws/intents"
	cfg.IntentIDs = []string{"a", "b"}

	m := NewManager(cfg, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer stopManager(t, m)

	waitForStatus(t, m, StatusConnected)

	select {
	case ids := <-gotQuery:
		if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
			t.Errorf("intent_ids query = %v, want [a b]", ids)
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw the handshake")
	}

	select {
	case msg := <-m.Messages():
		if string(msg.Data) != `{"type":"pong"}` {
			t.Errorf("message = %s, want pong", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound frame")
	}

	m.Subscribe([]string{"c"})

	select {
	case frame := <-gotFrame:
		if frame != `{"type":"subscribe","intent_ids":["c"]}` {
			t.Errorf("frame = %s", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for subscribe frame")
	}
}
