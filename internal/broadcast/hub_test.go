package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type event struct {
	StreamID string `json:"streamId"`
	Label    string `json:"label"`
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeStream(w, r, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	t.Cleanup(server.Close)
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, key string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/" + key
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, hub *Hub, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Subscribers(key) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers for %s, got %d", n, key, hub.Subscribers(key))
}

func TestPublishReachesOnlyMatchingStream(t *testing.T) {
	hub, server := startHub(t)
	conn := dial(t, server, "cam-1")
	waitForSubscribers(t, hub, "cam-1", 1)

	hub.Publish("cam-2", event{StreamID: "cam-2", Label: "other"})
	hub.Publish("cam-1", event{StreamID: "cam-1", Label: "bottle"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.StreamID != "cam-1" || got.Label != "bottle" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, server := startHub(t)
	conn := dial(t, server, "cam-3")
	waitForSubscribers(t, hub, "cam-3", 1)

	conn.Close()
	waitForSubscribers(t, hub, "cam-3", 0)
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	hub := NewHub(zap.NewNop())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Publish("nobody", event{Label: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked without a running hub")
	}
}
