package fanout

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, h *Hub) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForRoom polls until connectionID has at least one subscriber or the
// timeout elapses; subscription happens asynchronously on the server's
// readPump goroutine relative to the client's send.
func waitForRoom(t *testing.T, h *Hub, connectionID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		n := len(h.byConnection[connectionID])
		h.mu.RUnlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a subscriber on connection %s", connectionID)
}

func TestSubscribeAndPublishSchemaChange(t *testing.T) {
	h := New(zerolog.Nop())
	srv, url := newTestServer(t, h)
	defer srv.Close()

	conn := dial(t, url)
	if err := conn.WriteJSON(clientCommand{Action: "subscribe", ConnectionID: "conn-1"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	waitForRoom(t, h, "conn-1")

	h.PublishSchemaChange(domain.SchemaChange{ConnectionID: "conn-1", Kind: domain.ChangeAddition, Identifier: "public.users"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Topic != TopicSchemaChange {
		t.Errorf("topic = %s, want %s", evt.Topic, TopicSchemaChange)
	}
}

func TestUnsubscribedSessionReceivesNothing(t *testing.T) {
	h := New(zerolog.Nop())
	srv, url := newTestServer(t, h)
	defer srv.Close()

	conn := dial(t, url)
	_ = conn

	h.PublishSchemaChange(domain.SchemaChange{ConnectionID: "conn-1"})

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected no message to be delivered to an unsubscribed session")
	}
}

func TestUnsubscribeRemovesFromRoom(t *testing.T) {
	h := New(zerolog.Nop())
	srv, url := newTestServer(t, h)
	defer srv.Close()

	conn := dial(t, url)
	conn.WriteJSON(clientCommand{Action: "subscribe", ConnectionID: "conn-1"})
	waitForRoom(t, h, "conn-1")

	conn.WriteJSON(clientCommand{Action: "unsubscribe", ConnectionID: "conn-1"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		n := len(h.byConnection["conn-1"])
		h.mu.RUnlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the room to be empty after unsubscribe")
}

func TestDisconnectCleansUpRoomIndex(t *testing.T) {
	h := New(zerolog.Nop())
	srv, url := newTestServer(t, h)
	defer srv.Close()

	conn := dial(t, url)
	conn.WriteJSON(clientCommand{Action: "subscribe", ConnectionID: "conn-1"})
	waitForRoom(t, h, "conn-1")

	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		_, ok := h.byConnection["conn-1"]
		h.mu.RUnlock()
		if !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the room index to be cleaned up after disconnect")
}

func TestBroadcastShutdownReachesAllSessions(t *testing.T) {
	h := New(zerolog.Nop())
	srv, url := newTestServer(t, h)
	defer srv.Close()

	conn := dial(t, url)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.SessionCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if h.SessionCount() != 1 {
		t.Fatalf("expected 1 connected session, got %d", h.SessionCount())
	}

	h.BroadcastShutdown()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Topic != TopicServerShutdown {
		t.Errorf("topic = %s, want %s", evt.Topic, TopicServerShutdown)
	}
}
