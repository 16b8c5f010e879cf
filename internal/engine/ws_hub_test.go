package engine_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/atmx/perp-engine/internal/engine"
)

func newWSServer(t *testing.T) (*engine.WSHub, *httptest.Server) {
	t.Helper()
	hub := engine.NewWSHub()
	go hub.Run()

	r := chi.NewRouter()
	r.Get("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWSHub_BroadcastDelivers(t *testing.T) {
	hub, srv := newWSServer(t)

	conn := dialWS(t, srv)
	defer conn.Close()
	// Registration runs after the handshake completes.
	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(engine.WSMessage{Type: "order_committed", AccountID: "a1", MarketID: "m1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg engine.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "order_committed" || msg.MarketID != "m1" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestWSHub_SurvivesClosedClient(t *testing.T) {
	hub, srv := newWSServer(t)

	dead := dialWS(t, srv)
	live := dialWS(t, srv)
	defer live.Close()
	time.Sleep(50 * time.Millisecond)

	dead.Close()
	time.Sleep(50 * time.Millisecond)

	// Broadcasts keep flowing to the remaining client while the hub prunes
	// the closed connection.
	for i := 0; i < 3; i++ {
		hub.Broadcast(engine.WSMessage{Type: "order_settled", MarketID: "m1"})
	}

	live.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg engine.WSMessage
	if err := live.ReadJSON(&msg); err != nil {
		t.Fatalf("live client lost broadcasts: %v", err)
	}
	if msg.Type != "order_settled" {
		t.Errorf("unexpected type %q", msg.Type)
	}
}
