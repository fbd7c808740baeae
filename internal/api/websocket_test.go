package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradebot-engine/internal/events"
)

func TestWSHub_RoutesByUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewWSHub(nil)
	go hub.Run(ctx)

	alice := &WSClient{send: make(chan []byte, 4), hub: hub, userID: "alice", closeChan: make(chan struct{})}
	bob := &WSClient{send: make(chan []byte, 4), hub: hub, userID: "bob", closeChan: make(chan struct{})}
	hub.register <- alice
	hub.register <- bob

	hub.BroadcastToUser("alice", events.Event{Type: events.EventBotStarted, BotID: "b1", UserID: "alice"})

	select {
	case msg := <-alice.send:
		var e events.Event
		if err := json.Unmarshal(msg, &e); err != nil || e.Type != events.EventBotStarted || e.BotID != "b1" {
			t.Errorf("Unexpected message %s", msg)
		}
		if strings.Contains(string(msg), "alice") {
			t.Error("Owner id must not be serialized")
		}
	case <-time.After(time.Second):
		t.Fatal("Owner did not receive the event")
	}

	select {
	case msg := <-bob.send:
		t.Errorf("Other user received %s", msg)
	case <-time.After(50 * time.Millisecond):
	}

	if hub.GetUserClientCount("alice") != 1 || hub.GetTotalClientCount() != 2 {
		t.Errorf("Counts = %d/%d", hub.GetUserClientCount("alice"), hub.GetTotalClientCount())
	}

	hub.unregister <- alice
	if _, ok := <-alice.send; ok {
		t.Error("Unregister should close the send channel")
	}
	if hub.GetUserClientCount("alice") != 0 {
		t.Error("Unregistered client still counted")
	}
}

func TestWSHub_DropsSlowConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewWSHub(nil)
	go hub.Run(ctx)

	slow := &WSClient{send: make(chan []byte), hub: hub, userID: "u1", closeChan: make(chan struct{})}
	hub.register <- slow
	hub.BroadcastToUser("u1", events.Event{Type: events.EventStatsUpdated})

	deadline := time.Now().Add(time.Second)
	for hub.GetTotalClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Slow consumer was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocket_StreamsOwnerEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token(t, "u1")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v (resp %v)", err, resp)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var welcome map[string]interface{}
	if err := conn.ReadJSON(&welcome); err != nil || welcome["type"] != "CONNECTED" {
		t.Fatalf("Welcome = %v, %v", welcome, err)
	}

	env.bus.PublishBotStarted("b2", "u2", "moderate", "ETHUSDT")
	env.bus.PublishBotStarted("b1", "u1", "moderate", "BTCUSDT")

	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if e.Type != events.EventBotStarted || e.BotID != "b1" {
		t.Errorf("Expected only the owner's event, got %+v", e)
	}
}

func TestWebSocket_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("Dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %v", resp)
	}
}
