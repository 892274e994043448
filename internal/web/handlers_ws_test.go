package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"elero-go-home/internal/coordinator"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	if n := hub.Clients(); n != 1 {
		t.Errorf("after register: count = %d, want 1", n)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	if n := hub.Clients(); n != 0 {
		t.Errorf("after unregister: count = %d, want 0", n)
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(coordinator.Event{Type: coordinator.EventStatus, Data: coordinator.StatusEvent{Channel: 3, Status: "TOP"}})
	time.Sleep(10 * time.Millisecond)

	for name, c := range map[string]*wsClient{"c1": c1, "c2": c2} {
		select {
		case msg := <-c.send:
			if !strings.Contains(string(msg), `"type":"status"`) {
				t.Errorf("%s received %s", name, msg)
			}
		default:
			t.Errorf("%s did not receive broadcast", name)
		}
	}
}

func TestWSHubTypeFilter(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	r := httptest.NewRequest("GET", "/ws?types=group_status,%20connection", nil)
	filtered := &wsClient{send: make(chan []byte, 16), types: eventTypes(r)}
	hub.register <- filtered
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(coordinator.Event{Type: coordinator.EventStatus})
	hub.Broadcast(coordinator.Event{Type: coordinator.EventConnection})
	time.Sleep(10 * time.Millisecond)

	select {
	case msg := <-filtered.send:
		if !strings.Contains(string(msg), `"type":"connection"`) {
			t.Errorf("received %s", msg)
		}
	default:
		t.Fatal("connection event not delivered")
	}
	select {
	case msg := <-filtered.send:
		t.Errorf("unexpected %s", msg)
	default:
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast("msg1")
	time.Sleep(10 * time.Millisecond)
	// slow's buffer is full now.
	hub.Broadcast("msg2")
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	// Not running, so nothing drains the queue.
	for i := 0; i < 256; i++ {
		hub.Broadcast(i)
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast("overflow")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStop(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestWSHubUnregisterUnknownClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	time.Sleep(10 * time.Millisecond)

	select {
	case unknown.send <- []byte("test"):
	default:
		t.Error("channel should still be open for non-registered client")
	}
}

func TestWSStreamsSnapshotAndEvents(t *testing.T) {
	srv, b := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var snap snapshotMessage
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Type != "snapshot" || len(snap.Channels) != 2 || len(snap.Groups) != 1 || !snap.Stick.Connected {
		t.Errorf("snapshot = %+v", snap)
	}

	b.events.Emit(coordinator.Event{Type: coordinator.EventStatus, Data: coordinator.StatusEvent{
		Channel: 1, Name: "kitchen", Status: "BOTTOM", Position: 100,
	}})

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ev struct {
		Type string                  `json:"type"`
		Data coordinator.StatusEvent `json:"data"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "status" || ev.Data.Channel != 1 || ev.Data.Status != "BOTTOM" {
		t.Errorf("event = %s", data)
	}
}
