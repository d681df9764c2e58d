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

	"github.com/Spatial-NVR/channeltrack/internal/core"
)

func testClient(hub *Hub, subs ...string) *Client {
	c := &Client{
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}
	for _, s := range subs {
		c.subscriptions[s] = true
	}
	return c
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func receive(t *testing.T, c *Client) (Message, bool) {
	t.Helper()
	select {
	case data := <-c.send:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		return m, true
	case <-time.After(100 * time.Millisecond):
		return Message{}, false
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := runHub(t)
	client := testClient(hub, "*")

	hub.register <- client
	hub.unregister <- testClient(hub) // unknown clients are ignored
	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", hub.ClientCount())
	}

	hub.unregister <- client
	hub.unregister <- testClient(hub) // the hub loop has handled the unregister
	if hub.ClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", hub.ClientCount())
	}
	if _, ok := <-client.send; ok {
		t.Error("unregistered client's send channel should be closed")
	}
}

func TestHub_PublishSighting(t *testing.T) {
	hub := runHub(t)

	cam1 := testClient(hub, "camera1")
	all := testClient(hub, "*")
	cam2 := testClient(hub, "camera2")
	for _, c := range []*Client{cam1, all, cam2} {
		hub.register <- c
	}
	hub.register <- testClient(hub) // sync with the hub loop

	if err := hub.Publish(core.SubjectSightingsPrefix+"camera1", map[string]int{"track_id": 4}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for name, c := range map[string]*Client{"camera1": cam1, "wildcard": all} {
		m, ok := receive(t, c)
		if !ok {
			t.Errorf("%s subscriber got nothing", name)
			continue
		}
		if m.Type != MessageTypeSighting || m.CameraID != "camera1" || m.Subject != "vessel.sightings.camera1" {
			t.Errorf("%s subscriber got %+v", name, m)
		}
	}
	if _, ok := receive(t, cam2); ok {
		t.Error("camera2 subscriber should not receive camera1 sightings")
	}
}

func TestHub_PublishEvent(t *testing.T) {
	hub := runHub(t)
	c := testClient(hub, "camera2")
	hub.register <- c
	hub.register <- testClient(hub)

	_ = hub.Publish(core.SubjectEventStarted, map[string]string{"event_id": "e1"})

	m, ok := receive(t, c)
	if !ok {
		t.Fatal("vessel events should reach every client")
	}
	if m.Type != MessageTypeEvent || m.Subject != core.SubjectEventStarted {
		t.Errorf("unexpected message %+v", m)
	}
}

func TestClient_HandleMessage_Subscribe(t *testing.T) {
	client := testClient(NewHub(nil), "*")

	data, _ := json.Marshal(Message{Type: MessageTypeSubscribe, Data: []interface{}{"cam1", "cam2"}})
	client.handleMessage(data)

	if !client.subscribed("cam1") || !client.subscribed("cam2") {
		t.Error("Expected subscriptions to cam1 and cam2")
	}
	if client.subscribed("cam3") {
		t.Error("explicit subscription should replace the wildcard")
	}

	data, _ = json.Marshal(Message{Type: MessageTypeUnsubscribe, Data: []interface{}{"cam1"}})
	client.handleMessage(data)
	if client.subscribed("cam1") || !client.subscribed("cam2") {
		t.Error("Expected only cam1 to be unsubscribed")
	}

	// Should not panic on invalid JSON
	client.handleMessage([]byte("invalid json"))
}

func TestHub_HandleWebSocket(t *testing.T) {
	hub := runHub(t)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var response Message
	if err := ws.ReadJSON(&response); err != nil {
		t.Fatalf("Failed to read pong: %v", err)
	}
	if response.Type != MessageTypePong {
		t.Errorf("Expected pong message, got %s", response.Type)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", hub.ClientCount())
	}

	_ = hub.Publish(core.SubjectEventCompleted, map[string]string{"event_id": "e1"})
	if err := ws.ReadJSON(&response); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	if response.Subject != core.SubjectEventCompleted {
		t.Errorf("unexpected message %+v", response)
	}
}
