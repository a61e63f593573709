package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func TestClientReceivesInboundMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		msg := Inbound{Kind: InboundRelaysPresence, Payload: json.RawMessage(`{"relays":[{"id":"r1","addr":"198.51.100.1:3478"}]}`)}
		data, _ := json.Marshal(msg)
		conn.WriteMessage(websocket.TextMessage, data)
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient(url, "a-token")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	select {
	case msg := <-c.Inbound():
		if msg.Kind != InboundRelaysPresence {
			t.Fatalf("got kind %s", msg.Kind)
		}
		var p RelaysPresencePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if len(p.Relays) != 1 || p.Relays[0].ID != "r1" {
			t.Fatalf("unexpected relays: %+v", p.Relays)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestClientSendRequiresConnection(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/nonexistent", "")
	err := c.Send(Outbound{Kind: OutboundFlowAuthorized, Payload: FlowAuthorizedPayload{Client: "abc"}})
	if err == nil {
		t.Fatal("expected Send to fail before any connection is established")
	}
}

func TestClientSendRoundTrip(t *testing.T) {
	received := make(chan Outbound, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var out Outbound
		json.Unmarshal(data, &out)
		received <- out
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient(url, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	// Give Run time to establish the connection before sending.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := c.Send(Outbound{Kind: OutboundConnectionReady, Payload: ConnectionReadyPayload{Client: "abc"}}); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case out := <-received:
		if out.Kind != OutboundConnectionReady {
			t.Fatalf("got kind %s", out.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server to receive the message")
	}
}
