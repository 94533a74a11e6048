package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tmolnar/smsbridge/proto"
)

func TestNewWSClient(t *testing.T) {
	var conn *websocket.Conn = nil

	client := NewWSClient(conn, "192.0.2.1:1234")

	if !strings.HasPrefix(client.ID, "ws-") {
		t.Errorf("Expected ID to start with 'ws-', got %s", client.ID)
	}

	if client.RemoteAddr != "192.0.2.1:1234" {
		t.Errorf("Expected remote addr 192.0.2.1:1234, got %s", client.RemoteAddr)
	}

	if client.ConnectedAt.IsZero() {
		t.Error("Expected ConnectedAt to be set")
	}
}

func TestWSClient_Meta(t *testing.T) {
	client := NewWSClient(nil, "192.0.2.1:1234")

	meta := client.Meta()

	if meta.ID != client.ID {
		t.Errorf("Expected meta ID %s, got %s", client.ID, meta.ID)
	}

	if meta != &client.ConnMetadata {
		t.Error("Expected Meta() to return pointer to ConnMetadata")
	}
}

// dialTestWS upgrades connections into a channel so a WSClient can be
// exercised against a real peer.
func dialTestWS(t *testing.T, received chan<- []byte) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSClient_Send(t *testing.T) {
	received := make(chan []byte, 1)
	conn := dialTestWS(t, received)

	client := NewWSClient(conn, conn.RemoteAddr().String())

	testMsg := proto.Message{
		Type:    proto.TypePublish,
		Topic:   "d1/ping/requests",
		Payload: json.RawMessage(`{"data":"test"}`),
	}
	if err := client.Send(testMsg); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	select {
	case data := <-received:
		var receivedMsg proto.Message
		if err := json.Unmarshal(data, &receivedMsg); err != nil {
			t.Fatalf("Failed to parse received message: %v", err)
		}
		if receivedMsg.Type != testMsg.Type {
			t.Errorf("Expected type %s, got %s", testMsg.Type, receivedMsg.Type)
		}
		if receivedMsg.Topic != testMsg.Topic {
			t.Errorf("Expected topic %s, got %s", testMsg.Topic, receivedMsg.Topic)
		}
		if string(receivedMsg.Payload) != string(testMsg.Payload) {
			t.Errorf("Expected payload %s, got %s", testMsg.Payload, receivedMsg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected the peer to receive the message")
	}
}

func TestWSClient_Send_InvalidJSON(t *testing.T) {
	client := NewWSClient(nil, "192.0.2.1:1234")

	invalidMsg := proto.Message{
		Type:    proto.TypePublish,
		Topic:   "d1/ping/requests",
		Payload: json.RawMessage("invalid json"),
	}

	// json.Marshal validates RawMessage content, so this fails before the
	// connection is touched.
	if err := client.Send(invalidMsg); err == nil {
		t.Error("Expected error when sending message with invalid JSON payload")
	}
}

func TestWSClient_Send_ClosedConnection(t *testing.T) {
	received := make(chan []byte, 1)
	conn := dialTestWS(t, received)

	client := NewWSClient(conn, conn.RemoteAddr().String())
	conn.Close()

	testMsg := proto.Message{
		Type:    proto.TypePublish,
		Topic:   "d1/ping/requests",
		Payload: json.RawMessage(`{}`),
	}
	if err := client.Send(testMsg); err == nil {
		t.Error("Expected error when sending to closed connection")
	}
}
