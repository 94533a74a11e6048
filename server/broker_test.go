package server

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tmolnar/smsbridge/proto"
)

// MockClient captures sent messages for assertions.
type MockClient struct {
	meta     ConnMetadata
	messages []proto.Message
	sendErr  error
	closed   bool
	mu       sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{
		meta:     ConnMetadata{ID: id, ConnectedAt: time.Now()},
		messages: make([]proto.Message, 0),
	}
}

func (mc *MockClient) Send(msg proto.Message) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.sendErr != nil {
		return mc.sendErr
	}
	mc.messages = append(mc.messages, msg)
	return nil
}

func (mc *MockClient) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.closed = true
	return nil
}

func (mc *MockClient) Meta() *ConnMetadata {
	return &mc.meta
}

func (mc *MockClient) GetMessages() []proto.Message {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	result := make([]proto.Message, len(mc.messages))
	copy(result, mc.messages)
	return result
}

func (mc *MockClient) SetSendError(err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.sendErr = err
}

func (mc *MockClient) IsClosed() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.closed
}

func TestBroker_Subscribe(t *testing.T) {
	broker := NewBroker()
	client := NewMockClient("conn-1")
	topic := "d1/ping/requests"

	broker.Subscribe(topic, client)

	subs := broker.Subs(topic)
	if len(subs) != 1 {
		t.Errorf("Expected 1 subscriber, got %d", len(subs))
	}
	if _, exists := subs[client]; !exists {
		t.Error("Expected client to be subscribed to topic")
	}
}

func TestBroker_Subscribe_Duplicate(t *testing.T) {
	broker := NewBroker()
	client := NewMockClient("conn-1")
	topic := "d1/ping/requests"

	broker.Subscribe(topic, client)
	broker.Subscribe(topic, client)

	subs := broker.Subs(topic)
	if len(subs) != 1 {
		t.Errorf("Expected 1 subscriber after duplicate subscription, got %d", len(subs))
	}
}

func TestBroker_Publish_SingleSubscriber(t *testing.T) {
	broker := NewBroker()
	client := NewMockClient("conn-1")
	topic := "d1/sms/send-message-requests"

	broker.Subscribe(topic, client)

	payload, _ := json.Marshal(proto.SendMessageRequest{PhoneNumber: "+15551234", Message: "hi", MessageID: "m1"})
	broker.Publish(proto.Message{
		Type:      proto.TypePublish,
		Topic:     topic,
		Payload:   payload,
		Sender:    "conn-2",
		Timestamp: time.Now().Unix(),
	})

	messages := client.GetMessages()
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(messages))
	}
	if messages[0].Topic != topic {
		t.Errorf("Expected topic %s, got %s", topic, messages[0].Topic)
	}
	if string(messages[0].Payload) != string(payload) {
		t.Errorf("Expected payload to pass through unchanged")
	}
}

func TestBroker_Publish_MultipleSubscribers(t *testing.T) {
	broker := NewBroker()
	clients := []*MockClient{NewMockClient("conn-1"), NewMockClient("conn-2"), NewMockClient("conn-3")}
	topic := "d1/sms/new-messages"

	for _, client := range clients {
		broker.Subscribe(topic, client)
	}

	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, Payload: []byte(`{"body":"hello"}`), Sender: "conn-0"})

	for _, client := range clients {
		messages := client.GetMessages()
		if len(messages) != 1 {
			t.Errorf("Expected 1 message for client %s, got %d", client.meta.ID, len(messages))
		}
	}
}

func TestBroker_Publish_NoSubscribers(t *testing.T) {
	broker := NewBroker()

	// Should not panic when publishing to topic with no subscribers
	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: "d1/ping/requests", Payload: []byte(`{}`)})
}

func TestBroker_Publish_WithSendError(t *testing.T) {
	broker := NewBroker()
	client1 := NewMockClient("conn-1")
	client2 := NewMockClient("conn-2")
	topic := "d1/ping/requests"

	broker.Subscribe(topic, client1)
	broker.Subscribe(topic, client2)
	client1.SetSendError(errors.New("mock send error"))

	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, Payload: []byte(`{}`)})

	if len(client1.GetMessages()) != 0 {
		t.Error("Expected no messages for the failing client")
	}
	if len(client2.GetMessages()) != 1 {
		t.Error("Expected the healthy client to still receive the message")
	}
}

func TestBroker_Publish_PreservesOrder(t *testing.T) {
	broker := NewBroker()
	client := NewMockClient("conn-1")
	topic := "d1/sms/new-messages"

	broker.Subscribe(topic, client)

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, Payload: payload})
	}

	messages := client.GetMessages()
	if len(messages) != 5 {
		t.Fatalf("Expected 5 messages, got %d", len(messages))
	}
	for i, msg := range messages {
		var body map[string]int
		json.Unmarshal(msg.Payload, &body)
		if body["seq"] != i {
			t.Errorf("Expected message %d to carry seq %d, got %d", i, i, body["seq"])
		}
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	broker := NewBroker()
	client := NewMockClient("conn-1")
	topic := "d1/ping/requests"

	broker.Subscribe(topic, client)
	broker.Unsubscribe(topic, client)

	if len(broker.Subs(topic)) != 0 {
		t.Error("Expected 0 subscribers after unsubscribe")
	}

	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, Payload: []byte(`{}`)})
	if len(client.GetMessages()) != 0 {
		t.Error("Expected no delivery after unsubscribe")
	}
}

func TestBroker_Retained_DeliveredOnSubscribe(t *testing.T) {
	broker := NewBroker()
	topic := "d1/sms/new-messages"
	payload := []byte(`{"phone_number":"+15551234","body":"hello","timestamp":1}`)

	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, Retain: true, Payload: payload})

	late := NewMockClient("conn-late")
	broker.Subscribe(topic, late)

	messages := late.GetMessages()
	if len(messages) != 1 {
		t.Fatalf("Expected retained message on subscribe, got %d messages", len(messages))
	}
	if string(messages[0].Payload) != string(payload) {
		t.Error("Expected retained payload to match the original publish")
	}
}

func TestBroker_Retained_OverwrittenAndCleared(t *testing.T) {
	broker := NewBroker()
	topic := "d1/sms/new-messages"

	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, Retain: true, Payload: []byte(`{"body":"first"}`)})
	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, Retain: true, Payload: []byte(`{"body":"second"}`)})

	msg, ok := broker.Retained(topic)
	if !ok {
		t.Fatal("Expected a retained message")
	}
	if string(msg.Payload) != `{"body":"second"}` {
		t.Errorf("Expected latest retained payload, got %s", msg.Payload)
	}

	// Empty retained payload clears the slot.
	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, Retain: true})
	if _, ok := broker.Retained(topic); ok {
		t.Error("Expected retained message to be cleared")
	}
}

func TestBroker_Retained_NotStoredWithoutFlag(t *testing.T) {
	broker := NewBroker()
	topic := "d1/sms/new-messages"

	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, Payload: []byte(`{}`)})

	if _, ok := broker.Retained(topic); ok {
		t.Error("Expected no retained message without the retain flag")
	}
}

func TestBroker_QoS1_TrackedUntilAcked(t *testing.T) {
	broker := NewBroker()
	client := NewMockClient("conn-1")
	topic := "d1/sms/send-message-requests"

	broker.Subscribe(topic, client)
	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, QoS: proto.QoSAtLeastOnce, Payload: []byte(`{}`)})

	messages := client.GetMessages()
	if len(messages) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(messages))
	}
	if messages[0].ID == 0 {
		t.Fatal("Expected QoS 1 delivery to carry a delivery id")
	}

	// Unacked deliveries past the age cutoff are resent.
	broker.redeliverPending(0, 3)
	if len(client.GetMessages()) != 2 {
		t.Errorf("Expected a redelivery, got %d messages", len(client.GetMessages()))
	}

	broker.Ack(client, messages[0].ID)
	broker.redeliverPending(0, 3)
	if len(client.GetMessages()) != 2 {
		t.Errorf("Expected no redelivery after ack, got %d messages", len(client.GetMessages()))
	}
}

func TestBroker_QoS1_RedeliveryGivesUp(t *testing.T) {
	broker := NewBroker()
	client := NewMockClient("conn-1")
	topic := "d1/ping/requests"

	broker.Subscribe(topic, client)
	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, QoS: proto.QoSAtLeastOnce, Payload: []byte(`{}`)})

	// attempts: initial send counts as 1; cap at 2 leaves one redelivery.
	broker.redeliverPending(0, 2)
	broker.redeliverPending(0, 2)
	broker.redeliverPending(0, 2)

	if got := len(client.GetMessages()); got != 2 {
		t.Errorf("Expected 2 total sends before giving up, got %d", got)
	}
}

func TestBroker_QoS0_NotTracked(t *testing.T) {
	broker := NewBroker()
	client := NewMockClient("conn-1")
	topic := "d1/ping/requests"

	broker.Subscribe(topic, client)
	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, Payload: []byte(`{}`)})

	broker.redeliverPending(0, 3)
	if len(client.GetMessages()) != 1 {
		t.Error("Expected QoS 0 publishes not to be redelivered")
	}
}

func TestBroker_DropClient(t *testing.T) {
	broker := NewBroker()
	client := NewMockClient("conn-1")

	broker.Subscribe("d1/ping/requests", client)
	broker.Subscribe("d1/sms/new-messages", client)
	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: "d1/ping/requests", QoS: proto.QoSAtLeastOnce, Payload: []byte(`{}`)})

	broker.DropClient(client)

	if len(broker.Subs("d1/ping/requests")) != 0 || len(broker.Subs("d1/sms/new-messages")) != 0 {
		t.Error("Expected all subscriptions to be dropped")
	}

	before := len(client.GetMessages())
	broker.redeliverPending(0, 5)
	if len(client.GetMessages()) != before {
		t.Error("Expected pending deliveries to be discarded with the client")
	}
}

func TestBroker_OnPublish_HookInvoked(t *testing.T) {
	broker := NewBroker()
	events := make(chan proto.Message, 1)
	broker.OnPublish(func(msg proto.Message) {
		events <- msg
	})

	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: "d1/ping/requests", Payload: []byte(`{}`)})

	select {
	case msg := <-events:
		if msg.Topic != "d1/ping/requests" {
			t.Errorf("Expected hook to see the published topic, got %s", msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected publish hook to be invoked")
	}
}

func TestBroker_OnPublish_HookFiresWithoutSubscribers(t *testing.T) {
	broker := NewBroker()
	events := make(chan proto.Message, 1)
	broker.OnPublish(func(msg proto.Message) {
		events <- msg
	})

	broker.Publish(proto.Message{Type: proto.TypePublish, Topic: "d1/ping/requests", Payload: []byte(`{}`)})

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("Expected publish hook even with no subscribers")
	}
}

func TestBroker_ConcurrentAccess(t *testing.T) {
	broker := NewBroker()
	topic := "d1/sms/new-messages"
	numClients := 10
	numMessages := 5

	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			broker.Subscribe(topic, NewMockClient(string(rune('a'+id))))
		}(i)
	}
	for i := 0; i < numMessages; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			broker.Publish(proto.Message{Type: proto.TypePublish, Topic: topic, Payload: []byte(`{}`)})
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			broker.Subs(topic)
		}()
	}
	wg.Wait()

	if len(broker.Subs(topic)) > numClients {
		t.Errorf("Expected at most %d subscribers, got %d", numClients, len(broker.Subs(topic)))
	}
}
