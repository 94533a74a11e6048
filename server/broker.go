package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmolnar/smsbridge/proto"
)

// Broker fans published messages out to matching subscribers. It also keeps
// per-topic retained messages and tracks unacked QoS 1 deliveries for
// redelivery while the subscriber's connection lives. Fan-out preserves a
// single publisher's order because each connection's messages arrive from
// one reader goroutine and sends happen inline.
type Broker struct {
	mu       sync.RWMutex
	subs     map[string]map[Client]struct{} // topic -> subscriber set
	retained map[string]proto.Message       // topic -> last retained publish

	pmu     sync.Mutex
	pending map[Client]map[uint32]*pendingDelivery

	nextID    atomic.Uint32
	onPublish []func(proto.Message)
}

type pendingDelivery struct {
	msg      proto.Message
	attempts int
	lastSent time.Time
}

func NewBroker() *Broker {
	return &Broker{
		subs:     make(map[string]map[Client]struct{}),
		retained: make(map[string]proto.Message),
		pending:  make(map[Client]map[uint32]*pendingDelivery),
	}
}

// OnPublish registers a hook invoked after every successful publish. Hooks
// run on their own goroutine and never block or fail the fan-out.
func (b *Broker) OnPublish(fn func(proto.Message)) {
	b.onPublish = append(b.onPublish, fn)
}

// Subscribe adds the client to the topic's subscriber set and replays the
// topic's retained message, if any.
func (b *Broker) Subscribe(topic string, client Client) {
	slog.Debug("Subscribing", "topic", topic, "connId", client.Meta().ID)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[Client]struct{})
	}
	b.subs[topic][client] = struct{}{}
	retained, hasRetained := b.retained[topic]
	b.mu.Unlock()

	if hasRetained {
		b.deliver(retained, client)
	}
}

func (b *Broker) Unsubscribe(topic string, client Client) {
	slog.Debug("Unsubscribing", "topic", topic, "connId", client.Meta().ID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Publish delivers msg to every subscriber of its topic, updates the
// retained message when requested, and raises the publish event.
func (b *Broker) Publish(msg proto.Message) {
	b.mu.Lock()
	if msg.Retain {
		if len(msg.Payload) == 0 {
			delete(b.retained, msg.Topic)
		} else {
			b.retained[msg.Topic] = msg
		}
	}
	clients := make([]Client, 0, len(b.subs[msg.Topic]))
	for client := range b.subs[msg.Topic] {
		clients = append(clients, client)
	}
	b.mu.Unlock()

	sentCount := 0
	for _, client := range clients {
		if err := b.deliver(msg, client); err != nil {
			slog.Warn("Failed to deliver message to subscriber", "topic", msg.Topic, "connId", client.Meta().ID, "error", err.Error())
			continue
		}
		sentCount++
	}
	slog.Debug("Message published",
		"topic", msg.Topic,
		"sender", msg.Sender,
		"qos", msg.QoS,
		"retain", msg.Retain,
		"subscribers", sentCount,
		"size", len(msg.Payload),
	)

	for _, fn := range b.onPublish {
		go fn(msg)
	}
}

// deliver sends one message to one subscriber. QoS 1 deliveries get a fresh
// delivery id and are tracked until the subscriber acks.
func (b *Broker) deliver(msg proto.Message, client Client) error {
	out := msg
	out.Type = proto.TypePublish
	if msg.QoS >= proto.QoSAtLeastOnce {
		out.ID = b.nextID.Add(1)
		b.track(client, out)
	}
	return client.Send(out)
}

func (b *Broker) track(client Client, msg proto.Message) {
	b.pmu.Lock()
	defer b.pmu.Unlock()
	if b.pending[client] == nil {
		b.pending[client] = make(map[uint32]*pendingDelivery)
	}
	b.pending[client][msg.ID] = &pendingDelivery{msg: msg, attempts: 1, lastSent: time.Now()}
}

// Ack clears a pending QoS 1 delivery.
func (b *Broker) Ack(client Client, id uint32) {
	b.pmu.Lock()
	defer b.pmu.Unlock()
	if deliveries, ok := b.pending[client]; ok {
		delete(deliveries, id)
		if len(deliveries) == 0 {
			delete(b.pending, client)
		}
	}
}

// DropClient removes the client from every topic and discards its pending
// deliveries. Called on disconnect; there is no resubscription or replay
// beyond retained messages.
func (b *Broker) DropClient(client Client) {
	b.mu.Lock()
	for topic, subs := range b.subs {
		delete(subs, client)
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
	}
	b.mu.Unlock()

	b.pmu.Lock()
	delete(b.pending, client)
	b.pmu.Unlock()
}

// Subs returns a copy of the topic's subscriber set.
func (b *Broker) Subs(topic string) map[Client]struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make(map[Client]struct{}, len(b.subs[topic]))
	for client := range b.subs[topic] {
		subs[client] = struct{}{}
	}
	return subs
}

// Retained returns the retained message for a topic, if one is stored.
func (b *Broker) Retained(topic string) (proto.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg, ok := b.retained[topic]
	return msg, ok
}

// RunRedelivery resends unacked QoS 1 deliveries every interval, up to
// maxAttempts per delivery, until ctx is cancelled.
func (b *Broker) RunRedelivery(ctx context.Context, interval time.Duration, maxAttempts int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.redeliverPending(interval, maxAttempts)
		}
	}
}

func (b *Broker) redeliverPending(age time.Duration, maxAttempts int) {
	type resend struct {
		client Client
		msg    proto.Message
	}

	b.pmu.Lock()
	resends := make([]resend, 0)
	cutoff := time.Now().Add(-age)
	for client, deliveries := range b.pending {
		for id, d := range deliveries {
			if d.lastSent.After(cutoff) {
				continue
			}
			if d.attempts >= maxAttempts {
				slog.Warn("Dropping unacked delivery after max attempts", "connId", client.Meta().ID, "deliveryId", id, "topic", d.msg.Topic)
				delete(deliveries, id)
				continue
			}
			d.attempts++
			d.lastSent = time.Now()
			resends = append(resends, resend{client: client, msg: d.msg})
		}
		if len(deliveries) == 0 {
			delete(b.pending, client)
		}
	}
	b.pmu.Unlock()

	for _, r := range resends {
		if err := r.client.Send(r.msg); err != nil {
			slog.Warn("Redelivery failed", "connId", r.client.Meta().ID, "deliveryId", r.msg.ID, "error", err.Error())
		}
	}
}
