package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tmolnar/smsbridge/proto"
)

// Handle dispatches one envelope from a transport. It runs on the owning
// connection's reader goroutine, which is what preserves per-publisher
// ordering through the broker.
func (c *Coordinator) Handle(msg proto.Message) {
	sess, ok := c.lookupSession(msg.Sender)
	if !ok {
		slog.Warn("Message from unknown connection", "connId", msg.Sender, "type", msg.Type)
		return
	}

	switch msg.Type {
	case proto.TypeConnect:
		c.handleConnect(sess, msg)

	case proto.TypePublish:
		c.handlePublish(sess, msg)

	case proto.TypePuback:
		c.broker.Ack(sess.client, msg.ID)

	case proto.TypeSubscribe, proto.TypeUnsubscribe:
		c.handleSubscription(sess, msg)

	case proto.TypePing:
		if err := sess.client.Send(proto.Message{Type: proto.TypePong, Timestamp: time.Now().Unix()}); err != nil {
			slog.Warn("Failed to send pong", "connId", msg.Sender, "error", err.Error())
		}

	case proto.TypeDisconnect:
		sess.client.Close()

	default:
		slog.Warn("Unhandled message type", "type", msg.Type, "connId", msg.Sender)
	}
}

// handleConnect authenticates the connection. A rejected connect gets a
// negative connack with no further detail and the connection is closed.
func (c *Coordinator) handleConnect(sess *session, msg proto.Message) {
	if sess.authed {
		slog.Warn("Duplicate connect on authenticated connection", "connId", msg.Sender)
		return
	}

	var p proto.ConnectPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ClientID == "" {
		slog.Warn("Malformed connect payload", "connId", msg.Sender)
		c.reject(sess.client)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.authTimeout)
	defer cancel()

	authenticated := c.authenticator.Authenticate(ctx, p.ClientID, p.Username, p.Password)
	slog.Info("Authentication decision", "connId", msg.Sender, "clientId", p.ClientID, "authenticated", authenticated)
	if !authenticated {
		c.reject(sess.client)
		return
	}

	// The session user is the owner of the device the connection claims to
	// be; authorization compares topic owners against it. In allow-all
	// development mode an unregistered clientId leaves the user empty.
	userID := ""
	if dev, err := c.registry.GetDevice(ctx, p.ClientID); err == nil {
		userID = dev.OwnerUserID
	} else {
		slog.Debug("No registry record for connecting client", "clientId", p.ClientID, "error", err.Error())
	}

	connID := sess.client.Meta().ID
	c.mu.Lock()
	sess.authed = true
	sess.deviceID = p.ClientID
	sess.userID = userID
	if c.byDevice[p.ClientID] == nil {
		c.byDevice[p.ClientID] = make(map[string]struct{})
	}
	c.byDevice[p.ClientID][connID] = struct{}{}
	c.mu.Unlock()

	payload, _ := json.Marshal(proto.ConnackPayload{Accepted: true, ConnID: connID})
	if err := sess.client.Send(proto.Message{Type: proto.TypeConnack, Payload: payload, Timestamp: time.Now().Unix()}); err != nil {
		slog.Warn("Failed to send connack", "connId", connID, "error", err.Error())
	}
}

func (c *Coordinator) reject(client Client) {
	payload, _ := json.Marshal(proto.ConnackPayload{Accepted: false})
	if err := client.Send(proto.Message{Type: proto.TypeConnack, Payload: payload, Timestamp: time.Now().Unix()}); err != nil {
		slog.Debug("Failed to send rejection connack", "connId", client.Meta().ID, "error", err.Error())
	}
	client.Close()
}

// handlePublish authorizes and fans out one publish. A denied publish is
// silently dropped; the connection stays open.
func (c *Coordinator) handlePublish(sess *session, msg proto.Message) {
	if !sess.authed {
		slog.Warn("Publish on unauthenticated connection", "connId", msg.Sender, "topic", msg.Topic)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.authTimeout)
	defer cancel()

	if !c.authorizer.AuthorizePublish(ctx, msg.Topic, sess.userID) {
		slog.Warn("Publish denied", "connId", msg.Sender, "topic", msg.Topic, "userId", sess.userID)
		return
	}

	// The connection may have dropped while the check was in flight; its
	// effect is discarded rather than delivered.
	if _, alive := c.lookupSession(msg.Sender); !alive {
		slog.Debug("Discarding publish from closed connection", "connId", msg.Sender, "topic", msg.Topic)
		return
	}

	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	c.broker.Publish(msg)
}

// handleSubscription authorizes each requested topic independently; denied
// topics are left out of the suback and the rest are granted.
func (c *Coordinator) handleSubscription(sess *session, msg proto.Message) {
	if !sess.authed {
		slog.Warn("Subscription change on unauthenticated connection", "connId", msg.Sender)
		return
	}

	var p proto.SubscribePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		slog.Warn("Malformed subscription payload", "connId", msg.Sender, "error", err.Error())
		return
	}

	switch msg.Type {
	case proto.TypeSubscribe:
		granted := make([]string, 0, len(p.Topics))
		for _, topic := range p.Topics {
			// Re-ack topics the session already holds without another
			// authorization round trip or retained replay.
			if _, already := sess.subs[topic]; already {
				granted = append(granted, topic)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.authTimeout)
			allowed := c.authorizer.AuthorizeSubscribe(ctx, topic, sess.userID)
			cancel()
			if !allowed {
				slog.Warn("Subscribe denied", "connId", msg.Sender, "topic", topic, "userId", sess.userID)
				continue
			}
			c.broker.Subscribe(topic, sess.client)
			sess.subs[topic] = struct{}{}
			granted = append(granted, topic)
		}
		payload, _ := json.Marshal(proto.SubackPayload{Granted: granted})
		if err := sess.client.Send(proto.Message{Type: proto.TypeSuback, Payload: payload, Timestamp: time.Now().Unix()}); err != nil {
			slog.Warn("Failed to send suback", "connId", msg.Sender, "error", err.Error())
		}

	case proto.TypeUnsubscribe:
		for _, topic := range p.Topics {
			c.broker.Unsubscribe(topic, sess.client)
			delete(sess.subs, topic)
		}
	}
}
