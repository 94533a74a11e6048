package proto

import (
	"encoding/json"
)

// Message kinds exchanged between clients and the broker.
const (
	TypeConnect     = "connect"
	TypeConnack     = "connack"
	TypePublish     = "publish"
	TypePuback      = "puback"
	TypeSubscribe   = "subscribe"
	TypeSuback      = "suback"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeDisconnect  = "disconnect"
)

// Delivery guarantees for publishes.
const (
	QoSAtMostOnce  = 0
	QoSAtLeastOnce = 1
)

type Message struct {
	Type      string          `json:"type"`                // "connect", "publish", "subscribe", ...
	ID        uint32          `json:"id,omitempty"`        // delivery id, set on QoS 1 publishes and echoed in pubacks
	Topic     string          `json:"topic,omitempty"`     // "<deviceId>/<capabilityPath>"
	QoS       int             `json:"qos,omitempty"`       // 0 = at most once, 1 = at least once
	Retain    bool            `json:"retain,omitempty"`    // store as the topic's retained message
	Payload   json.RawMessage `json:"payload,omitempty"`   // raw JSON; schema depends on topic/type
	Sender    string          `json:"sender,omitempty"`    // connection id, injected by the transport
	Timestamp int64           `json:"timestamp,omitempty"` // UNIX timestamp in seconds
}

// ConnectPayload carries the credentials presented on a new connection.
// ClientID is the deviceId the connection claims to act as.
type ConnectPayload struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type ConnackPayload struct {
	Accepted bool   `json:"accepted"`
	ConnID   string `json:"conn_id,omitempty"`
}

type SubscribePayload struct {
	Topics []string `json:"topics"`
}

// SubackPayload lists the topics the broker actually granted. Topics that
// failed authorization are simply absent.
type SubackPayload struct {
	Granted []string `json:"granted"`
}
