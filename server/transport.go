package server

import (
	"time"

	"github.com/google/uuid"
	"github.com/tmolnar/smsbridge/proto"
)

// Transport terminates client connections for one protocol and hands raw
// envelopes to the coordinator. Transports never authenticate or authorize;
// the coordinator owns both.
type Transport interface {
	Start() error
	OnMessage(func(proto.Message))
	OnConnect(func(Client) error)
	OnDisconnect(func(Client))
	Shutdown() error
	Meta() TransportMetadata
}

type TransportMetadata struct {
	Name       string // Human-friendly name, e.g. "WebSocket Gateway"
	Protocol   string // "tcp", "websocket"
	Address    string // Bind address, e.g. "0.0.0.0:8883"
	MaxClients int
	Connected  bool // Whether the transport is currently running/bound
}

// ConnMetadata is the per-connection bookkeeping shared by all transports.
// Session state (resolved user, claimed device) lives in the coordinator.
type ConnMetadata struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
}

type Client interface {
	Send(proto.Message) error
	Close() error
	Meta() *ConnMetadata
}

func generateConnID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
