package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tmolnar/smsbridge/auth"
	"github.com/tmolnar/smsbridge/registry"
)

const (
	defaultAuthTimeout        = 5 * time.Second
	defaultRedeliveryInterval = 5 * time.Second
	defaultRedeliveryAttempts = 5
)

// Options is the single configuration struct for the broker adapter. All
// collaborators are injected here at construction; there is no further
// wiring step.
type Options struct {
	Registry      registry.Store
	Authenticator auth.Authenticator
	Authorizer    auth.Authorizer

	Broker             *Broker       // defaults to a new Broker
	MCPServer          *MCPServer    // optional admin surface
	AuthTimeout        time.Duration // bound on authn/authz round trips
	RedeliveryInterval time.Duration
	RedeliveryAttempts int
}

// session is the ephemeral per-connection state: which user the connection
// authenticated as and which deviceId it claimed. Destroyed on disconnect.
type session struct {
	client   Client
	deviceID string
	userID   string
	authed   bool
	subs     map[string]struct{}
}

// Coordinator owns the connection lifecycle: it authenticates connects,
// authorizes every publish and subscribe, routes granted publishes through
// the broker and tears sessions down on disconnect.
type Coordinator struct {
	registry      registry.Store
	authenticator auth.Authenticator
	authorizer    auth.Authorizer
	broker        *Broker
	mcpServer     *MCPServer
	transports    []Transport

	authTimeout        time.Duration
	redeliveryInterval time.Duration
	redeliveryAttempts int

	mu       sync.RWMutex
	sessions map[string]*session            // conn id -> session
	byDevice map[string]map[string]struct{} // device id -> conn ids
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Broker == nil {
		opts.Broker = NewBroker()
	}
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	if opts.RedeliveryInterval == 0 {
		opts.RedeliveryInterval = defaultRedeliveryInterval
	}
	if opts.RedeliveryAttempts == 0 {
		opts.RedeliveryAttempts = defaultRedeliveryAttempts
	}

	c := &Coordinator{
		registry:           opts.Registry,
		authenticator:      opts.Authenticator,
		authorizer:         opts.Authorizer,
		broker:             opts.Broker,
		mcpServer:          opts.MCPServer,
		authTimeout:        opts.AuthTimeout,
		redeliveryInterval: opts.RedeliveryInterval,
		redeliveryAttempts: opts.RedeliveryAttempts,
		sessions:           make(map[string]*session),
		byDevice:           make(map[string]map[string]struct{}),
	}
	return c
}

func (c *Coordinator) Broker() *Broker {
	return c.broker
}

func (c *Coordinator) Transports() []Transport {
	return c.transports
}

// RegisterTransport wires a transport's callbacks into the coordinator.
func (c *Coordinator) RegisterTransport(t Transport) {
	t.OnMessage(c.Handle)
	t.OnConnect(c.addSession)
	t.OnDisconnect(c.dropSession)
	c.transports = append(c.transports, t)
}

// Start runs all transports and the redelivery loop until ctx is cancelled
// or a transport fails. A transport failure is returned so the supervisor
// can restart the worker.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(c.transports)+1)
	for _, t := range c.transports {
		go func(t Transport) {
			if err := t.Start(); err != nil {
				errCh <- fmt.Errorf("transport %s: %w", t.Meta().Protocol, err)
			}
		}(t)
	}
	if c.mcpServer != nil {
		go func() {
			if err := c.mcpServer.Start(); err != nil {
				slog.Error("MCP server stopped", "error", err.Error())
			}
		}()
	}
	go c.broker.RunRedelivery(ctx, c.redeliveryInterval, c.redeliveryAttempts)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("Transport failed, shutting down broker worker", "error", runErr.Error())
	}

	slog.Info("Shutting down transports")
	for _, t := range c.transports {
		if err := t.Shutdown(); err != nil {
			slog.Error("Error shutting down transport", "protocol", t.Meta().Protocol, "error", err.Error())
		}
	}
	if c.mcpServer != nil {
		if err := c.mcpServer.Shutdown(); err != nil {
			slog.Error("Error shutting down MCP server", "error", err.Error())
		}
	}
	return runErr
}

func (c *Coordinator) addSession(client Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[client.Meta().ID] = &session{client: client, subs: make(map[string]struct{})}
	slog.Info("Connection opened", "connId", client.Meta().ID, "addr", client.Meta().RemoteAddr)
	return nil
}

func (c *Coordinator) dropSession(client Client) {
	connID := client.Meta().ID
	c.broker.DropClient(client)

	c.mu.Lock()
	sess, ok := c.sessions[connID]
	if ok {
		delete(c.sessions, connID)
		if sess.deviceID != "" {
			if conns := c.byDevice[sess.deviceID]; conns != nil {
				delete(conns, connID)
				if len(conns) == 0 {
					delete(c.byDevice, sess.deviceID)
				}
			}
		}
	}
	c.mu.Unlock()

	slog.Info("Connection closed", "connId", connID)
}

// Connected reports whether the device currently has a live authenticated
// connection. Consumed by the wake bridge.
func (c *Coordinator) Connected(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byDevice[deviceID]) > 0
}

// InvalidateDevice closes every live connection bound to the device. Called
// when a device is unregistered; future connects under the id are rejected
// by authentication until re-registration.
func (c *Coordinator) InvalidateDevice(deviceID string) {
	c.mu.RLock()
	clients := make([]Client, 0)
	for connID := range c.byDevice[deviceID] {
		if sess, ok := c.sessions[connID]; ok {
			clients = append(clients, sess.client)
		}
	}
	c.mu.RUnlock()

	for _, client := range clients {
		slog.Info("Closing stale connection for unregistered device", "deviceId", deviceID, "connId", client.Meta().ID)
		if err := client.Close(); err != nil {
			slog.Warn("Error closing stale connection", "connId", client.Meta().ID, "error", err.Error())
		}
	}
}

func (c *Coordinator) lookupSession(connID string) (*session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[connID]
	return sess, ok
}
