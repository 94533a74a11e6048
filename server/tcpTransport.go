package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tmolnar/smsbridge/proto"
)

// TCPTransport speaks newline-delimited JSON envelopes over plain TCP.
type TCPTransport struct {
	Addr     string
	listener net.Listener

	onMessage    func(proto.Message)
	onConnect    func(Client) error
	onDisconnect func(Client)

	clients map[string]Client
	cmu     sync.RWMutex

	maxClients  int
	idleTimeout time.Duration
	connected   bool
}

func NewTCPTransport(addr string, maxClients int, idleTimeout time.Duration) *TCPTransport {
	if maxClients == 0 {
		maxClients = 64
	}
	return &TCPTransport{
		Addr:        addr,
		maxClients:  maxClients,
		idleTimeout: idleTimeout,
		clients:     make(map[string]Client),
	}
}

func (t *TCPTransport) Start() error {
	slog.Info("Starting TCP server", "addr", t.Addr)

	if t.onConnect == nil || t.onDisconnect == nil || t.onMessage == nil {
		return fmt.Errorf("the OnConnect, OnDisconnect, or OnMessage function is not defined; this transport is likely being started outside of the coordinator")
	}

	l, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return err
	}
	t.listener = l
	t.setConnected(true)
	defer func() {
		l.Close()
		t.setConnected(false)
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return err // exits when the listener is closed
		}

		go t.handleConnection(conn)
	}
}

// setConnected shares cmu with the client map; Meta() reads the flag from
// other goroutines.
func (t *TCPTransport) setConnected(v bool) {
	t.cmu.Lock()
	t.connected = v
	t.cmu.Unlock()
}

// addClient reserves a client slot. Check and insert run under one write
// lock so concurrent accepts cannot exceed maxClients.
func (t *TCPTransport) addClient(client Client) bool {
	t.cmu.Lock()
	defer t.cmu.Unlock()

	if len(t.clients) >= t.maxClients {
		return false
	}
	t.clients[client.Meta().ID] = client
	return true
}

func (t *TCPTransport) removeClient(client Client) {
	t.cmu.Lock()
	defer t.cmu.Unlock()
	delete(t.clients, client.Meta().ID)
}

func (t *TCPTransport) handleConnection(c net.Conn) {
	addr := c.RemoteAddr().String()

	client := NewTCPClient(c)

	if !t.addClient(client) {
		slog.Warn("Max clients reached, rejecting connection", "remote_addr", addr)
		c.Close()
		return
	}
	slog.Info("TCP client connected", "addr", addr)

	defer func() {
		t.removeClient(client)

		t.onDisconnect(client)

		c.Close()
		slog.Info("TCP client disconnected", "addr", addr, "connId", client.ID)
	}()

	if err := t.onConnect(client); err != nil {
		slog.Error("Failed to accept TCP client", "addr", addr, "error", err.Error())
		return
	}

	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if t.idleTimeout > 0 {
			c.SetReadDeadline(time.Now().Add(t.idleTimeout))
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				slog.Warn("TCP connection error", "addr", addr, "error", err)
			}
			break
		}

		var msg proto.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			slog.Warn("Invalid JSON message received", "error", err, "data", scanner.Text())
			continue
		}

		msg.Sender = client.ID
		slog.Debug("TCP message received", "type", msg.Type, "topic", msg.Topic, "sender", msg.Sender, "size", len(msg.Payload))
		t.onMessage(msg)
	}
}

func (t *TCPTransport) Shutdown() error {
	slog.Info("Shutting down TCP server", "addr", t.Addr)
	t.setConnected(false)
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func (t *TCPTransport) OnMessage(fn func(proto.Message)) {
	t.onMessage = fn
}

func (t *TCPTransport) OnConnect(fn func(Client) error) {
	t.onConnect = fn
}

func (t *TCPTransport) OnDisconnect(fn func(Client)) {
	t.onDisconnect = fn
}

func (t *TCPTransport) Meta() TransportMetadata {
	t.cmu.RLock()
	connected := t.connected
	t.cmu.RUnlock()

	return TransportMetadata{
		Name:       "TCP Server",
		Protocol:   "tcp",
		Address:    t.Addr,
		MaxClients: t.maxClients,
		Connected:  connected,
	}
}
