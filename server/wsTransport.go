package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/tmolnar/smsbridge/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Clients connect from app webviews and desktop origins
	},
}

type WSTransport struct {
	Addr         string
	server       *http.Server
	onMessage    func(proto.Message)
	onConnect    func(Client) error
	onDisconnect func(Client)

	clients map[string]Client
	cmu     sync.RWMutex

	maxClients  int
	idleTimeout time.Duration
	connected   bool
}

func NewWSTransport(addr string, maxClients int, idleTimeout time.Duration) *WSTransport {
	if maxClients == 0 {
		maxClients = 64
	}
	return &WSTransport{
		Addr:        addr,
		maxClients:  maxClients,
		idleTimeout: idleTimeout,
		clients:     make(map[string]Client),
	}
}

func (t *WSTransport) Start() error {
	slog.Info("Starting WebSocket server", "addr", t.Addr)

	if t.onConnect == nil || t.onDisconnect == nil || t.onMessage == nil {
		return fmt.Errorf("the OnConnect, OnDisconnect, or OnMessage function is not defined; this transport is likely being started outside of the coordinator")
	}

	router := chi.NewRouter()
	router.Get("/ws", t.handleWebSocket)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	t.server = &http.Server{
		Addr:    t.Addr,
		Handler: router,
	}

	t.setConnected(true)
	err := t.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		t.setConnected(false)
		return err
	}
	return nil
}

// setConnected shares cmu with the client map; Meta() reads the flag from
// other goroutines.
func (t *WSTransport) setConnected(v bool) {
	t.cmu.Lock()
	t.connected = v
	t.cmu.Unlock()
}

func (t *WSTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	go t.handleConnection(conn, r.RemoteAddr)
}

// addClient reserves a client slot. Check and insert run under one write
// lock so concurrent accepts cannot exceed maxClients.
func (t *WSTransport) addClient(client Client) bool {
	t.cmu.Lock()
	defer t.cmu.Unlock()

	if len(t.clients) >= t.maxClients {
		return false
	}
	t.clients[client.Meta().ID] = client
	return true
}

func (t *WSTransport) removeClient(client Client) {
	t.cmu.Lock()
	defer t.cmu.Unlock()
	delete(t.clients, client.Meta().ID)
}

func (t *WSTransport) handleConnection(conn *websocket.Conn, remoteAddr string) {
	client := NewWSClient(conn, remoteAddr)

	if !t.addClient(client) {
		slog.Warn("Max clients reached, rejecting connection", "remote_addr", remoteAddr)
		conn.Close()
		return
	}
	slog.Info("WebSocket client connected", "addr", remoteAddr)

	defer func() {
		t.removeClient(client)

		t.onDisconnect(client)

		conn.Close()
		slog.Info("WebSocket client disconnected", "addr", remoteAddr, "connId", client.ID)
	}()

	if err := t.onConnect(client); err != nil {
		slog.Error("Failed to accept WebSocket client", "addr", remoteAddr, "error", err.Error())
		return
	}

	for {
		if t.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(t.idleTimeout))
		}
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket connection error", "addr", remoteAddr, "error", err)
			}
			break
		}

		var msg proto.Message
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			slog.Warn("Invalid JSON message received", "error", err, "data", string(messageBytes))
			continue
		}

		// Inject connection ID into message
		msg.Sender = client.ID
		slog.Debug("WebSocket message received", "type", msg.Type, "topic", msg.Topic, "sender", msg.Sender, "size", len(msg.Payload))
		t.onMessage(msg)
	}
}

func (t *WSTransport) Shutdown() error {
	slog.Info("Shutting down WebSocket server", "addr", t.Addr)
	t.setConnected(false)
	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

func (t *WSTransport) OnMessage(fn func(proto.Message)) {
	t.onMessage = fn
}

func (t *WSTransport) OnConnect(fn func(Client) error) {
	t.onConnect = fn
}

func (t *WSTransport) OnDisconnect(fn func(Client)) {
	t.onDisconnect = fn
}

func (t *WSTransport) Meta() TransportMetadata {
	t.cmu.RLock()
	connected := t.connected
	t.cmu.RUnlock()

	return TransportMetadata{
		Name:       "WebSocket Gateway",
		Protocol:   "websocket",
		Address:    t.Addr,
		MaxClients: t.maxClients,
		Connected:  connected,
	}
}
