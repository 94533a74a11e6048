package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tmolnar/smsbridge/proto"
)

type WSClient struct {
	ConnMetadata
	conn *websocket.Conn
	wmu  sync.Mutex // gorilla allows one concurrent writer
}

func NewWSClient(conn *websocket.Conn, remoteAddr string) *WSClient {
	return &WSClient{
		conn: conn,
		ConnMetadata: ConnMetadata{
			ID:          generateConnID("ws"),
			RemoteAddr:  remoteAddr,
			ConnectedAt: time.Now(),
		},
	}
}

func (c *WSClient) Send(msg proto.Message) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, jsonData)
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	slog.Debug("Sent WebSocket message", "to", c.ID, "type", msg.Type, "topic", msg.Topic, "size", len(msg.Payload))
	return nil
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

func (c *WSClient) Meta() *ConnMetadata {
	return &c.ConnMetadata
}
