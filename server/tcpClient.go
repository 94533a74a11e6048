package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tmolnar/smsbridge/proto"
)

type TCPClient struct {
	ConnMetadata
	conn net.Conn
	wmu  sync.Mutex
}

func NewTCPClient(conn net.Conn) *TCPClient {
	return &TCPClient{
		conn: conn,
		ConnMetadata: ConnMetadata{
			ID:          generateConnID("tcp"),
			RemoteAddr:  conn.RemoteAddr().String(),
			ConnectedAt: time.Now(),
		},
	}
}

func (c *TCPClient) Send(msg proto.Message) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	jsonData = append(jsonData, '\n')

	c.wmu.Lock()
	_, err = c.conn.Write(jsonData)
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	slog.Debug("Sent TCP message", "to", c.ID, "type", msg.Type, "topic", msg.Topic, "size", len(msg.Payload))
	return nil
}

func (c *TCPClient) Close() error {
	return c.conn.Close()
}

func (c *TCPClient) Meta() *ConnMetadata {
	return &c.ConnMetadata
}
