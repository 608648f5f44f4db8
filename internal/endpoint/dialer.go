package endpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 1 * time.Second

// RelayConn is one signaling connection to the relay. Implemented by
// wsRelayConn in production; tests substitute fakes.
type RelayConn interface {
	// ReadMessage blocks for the next text frame.
	ReadMessage() ([]byte, error)

	// SendMessage writes v as one JSON text frame. Safe for concurrent use.
	SendMessage(v any) error

	Close() error
}

// Dialer opens relay connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (RelayConn, error)
}

// WebSocketDialer dials the relay over WebSocket.
type WebSocketDialer struct {
	// Dialer overrides the underlying gorilla dialer when set.
	Dialer *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (RelayConn, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	conn, _, err := wd.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsRelayConn{conn: conn}, nil
}

type wsRelayConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsRelayConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsRelayConn) SendMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsRelayConn) Close() error {
	return c.conn.Close()
}
