package signal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is the outbound half of a signaling connection. The scheduler owns all
// registry state, so Conn implementations only need to serialize writes.
type Conn interface {
	// Send marshals v as JSON and writes it as one text frame.
	Send(v any) error
	// Ping writes a WebSocket ping control frame.
	Ping() error
	// Close performs a best-effort close handshake.
	Close() error
	// Terminate drops the connection without a close handshake.
	Terminate() error
	RemoteAddr() string
}

type wsConn struct {
	ws *websocket.Conn

	// writeMu serializes writes: the scheduler, heartbeat ticks, and the
	// pong handler may all write to the same connection.
	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) Terminate() error {
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
