package bridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a websocket connection the bridge relies on. Both the
// gorilla and fasthttp websocket connection types satisfy it, as do the fakes
// used in tests.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// safeConn serializes writes to a websocket connection. Websocket conns allow
// at most one concurrent writer, and a session's telephony conn is written by
// the model read loop while the broadcaster writes observer conns.
type safeConn struct {
	mu      sync.Mutex
	conn    Conn
	timeout time.Duration
}

func newSafeConn(conn Conn, timeout time.Duration) *safeConn {
	return &safeConn{conn: conn, timeout: timeout}
}

func (c *safeConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *safeConn) WriteClose(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (c *safeConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *safeConn) Close() error {
	return c.conn.Close()
}
