package client

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reversetunnel/tunnel/internal/frame"
)

// writeTimeout bounds a single frame write to the control connection,
// mirroring internal/server's controlConn.
const writeTimeout = 20 * time.Second

// controlConn wraps the client's control websocket with the single writer
// mutex spec.md §5 requires.
type controlConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func newControlConn(conn *websocket.Conn) *controlConn {
	return &controlConn{conn: conn}
}

func (c *controlConn) Send(f *frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(time.Time{})
}

func (c *controlConn) Close() error {
	return c.conn.Close()
}
