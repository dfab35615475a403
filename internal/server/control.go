package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reversetunnel/tunnel/internal/frame"
)

// writeTimeout bounds how long a single frame write to a control
// connection may take before the connection is considered dead.
const writeTimeout = 20 * time.Second

// controlConn wraps a tunnel's websocket connection with the single
// dedicated writer mutex spec.md §5 requires: "writes to a single control
// connection must be serialized through a mutex ... frames from different
// streams may be freely interleaved between frames but never within a
// frame."
type controlConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func newControlConn(conn *websocket.Conn) *controlConn {
	return &controlConn{conn: conn}
}

// Send encodes f and writes it as exactly one WebSocket binary message.
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

// Close closes the underlying connection.
func (c *controlConn) Close() error {
	return c.conn.Close()
}
