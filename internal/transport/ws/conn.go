// Package ws provides a WebSocket client connection built on nhooyr.io/websocket.
package ws

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
)

// ReadLimit bounds a single inbound frame. History replies can be large.
const ReadLimit = 1 << 20

// Conn adapts nhooyr.io/websocket to the transport.Conn interface.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string
}

// Dial performs the WebSocket handshake with url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	conn.SetReadLimit(ReadLimit)

	addr := ""
	if resp != nil && resp.Request != nil && resp.Request.URL != nil {
		addr = resp.Request.URL.Host
	}
	return NewConnWithAddr(conn, addr), nil
}

// NewConnWithAddr wraps a websocket.Conn with the specified remote address.
func NewConnWithAddr(conn *websocket.Conn, addr string) *Conn {
	return &Conn{conn: conn, remoteAddr: addr}
}

// Read implements transport.Conn.
// Reads one message from the WebSocket connection, text or binary.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// Write implements transport.Conn.
// Writes a text message to the WebSocket connection.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}
