// Package gobwas provides a WebSocket client connection built on gobwas/ws.
package gobwas

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn wraps a client-side net.Conn speaking WebSocket text frames.
type Conn struct {
	conn    net.Conn
	br      *bufio.Reader // owned by the reading goroutine
	writeMu sync.Mutex
	once    sync.Once
}

// Dial performs the WebSocket handshake with url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return NewConn(conn, br), nil
}

// NewConn wraps an upgraded connection. br holds bytes the server sent right
// after the handshake response and may be nil.
func NewConn(conn net.Conn, br *bufio.Reader) *Conn {
	return &Conn{conn: conn, br: br}
}

// reader returns the source of the next frame. The handshake reader is
// returned to the gobwas pool as soon as it holds no more buffered bytes.
func (c *Conn) reader() io.Reader {
	if c.br == nil {
		return c.conn
	}
	if c.br.Buffered() == 0 {
		ws.PutReader(c.br)
		c.br = nil
		return c.conn
	}
	return c.br
}

// lockedWriter serializes control frame replies written by the reader with
// data frames written by Write.
type lockedWriter struct {
	c *Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

// Read returns the payload of the next data frame. Control frames are
// answered by wsutil; a close frame ends the read with an error.
// Read must not be called concurrently.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	rw := struct {
		io.Reader
		io.Writer
	}{c.reader(), lockedWriter{c}}
	data, _, err := wsutil.ReadServerData(rw)
	if err != nil {
		return nil, err
	}
	c.reader()
	return data, nil
}

// Write sends data as a single text frame.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientText(c.conn, data)
}

// Close sends a close frame and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the server address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
