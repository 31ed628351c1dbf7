// Package transport provides the duplex text-frame connections a session
// channel runs over.
package transport

import (
	"context"
	"fmt"

	"github.com/omochice/peerchat/internal/transport/gobwas"
	"github.com/omochice/peerchat/internal/transport/ws"
)

// Conn abstracts a bidirectional message connection.
// This interface isolates the WebSocket library from session logic.
type Conn interface {
	// Read reads a single text frame.
	// Returns an error once the connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single text frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens a Conn to a ws:// or wss:// URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// New returns the dialer for a transport name: "gobwas" or "nhooyr".
func New(name string) (Dialer, error) {
	switch name {
	case "", "gobwas":
		return DialerFunc(func(ctx context.Context, url string) (Conn, error) {
			return gobwas.Dial(ctx, url)
		}), nil
	case "nhooyr":
		return DialerFunc(func(ctx context.Context, url string) (Conn, error) {
			return ws.Dial(ctx, url)
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}
