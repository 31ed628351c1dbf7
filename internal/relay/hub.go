package relay

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// outgoingBuffer is the number of frames queued per client before
// broadcasts to it are skipped.
const outgoingBuffer = 32

// client is a connected WebSocket client.
type client struct {
	conn     *websocket.Conn
	outgoing chan []byte
}

// hub tracks connected clients and fans pushes out to them.
type hub struct {
	log     *zap.Logger
	clients map[*client]bool
	mu      sync.RWMutex
}

func newHub(log *zap.Logger) *hub {
	return &hub{
		log:     log,
		clients: make(map[*client]bool),
	}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast queues data for every client except the sender, which already
// shows its own message.
func (h *hub) broadcast(data []byte, sender *client) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c == sender {
			continue
		}
		select {
		case c.outgoing <- data:
		default:
			h.log.Warn("client queue full, skipping push",
				zap.String("remote", c.conn.RemoteAddr().String()))
		}
	}
}

// closeAll closes every client connection, ending their read loops.
func (h *hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.conn.Close()
	}
}
