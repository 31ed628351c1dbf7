// Package relay is a reference peer-messaging service. It speaks the same
// JSON protocol as the session channel and is used for local development and
// end-to-end tests.
package relay

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omochice/peerchat/pkg/protocol"
	"go.uber.org/zap"
)

// ShutdownGrace is how long the server keeps running after a shutdown
// command so the reply can be flushed.
const ShutdownGrace = 200 * time.Millisecond

var errUnknownAction = errors.New("unknown action")

// invalidJSONReply is sent, untyped, for frames that are not JSON.
var invalidJSONReply = []byte(`{"success":false,"error":"Invalid JSON"}`)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for simplicity
	},
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// Server is the relay WebSocket server.
type Server struct {
	address string
	log     *zap.Logger
	network *Network
	hub     *hub

	mu       sync.RWMutex
	listener net.Listener
	server   *http.Server

	quit         chan struct{}
	stopOnce     sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New creates a Server that will listen on address.
func New(address string, opts ...Option) *Server {
	s := &Server{
		address:  address,
		log:      zap.NewNop(),
		network:  NewNetwork(),
		quit:     make(chan struct{}),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.log)
	return s
}

// Start listens and blocks until the server stops. It returns nil after Stop
// or a client shutdown command, and an error if serving fails.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	s.log.Info("relay started", zap.String("addr", listener.Addr().String()))

	errChan := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for either error, stop or shutdown request
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to serve: %w", err)
	case <-s.quit:
		return nil
	case <-s.shutdown:
		s.log.Info("shutdown requested by client")
		return nil
	}
}

// Stop closes the listener and every client connection, then waits for the
// client goroutines to exit. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)

		s.mu.RLock()
		server := s.server
		s.mu.RUnlock()
		if server != nil {
			server.Close()
		}

		s.hub.closeAll()
		s.wg.Wait()
		s.log.Info("relay stopped")
	})
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.count()
}

// Network returns the peer registry.
func (s *Server) Network() *Network {
	return s.network
}

func (s *Server) requestShutdown() {
	time.AfterFunc(ShutdownGrace, func() {
		s.shutdownOnce.Do(func() { close(s.shutdown) })
	})
}

// handleWebSocket handles WebSocket upgrade and client connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{
		conn:     conn,
		outgoing: make(chan []byte, outgoingBuffer),
	}
	s.hub.register(c)
	s.log.Info("client connected",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.Int("clients", s.hub.count()))

	s.wg.Add(1)
	go s.handleClient(c)
}

// handleClient handles a single WebSocket client connection
func (s *Server) handleClient(c *client) {
	defer s.wg.Done()

	writerDone := make(chan struct{})
	defer func() {
		s.hub.unregister(c)
		close(c.outgoing)
		c.conn.Close()
		<-writerDone
		s.log.Info("client disconnected", zap.Int("clients", s.hub.count()))
	}()

	go func() {
		defer close(writerDone)
		for data := range c.outgoing {
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("failed to write to client", zap.Error(err))
				c.conn.Close()
				// drain so senders never block
				for range c.outgoing {
				}
				return
			}
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket error", zap.Error(err))
			}
			return
		}

		reply := s.dispatch(c, data)
		select {
		case c.outgoing <- reply:
		case <-s.quit:
			return
		}
	}
}

// dispatch executes one command from sender and returns the encoded reply.
// Pushes produced by the command are broadcast before the reply is returned.
func (s *Server) dispatch(sender *client, data []byte) []byte {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		s.log.Warn("invalid command", zap.Error(err))
		return invalidJSONReply
	}

	resp := protocol.Response{Action: cmd.Action}
	if cmd.Action.Known() {
		err = s.execute(sender, cmd, &resp)
	} else {
		err = errUnknownAction
	}
	if err != nil {
		resp.Error = err.Error()
		s.log.Debug("command failed", zap.Stringer("action", cmd.Action), zap.Error(err))
	} else {
		resp.Success = true
	}

	reply, err := resp.Encode()
	if err != nil {
		s.log.Error("failed to encode reply", zap.Error(err))
		return invalidJSONReply
	}
	return reply
}

func (s *Server) execute(sender *client, cmd protocol.Command, resp *protocol.Response) error {
	switch cmd.Action {
	case protocol.ActionCreatePeer:
		var p protocol.CreatePeerPayload
		if err := cmd.DecodePayload(&p); err != nil {
			return err
		}
		if err := s.network.CreatePeer(p.Name); err != nil {
			return err
		}
		s.log.Info("peer created", zap.String("name", p.Name))
		return nil

	case protocol.ActionConnectPeers:
		var p protocol.ConnectPeersPayload
		if err := cmd.DecodePayload(&p); err != nil {
			return err
		}
		if err := s.network.ConnectPeers(p.Peer1, p.Peer2); err != nil {
			return err
		}
		s.log.Info("peers connected", zap.String("peer1", p.Peer1), zap.String("peer2", p.Peer2))
		return nil

	case protocol.ActionSendMessage:
		var p protocol.SendMessagePayload
		if err := cmd.DecodePayload(&p); err != nil {
			return err
		}
		msg, ok, err := s.network.Route(p.From, p.To, p.Message)
		if err != nil {
			return err
		}
		if !ok {
			// unroutable messages are dropped without an error
			s.log.Debug("message not routed", zap.String("from", p.From), zap.String("to", p.To))
			return nil
		}
		push, err := protocol.Push{Message: msg}.Encode()
		if err != nil {
			return err
		}
		s.hub.broadcast(push, sender)
		return nil

	case protocol.ActionGetHistory:
		var p protocol.GetHistoryPayload
		if err := cmd.DecodePayload(&p); err != nil {
			return err
		}
		history, err := s.network.History(p.PeerA, p.PeerB)
		if err != nil {
			return err
		}
		resp.History = history
		s.log.Debug("history requested",
			zap.String("peer_a", p.PeerA), zap.String("peer_b", p.PeerB),
			zap.Int("messages", len(history)))
		return nil

	case protocol.ActionShutdown:
		s.requestShutdown()
		return nil

	default:
		return errUnknownAction
	}
}
