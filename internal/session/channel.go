// Package session owns the single duplex connection of a chat view and
// exposes its state and a command-send primitive.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/omochice/peerchat/internal/metrics"
	"github.com/omochice/peerchat/internal/transport"
	"github.com/omochice/peerchat/pkg/protocol"
	"go.uber.org/zap"
)

// State is the connection state of a Channel.
type State int

const (
	Closed State = iota
	Connecting
	Open
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// DefaultWriteTimeout bounds a single command write.
const DefaultWriteTimeout = 10 * time.Second

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(c *Channel) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics records channel activity in m.
func WithMetrics(m *metrics.Session) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.writeTimeout = d
	}
}

// Channel is one session with the peer-messaging service. Connect and Close
// are called by the owning view; Send and the getters are safe from any
// goroutine. Handlers run on the channel's reader goroutine.
type Channel struct {
	dialer       transport.Dialer
	log          *zap.Logger
	metrics      *metrics.Session
	writeTimeout time.Duration

	mu      sync.Mutex
	state   State
	conn    transport.Conn
	cancel  context.CancelFunc
	active  bool
	onFrame func(protocol.Frame)
	onState func(State)

	// emitMu orders handler invocations so teardown cannot interleave
	// with a state change or frame from the reader.
	emitMu sync.Mutex
	wg     sync.WaitGroup
}

// New creates a closed Channel that dials through dialer.
func New(dialer transport.Dialer, opts ...Option) *Channel {
	c := &Channel{
		dialer:       dialer,
		log:          zap.NewNop(),
		writeTimeout: DefaultWriteTimeout,
		state:        Closed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnFrame registers the handler for decoded inbound frames, replacing any
// previous one.
func (c *Channel) OnFrame(handler func(protocol.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = handler
}

// OnStateChange registers the handler for state transitions, replacing any
// previous one.
func (c *Channel) OnStateChange(handler func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connecting to url in the background. It is a no-op while a
// session exists, including one that has already closed; only Close resets it.
func (c *Channel) Connect(url string) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		c.log.Debug("connect ignored, session already exists", zap.String("url", url))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.active = true
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	c.transition(ctx, Connecting)
	go c.run(ctx, url)
}

// Send transmits {action, payload} when the channel is open. Otherwise the
// command is dropped. It reports whether the frame was written.
func (c *Channel) Send(action protocol.Action, payload any) bool {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != Open || conn == nil {
		c.metrics.CommandDropped(action.String())
		c.log.Debug("command dropped, connection not open",
			zap.Stringer("action", action), zap.Stringer("state", state))
		return false
	}

	cmd, err := protocol.NewCommand(action, payload)
	if err != nil {
		c.log.Error("failed to build command", zap.Stringer("action", action), zap.Error(err))
		return false
	}
	data, err := cmd.Encode()
	if err != nil {
		c.log.Error("failed to encode command", zap.Stringer("action", action), zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		c.log.Warn("failed to send command", zap.Stringer("action", action), zap.Error(err))
		return false
	}

	c.metrics.CommandSent(action.String())
	c.log.Debug("command sent", zap.Stringer("action", action))
	return true
}

// Close tears the session down in any state, including while a dial is in
// flight, and waits for the reader to exit. A later Connect starts afresh.
func (c *Channel) Close() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.cancel()
	c.cancel = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.log.Debug("error closing connection", zap.Error(err))
		}
	}

	c.emitMu.Lock()
	c.mu.Lock()
	prev := c.state
	c.state = Closed
	handler := c.onState
	c.mu.Unlock()
	if prev != Closed {
		c.stateChanged(Closed, handler)
	}
	c.emitMu.Unlock()

	c.wg.Wait()
}

func (c *Channel) run(ctx context.Context, url string) {
	defer c.wg.Done()

	conn, err := c.dialer.Dial(ctx, url)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("connection failed", zap.String("url", url), zap.Error(err))
		}
		c.transition(ctx, Closed)
		return
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		// torn down while dialing
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("connected", zap.String("url", url), zap.String("remote", conn.RemoteAddr()))
	c.transition(ctx, Open)

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Info("connection closed", zap.Error(err))
			}
			break
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.metrics.FrameDiscarded()
			c.log.Warn("discarding inbound frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		c.metrics.FrameReceived(frame.Type().String())
		c.deliver(ctx, frame)
	}

	c.mu.Lock()
	if ctx.Err() == nil {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
	c.transition(ctx, Closed)
}

// transition moves to state to and notifies the handler, unless the session
// that ctx belongs to has been torn down.
func (c *Channel) transition(ctx context.Context, to State) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if ctx.Err() != nil || c.state == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	handler := c.onState
	c.mu.Unlock()

	c.stateChanged(to, handler)
}

func (c *Channel) stateChanged(to State, handler func(State)) {
	c.metrics.SetConnectionState(int(to))
	c.log.Info("connection state changed", zap.Stringer("state", to))
	if handler != nil {
		handler(to)
	}
}

func (c *Channel) deliver(ctx context.Context, frame protocol.Frame) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	handler := c.onFrame
	c.mu.Unlock()

	if ctx.Err() != nil || handler == nil {
		return
	}
	handler(frame)
}
