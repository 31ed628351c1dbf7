// Package conversation drives a chat session. Intents and channel events are
// turned into protocol commands and message log updates on the goroutine
// running Controller.Run.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/omochice/peerchat/internal/identity"
	"github.com/omochice/peerchat/internal/metrics"
	"github.com/omochice/peerchat/internal/session"
	"github.com/omochice/peerchat/pkg/protocol"
	"go.uber.org/zap"
)

// ErrStopped is returned by Submit once Run has returned.
var ErrStopped = errors.New("conversation controller stopped")

// State is the controller state.
type State int

const (
	// Idle means no local identity is set.
	Idle State = iota
	// Establishing means an identity is set but the channel is not open.
	Establishing
	// Ready means the setup commands were issued on an open channel.
	Ready
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Establishing:
		return "establishing"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Channel is the part of session.Channel the controller drives.
type Channel interface {
	State() session.State
	Send(action protocol.Action, payload any) bool
}

// IdentityStore is the part of identity.Store the controller drives.
type IdentityStore interface {
	Current() identity.Identity
	Save(id identity.Identity) error
	Clear() error
}

// MessageStore is the part of store.Store the controller drives.
type MessageStore interface {
	Append(m protocol.Message)
	ReplaceAll(ms []protocol.Message)
	Clear()
	View(local, peer string) []protocol.Message
}

// Snapshot is a read-only picture of the session for rendering.
type Snapshot struct {
	State      State
	Connection session.State
	Identity   identity.Identity
	// Messages is the conversation view for the current identity.
	Messages []protocol.Message
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics records failed commands in m.
func WithMetrics(m *metrics.Session) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithClock overrides the time source used to stamp outgoing messages.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// eventQueueSize bounds the events buffered before Run starts draining them.
const eventQueueSize = 64

type frameEvent struct {
	frame protocol.Frame
}

type stateEvent struct {
	state session.State
}

// Controller is the conversation state machine.
type Controller struct {
	ch      Channel
	ids     IdentityStore
	msgs    MessageStore
	log     *zap.Logger
	metrics *metrics.Session
	now     func() time.Time

	events   chan any
	done     chan struct{}
	stopOnce sync.Once
	updates  chan struct{}

	mu    sync.RWMutex
	state State
	conn  session.State
}

// New creates a Controller. Nothing happens until Run is called.
func New(ch Channel, ids IdentityStore, msgs MessageStore, opts ...Option) *Controller {
	c := &Controller{
		ch:      ch,
		ids:     ids,
		msgs:    msgs,
		log:     zap.NewNop(),
		now:     time.Now,
		events:  make(chan any, eventQueueSize),
		done:    make(chan struct{}),
		updates: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run processes events until ctx is done. It must be called at most once.
func (c *Controller) Run(ctx context.Context) error {
	defer c.stopOnce.Do(func() { close(c.done) })

	c.start()
	for {
		select {
		case <-ctx.Done():
			c.log.Debug("conversation controller stopping")
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// Submit queues an intent for the controller goroutine.
func (c *Controller) Submit(in Intent) error {
	if in == nil {
		return nil
	}
	return c.enqueue(in)
}

// HandleFrame queues an inbound frame. It is registered as the channel's
// frame handler.
func (c *Controller) HandleFrame(f protocol.Frame) {
	if err := c.enqueue(frameEvent{frame: f}); err != nil {
		c.log.Debug("frame ignored, controller stopped", zap.Stringer("type", f.Type()))
	}
}

// HandleState queues a channel state change. It is registered as the
// channel's state handler.
func (c *Controller) HandleState(s session.State) {
	if err := c.enqueue(stateEvent{state: s}); err != nil {
		c.log.Debug("state change ignored, controller stopped", zap.Stringer("state", s))
	}
}

func (c *Controller) enqueue(ev any) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns the current state, identity and conversation view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	state, conn := c.state, c.conn
	c.mu.RUnlock()

	id := c.ids.Current()
	return Snapshot{
		State:      state,
		Connection: conn,
		Identity:   id,
		Messages:   c.msgs.View(id.LocalName, id.PeerName),
	}
}

// Updates signals after events that may have changed the Snapshot.
// Notifications are coalesced; a receiver should re-read Snapshot.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// start derives the initial state from the loaded identity and the channel.
func (c *Controller) start() {
	c.mu.Lock()
	c.conn = c.ch.State()
	if c.ids.Current().IsZero() {
		c.state = Idle
	} else {
		c.state = Establishing
	}
	c.mu.Unlock()

	if c.State() == Establishing && c.conn == session.Open {
		c.establish()
	}
	c.notify()
}

func (c *Controller) handle(ev any) {
	switch ev := ev.(type) {
	case stateEvent:
		c.handleState(ev.state)
	case frameEvent:
		c.handleFrame(ev.frame)
	case SetIdentity:
		c.setIdentity(ev)
	case SendMessage:
		c.sendMessage(ev.Body)
	case ClearIdentity:
		c.clearIdentity()
	case Shutdown:
		c.shutdown()
	default:
		c.log.Warn("unknown event", zap.Any("event", ev))
		return
	}
	c.notify()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.log.Info("conversation state changed",
			zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

func (c *Controller) handleState(s session.State) {
	// events queued before start or behind a later transition are stale;
	// the event for the current state is still queued
	if cur := c.ch.State(); s != cur {
		c.log.Debug("stale connection state ignored",
			zap.Stringer("event", s), zap.Stringer("current", cur))
		return
	}

	c.mu.Lock()
	c.conn = s
	state := c.state
	c.mu.Unlock()

	switch {
	case s == session.Open && state == Establishing:
		c.establish()
	case s != session.Open && state == Ready:
		// no replay until the channel opens again
		c.setState(Establishing)
	}
}

// establish issues the setup sequence for the current identity. Peer
// creation precedes linking, which precedes the history fetch.
func (c *Controller) establish() {
	id := c.ids.Current()
	if id.IsZero() {
		return
	}

	c.ch.Send(protocol.ActionCreatePeer, protocol.CreatePeerPayload{Name: id.LocalName})
	if id.PeerName != "" {
		c.ch.Send(protocol.ActionCreatePeer, protocol.CreatePeerPayload{Name: id.PeerName})
		c.ch.Send(protocol.ActionConnectPeers, protocol.ConnectPeersPayload{
			Peer1: id.LocalName,
			Peer2: id.PeerName,
		})
		c.ch.Send(protocol.ActionGetHistory, protocol.GetHistoryPayload{
			PeerA: id.LocalName,
			PeerB: id.PeerName,
		})
	}
	c.setState(Ready)
}

func (c *Controller) setIdentity(in SetIdentity) {
	if in.LocalName == "" {
		c.clearIdentity()
		return
	}

	id := identity.Identity{LocalName: in.LocalName, PeerName: in.PeerName}
	if err := c.ids.Save(id); err != nil {
		// the in-memory identity is still updated
		c.log.Error("failed to persist identity", zap.Error(err))
	}
	c.log.Info("identity set",
		zap.String("local", id.LocalName), zap.String("peer", id.PeerName))

	c.setState(Establishing)
	if c.ch.State() == session.Open {
		c.establish()
	}
}

func (c *Controller) sendMessage(body string) {
	id := c.ids.Current()
	switch {
	case id.LocalName == "":
		c.log.Debug("send ignored, no local name")
		return
	case id.PeerName == "":
		c.log.Debug("send ignored, no peer chosen")
		return
	case body == "":
		c.log.Debug("send ignored, empty message")
		return
	case c.ch.State() != session.Open:
		c.log.Debug("send ignored, connection not open")
		return
	}

	c.ch.Send(protocol.ActionSendMessage, protocol.SendMessagePayload{
		From:    id.LocalName,
		To:      id.PeerName,
		Message: body,
	})
	// there is no acknowledgement for sends
	c.msgs.Append(protocol.NewMessage(id.LocalName, id.PeerName, body, c.now()))
}

func (c *Controller) clearIdentity() {
	if err := c.ids.Clear(); err != nil {
		c.log.Error("failed to clear identity", zap.Error(err))
	}
	c.msgs.Clear()
	c.setState(Idle)
}

func (c *Controller) shutdown() {
	if c.ch.State() != session.Open {
		c.log.Debug("shutdown ignored, connection not open")
		return
	}
	c.log.Info("requesting service shutdown")
	c.ch.Send(protocol.ActionShutdown, protocol.ShutdownPayload{})
}

func (c *Controller) handleFrame(f protocol.Frame) {
	switch f := f.(type) {
	case protocol.Push:
		c.msgs.Append(f.Message)

	case protocol.Response:
		if !f.Success {
			c.metrics.CommandFailed(f.Action.String())
			c.log.Warn("command failed",
				zap.Stringer("action", f.Action), zap.String("error", f.Error))
			return
		}
		if f.Action == protocol.ActionGetHistory {
			c.msgs.ReplaceAll(f.History)
			c.log.Debug("history replaced", zap.Int("messages", len(f.History)))
		}
	}
}
