package conversation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/omochice/peerchat/internal/identity"
	"github.com/omochice/peerchat/internal/metrics"
	"github.com/omochice/peerchat/internal/session"
	"github.com/omochice/peerchat/internal/storage"
	"github.com/omochice/peerchat/internal/store"
	"github.com/omochice/peerchat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type sentCommand struct {
	action  protocol.Action
	payload any
}

// fakeChannel records commands instead of writing them to a connection.
type fakeChannel struct {
	mu    sync.Mutex
	state session.State
	sent  []sentCommand
}

func (f *fakeChannel) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Send(action protocol.Action, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != session.Open {
		return false
	}
	f.sent = append(f.sent, sentCommand{action: action, payload: payload})
	return true
}

func (f *fakeChannel) setState(s session.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeChannel) Sent() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCommand(nil), f.sent...)
}

func (f *fakeChannel) Actions() []protocol.Action {
	var actions []protocol.Action
	for _, c := range f.Sent() {
		actions = append(actions, c.action)
	}
	return actions
}

func (f *fakeChannel) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// ticker returns a clock that advances one second per call.
func ticker(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	c    *Controller
	ch   *fakeChannel
	ids  *identity.Store
	kv   *storage.Store
	msgs *store.Store
}

func newFixture(t *testing.T, id identity.Identity, conn session.State, opts ...Option) *fixture {
	t.Helper()

	kv, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	ids := identity.NewStore(kv)
	if err := ids.Save(id); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ch := &fakeChannel{state: conn}
	msgs := store.New()
	opts = append([]Option{WithClock(ticker(epoch))}, opts...)
	c := New(ch, ids, msgs, opts...)
	c.start()

	return &fixture{c: c, ch: ch, ids: ids, kv: kv, msgs: msgs}
}

func setupActions(withPeer bool) []protocol.Action {
	if !withPeer {
		return []protocol.Action{protocol.ActionCreatePeer}
	}
	return []protocol.Action{
		protocol.ActionCreatePeer,
		protocol.ActionCreatePeer,
		protocol.ActionConnectPeers,
		protocol.ActionGetHistory,
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Idle, "idle"},
		{Establishing, "establishing"},
		{Ready, "ready"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestController_InitialState(t *testing.T) {
	tests := []struct {
		name    string
		id      identity.Identity
		conn    session.State
		want    State
		actions []protocol.Action
	}{
		{"no identity", identity.Identity{}, session.Open, Idle, nil},
		{"identity, connecting", identity.Identity{LocalName: "Alice"}, session.Connecting, Establishing, nil},
		{"identity, closed", identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Closed, Establishing, nil},
		{"identity, open", identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Open, Ready, setupActions(true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.id, tt.conn)

			if got := f.c.State(); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
			if got := f.ch.Actions(); !reflect.DeepEqual(got, tt.actions) {
				t.Errorf("actions = %v, want %v", got, tt.actions)
			}
		})
	}
}

func TestController_EstablishOnOpen(t *testing.T) {
	f := newFixture(t, identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Connecting)

	f.ch.setState(session.Open)
	f.c.handle(stateEvent{state: session.Open})

	if f.c.State() != Ready {
		t.Fatalf("State() = %v, want ready", f.c.State())
	}

	want := []sentCommand{
		{protocol.ActionCreatePeer, protocol.CreatePeerPayload{Name: "Alice"}},
		{protocol.ActionCreatePeer, protocol.CreatePeerPayload{Name: "Bob"}},
		{protocol.ActionConnectPeers, protocol.ConnectPeersPayload{Peer1: "Alice", Peer2: "Bob"}},
		{protocol.ActionGetHistory, protocol.GetHistoryPayload{PeerA: "Alice", PeerB: "Bob"}},
	}
	if got := f.ch.Sent(); !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %+v\nwant %+v", got, want)
	}

	// a repeated open event does not re-issue the sequence
	f.c.handle(stateEvent{state: session.Open})
	if n := len(f.ch.Sent()); n != len(want) {
		t.Errorf("sent %d commands after repeated open, want %d", n, len(want))
	}
}

func TestController_StaleStateEventsAfterStart(t *testing.T) {
	// the dial finished before Run started, so the Connecting and Open
	// events are still queued when start already sees an open channel
	f := newFixture(t, identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Open)
	if f.c.State() != Ready {
		t.Fatalf("State() after start = %v, want ready", f.c.State())
	}

	f.c.handle(stateEvent{state: session.Connecting})
	if f.c.State() != Ready {
		t.Errorf("State() after queued connecting = %v, want ready", f.c.State())
	}
	if got := f.c.Snapshot().Connection; got != session.Open {
		t.Errorf("Snapshot().Connection = %v, want open", got)
	}

	f.c.handle(stateEvent{state: session.Open})
	if got, want := f.ch.Actions(), setupActions(true); !reflect.DeepEqual(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
}

func TestController_StaleClosedEventIgnored(t *testing.T) {
	f := newFixture(t, identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Connecting)

	f.ch.setState(session.Open)
	f.c.handle(stateEvent{state: session.Closed})
	if f.c.State() != Establishing {
		t.Errorf("State() = %v, want establishing", f.c.State())
	}
	if n := len(f.ch.Sent()); n != 0 {
		t.Errorf("sent %d commands on a stale event", n)
	}

	f.c.handle(stateEvent{state: session.Open})
	if f.c.State() != Ready {
		t.Errorf("State() = %v, want ready", f.c.State())
	}
	if got, want := f.ch.Actions(), setupActions(true); !reflect.DeepEqual(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
}

func TestController_EstablishWithoutPeer(t *testing.T) {
	f := newFixture(t, identity.Identity{LocalName: "Alice"}, session.Connecting)

	f.ch.setState(session.Open)
	f.c.handle(stateEvent{state: session.Open})

	if got, want := f.ch.Actions(), setupActions(false); !reflect.DeepEqual(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
	if f.c.State() != Ready {
		t.Errorf("State() = %v, want ready", f.c.State())
	}
}

func TestController_IdleIgnoresOpen(t *testing.T) {
	f := newFixture(t, identity.Identity{}, session.Connecting)

	f.ch.setState(session.Open)
	f.c.handle(stateEvent{state: session.Open})

	if f.c.State() != Idle {
		t.Errorf("State() = %v, want idle", f.c.State())
	}
	if n := len(f.ch.Sent()); n != 0 {
		t.Errorf("sent %d commands without identity", n)
	}
}

func TestController_SetIdentity(t *testing.T) {
	t.Run("while open", func(t *testing.T) {
		f := newFixture(t, identity.Identity{}, session.Open)

		f.c.handle(SetIdentity{LocalName: "Alice", PeerName: "Bob"})

		if f.c.State() != Ready {
			t.Errorf("State() = %v, want ready", f.c.State())
		}
		if got, want := f.ch.Actions(), setupActions(true); !reflect.DeepEqual(got, want) {
			t.Errorf("actions = %v, want %v", got, want)
		}
		if v, ok, _ := f.kv.Get(identity.KeyPeerName); !ok || v != "Bob" {
			t.Errorf("stored peer = %q, %v", v, ok)
		}
	})

	t.Run("while connecting", func(t *testing.T) {
		f := newFixture(t, identity.Identity{}, session.Connecting)

		f.c.handle(SetIdentity{LocalName: "Alice"})

		if f.c.State() != Establishing {
			t.Errorf("State() = %v, want establishing", f.c.State())
		}
		if n := len(f.ch.Sent()); n != 0 {
			t.Errorf("sent %d commands before open", n)
		}
	})

	t.Run("changing peer re-issues setup", func(t *testing.T) {
		f := newFixture(t, identity.Identity{LocalName: "Alice"}, session.Open)
		f.ch.reset()

		f.c.handle(SetIdentity{LocalName: "Alice", PeerName: "Carol"})

		want := []sentCommand{
			{protocol.ActionCreatePeer, protocol.CreatePeerPayload{Name: "Alice"}},
			{protocol.ActionCreatePeer, protocol.CreatePeerPayload{Name: "Carol"}},
			{protocol.ActionConnectPeers, protocol.ConnectPeersPayload{Peer1: "Alice", Peer2: "Carol"}},
			{protocol.ActionGetHistory, protocol.GetHistoryPayload{PeerA: "Alice", PeerB: "Carol"}},
		}
		if got := f.ch.Sent(); !reflect.DeepEqual(got, want) {
			t.Errorf("sent = %+v\nwant %+v", got, want)
		}
	})

	t.Run("empty local name clears", func(t *testing.T) {
		f := newFixture(t, identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Open)

		f.c.handle(SetIdentity{PeerName: "Bob"})

		if f.c.State() != Idle {
			t.Errorf("State() = %v, want idle", f.c.State())
		}
		if !f.ids.Current().IsZero() {
			t.Errorf("identity = %+v, want empty", f.ids.Current())
		}
	})
}

func TestController_TwoSequentialSends(t *testing.T) {
	f := newFixture(t, identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Open)
	f.ch.reset()

	f.c.handle(SendMessage{Body: "hi"})
	f.c.handle(SendMessage{Body: "there"})

	view := f.msgs.View("Alice", "Bob")
	if len(view) != 2 {
		t.Fatalf("View() returned %d messages, want 2", len(view))
	}
	for i, body := range []string{"hi", "there"} {
		m := view[i]
		if m.From != "Alice" || m.To != "Bob" || m.Body != body {
			t.Errorf("view[%d] = %+v, want Alice->Bob %q", i, m, body)
		}
	}

	want := []sentCommand{
		{protocol.ActionSendMessage, protocol.SendMessagePayload{From: "Alice", To: "Bob", Message: "hi"}},
		{protocol.ActionSendMessage, protocol.SendMessagePayload{From: "Alice", To: "Bob", Message: "there"}},
	}
	if got := f.ch.Sent(); !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %+v\nwant %+v", got, want)
	}
}

func TestController_SendPreconditions(t *testing.T) {
	tests := []struct {
		name string
		id   identity.Identity
		conn session.State
		body string
	}{
		{"no local name", identity.Identity{}, session.Open, "hi"},
		{"no peer", identity.Identity{LocalName: "Alice"}, session.Open, "hi"},
		{"empty body", identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Open, ""},
		{"connecting", identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Connecting, "hi"},
		{"closed", identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Closed, "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.id, tt.conn)
			f.ch.reset()

			f.c.handle(SendMessage{Body: tt.body})

			if n := len(f.ch.Sent()); n != 0 {
				t.Errorf("sent %d commands, want 0", n)
			}
			if n := f.msgs.Len(); n != 0 {
				t.Errorf("store has %d messages, want 0", n)
			}
		})
	}
}

func TestController_PushIsAppended(t *testing.T) {
	f := newFixture(t, identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Open)

	msg := protocol.NewMessage("Bob", "Alice", "hello", epoch)
	f.c.handle(frameEvent{frame: protocol.Push{Message: msg}})

	if got := f.msgs.All(); len(got) != 1 || got[0] != msg {
		t.Errorf("store = %+v, want [%+v]", got, msg)
	}
}

func TestController_HistoryReplaceIsTotal(t *testing.T) {
	f := newFixture(t, identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Open)

	// appended between the request and the response
	f.c.handle(SendMessage{Body: "local"})
	f.c.handle(frameEvent{frame: protocol.Push{Message: protocol.NewMessage("Bob", "Alice", "pushed", epoch.Add(time.Hour))}})

	history := []protocol.Message{
		protocol.NewMessage("Alice", "Bob", "first", epoch.Add(-2*time.Minute)),
		protocol.NewMessage("Bob", "Alice", "second", epoch.Add(-time.Minute)),
	}
	f.c.handle(frameEvent{frame: protocol.Response{
		Action:  protocol.ActionGetHistory,
		Success: true,
		History: history,
	}})

	if got := f.msgs.View("Alice", "Bob"); !reflect.DeepEqual(got, history) {
		t.Errorf("View() = %+v\nwant %+v", got, history)
	}
}

func TestController_FailedResponses(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewSession(reg)
	f := newFixture(t, identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Open, WithMetrics(m))

	f.c.handle(SendMessage{Body: "kept"})
	before := f.msgs.All()

	f.c.handle(frameEvent{frame: protocol.Response{
		Action: protocol.ActionGetHistory,
		Error:  "Peer Alice not found",
	}})
	f.c.handle(frameEvent{frame: protocol.Response{
		Action: protocol.ActionConnectPeers,
		Error:  "One or both peers not found",
	}})

	if got := f.msgs.All(); !reflect.DeepEqual(got, before) {
		t.Errorf("failed history changed the store: %+v", got)
	}
	if f.c.State() != Ready {
		t.Errorf("State() = %v, want ready", f.c.State())
	}
	for _, action := range []string{"get_history", "connect_peers"} {
		if got := testutil.ToFloat64(m.CommandFailures.WithLabelValues(action)); got != 1 {
			t.Errorf("command_failures_total{action=%q} = %v, want 1", action, got)
		}
	}
}

func TestController_OrderIndependentMerge(t *testing.T) {
	f := newFixture(t, identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Open)

	// local sends are stamped epoch+1s, +2s, ...; pushes interleave out of order
	pushAt := []time.Duration{5 * time.Second, 1500 * time.Millisecond, 0, 3500 * time.Millisecond}
	for i, d := range pushAt {
		f.c.handle(frameEvent{frame: protocol.Push{
			Message: protocol.NewMessage("Bob", "Alice", fmt.Sprintf("push %d", i), epoch.Add(d)),
		}})
		f.c.handle(SendMessage{Body: fmt.Sprintf("send %d", i)})
	}

	view := f.msgs.View("Alice", "Bob")
	if len(view) != 2*len(pushAt) {
		t.Fatalf("View() returned %d messages, want %d", len(view), 2*len(pushAt))
	}
	for i := 1; i < len(view); i++ {
		if view[i].Time().Before(view[i-1].Time()) {
			t.Errorf("view not sorted at %d: %s before %s", i, view[i-1].Timestamp, view[i].Timestamp)
		}
	}
}

func TestController_ClearIdentity(t *testing.T) {
	f := newFixture(t, identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Open)
	f.c.handle(SendMessage{Body: "hi"})
	f.ch.reset()

	f.c.handle(ClearIdentity{})

	if f.c.State() != Idle {
		t.Errorf("State() = %v, want idle", f.c.State())
	}
	if n := f.msgs.Len(); n != 0 {
		t.Errorf("store has %d messages, want 0", n)
	}
	for _, key := range []string{identity.KeyLocalName, identity.KeyPeerName} {
		if _, ok, _ := f.kv.Get(key); ok {
			t.Errorf("key %q still present", key)
		}
	}
	if n := len(f.ch.Sent()); n != 0 {
		t.Errorf("sent %d commands on clear", n)
	}

	// no further commands until a new identity is set
	f.c.handle(SendMessage{Body: "hi"})
	f.c.handle(Shutdown{})
	if got := f.ch.Actions(); !reflect.DeepEqual(got, []protocol.Action{protocol.ActionShutdown}) {
		t.Errorf("actions = %v, want only shutdown", got)
	}
}

func TestController_ConnectionLoss(t *testing.T) {
	f := newFixture(t, identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Open)
	f.ch.reset()

	f.ch.setState(session.Closed)
	f.c.handle(stateEvent{state: session.Closed})

	if f.c.State() != Establishing {
		t.Errorf("State() = %v, want establishing", f.c.State())
	}
	if n := len(f.ch.Sent()); n != 0 {
		t.Errorf("sent %d commands on close", n)
	}
	if snap := f.c.Snapshot(); snap.Connection != session.Closed {
		t.Errorf("Snapshot().Connection = %v, want closed", snap.Connection)
	}

	f.ch.setState(session.Open)
	f.c.handle(stateEvent{state: session.Open})

	if f.c.State() != Ready {
		t.Errorf("State() = %v, want ready", f.c.State())
	}
	if got, want := f.ch.Actions(), setupActions(true); !reflect.DeepEqual(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
}

func TestController_Shutdown(t *testing.T) {
	f := newFixture(t, identity.Identity{}, session.Open)

	f.c.handle(Shutdown{})

	want := []sentCommand{{protocol.ActionShutdown, protocol.ShutdownPayload{}}}
	if got := f.ch.Sent(); !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %+v, want %+v", got, want)
	}
}

func TestController_Snapshot(t *testing.T) {
	f := newFixture(t, identity.Identity{LocalName: "Alice", PeerName: "Bob"}, session.Open)
	f.c.handle(SendMessage{Body: "hi"})
	f.c.handle(frameEvent{frame: protocol.Push{Message: protocol.NewMessage("Carol", "Alice", "elsewhere", epoch)}})

	snap := f.c.Snapshot()

	if snap.State != Ready || snap.Connection != session.Open {
		t.Errorf("Snapshot() state = %v/%v", snap.State, snap.Connection)
	}
	if snap.Identity != (identity.Identity{LocalName: "Alice", PeerName: "Bob"}) {
		t.Errorf("Snapshot().Identity = %+v", snap.Identity)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Body != "hi" {
		t.Errorf("Snapshot().Messages = %+v", snap.Messages)
	}
}

func TestController_Run(t *testing.T) {
	kv, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	defer kv.Close()

	ch := &fakeChannel{state: session.Connecting}
	msgs := store.New()
	c := New(ch, identity.NewStore(kv), msgs)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	if err := c.Submit(SetIdentity{LocalName: "Alice", PeerName: "Bob"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	ch.setState(session.Open)
	c.HandleState(session.Open)
	c.HandleFrame(protocol.Push{Message: protocol.NewMessage("Bob", "Alice", "hey", epoch)})

	deadline := time.After(2 * time.Second)
	for c.State() != Ready || msgs.Len() != 1 {
		select {
		case <-c.Updates():
		case <-deadline:
			t.Fatalf("timeout: state = %v, messages = %d", c.State(), msgs.Len())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if err := c.Submit(SendMessage{Body: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit() after stop error = %v, want ErrStopped", err)
	}
	// must not block
	c.HandleFrame(protocol.Push{})
	c.HandleState(session.Closed)
}
