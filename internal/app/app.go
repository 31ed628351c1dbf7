// Package app assembles one chat session from configuration. The App value
// is the session context: it is created by the entry point and handed to the
// presentation layer, never kept in a package variable.
package app

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/omochice/peerchat/internal/config"
	"github.com/omochice/peerchat/internal/conversation"
	"github.com/omochice/peerchat/internal/identity"
	"github.com/omochice/peerchat/internal/metrics"
	"github.com/omochice/peerchat/internal/session"
	"github.com/omochice/peerchat/internal/storage"
	"github.com/omochice/peerchat/internal/store"
	"github.com/omochice/peerchat/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures an App.
type Option func(*options)

type options struct {
	kv     *storage.Store
	dialer transport.Dialer
}

// WithStorage uses kv instead of opening the store under the data directory.
// The App does not close a store it did not open.
func WithStorage(kv *storage.Store) Option {
	return func(o *options) {
		o.kv = kv
	}
}

// WithDialer overrides the dialer selected by the configured transport.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// App is one chat session.
type App struct {
	cfg    *config.Config
	log    *zap.Logger
	kv     *storage.Store
	ownsKV bool

	ids     *identity.Store
	msgs    *store.Store
	channel *session.Channel
	ctrl    *conversation.Controller

	closeOnce sync.Once
	closeErr  error
}

// New opens storage, loads the identity (nav takes precedence over storage)
// and wires the channel to the controller. reg may be nil.
func New(cfg *config.Config, log *zap.Logger, nav url.Values, reg prometheus.Registerer, opts ...Option) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, log: log, kv: o.kv}
	if a.kv == nil {
		kv, err := storage.Open(cfg.StorePath())
		if err != nil {
			return nil, err
		}
		a.kv = kv
		a.ownsKV = true
	}

	dialer := o.dialer
	if dialer == nil {
		var err error
		if dialer, err = transport.New(cfg.Transport); err != nil {
			a.closeStorage()
			return nil, err
		}
	}

	a.ids = identity.NewStore(a.kv)
	id, err := a.ids.Load(nav)
	if err != nil {
		a.closeStorage()
		return nil, err
	}
	log.Info("identity loaded",
		zap.String("local", id.LocalName),
		zap.String("peer", id.PeerName),
		zap.Bool("from_link", nav.Get(identity.ParamPeer) != ""))

	m := metrics.NewSession(reg)
	a.msgs = store.New()
	a.channel = session.New(dialer,
		session.WithLogger(log.Named("session")),
		session.WithMetrics(m))
	a.ctrl = conversation.New(a.channel, a.ids, a.msgs,
		conversation.WithLogger(log.Named("conversation")),
		conversation.WithMetrics(m))

	a.channel.OnFrame(a.ctrl.HandleFrame)
	a.channel.OnStateChange(a.ctrl.HandleState)
	return a, nil
}

// Controller returns the session's controller, which is both the intent
// sink and the snapshot source of the presentation layer.
func (a *App) Controller() *conversation.Controller {
	return a.ctrl
}

// Identity returns the identity store.
func (a *App) Identity() *identity.Store {
	return a.ids
}

// Messages returns the message store.
func (a *App) Messages() *store.Store {
	return a.msgs
}

// Channel returns the session channel.
func (a *App) Channel() *session.Channel {
	return a.channel
}

// Run connects to the configured server and runs the controller until ctx
// is done. It does not reconnect.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("connecting", zap.String("url", a.cfg.ServerURL), zap.String("transport", a.cfg.Transport))
	a.channel.Connect(a.cfg.ServerURL)
	return a.ctrl.Run(ctx)
}

// Close tears the channel down and closes storage. Only the first call has
// any effect.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.channel.Close()
		a.closeErr = a.closeStorage()
	})
	return a.closeErr
}

func (a *App) closeStorage() error {
	if !a.ownsKV {
		return nil
	}
	if err := a.kv.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}
