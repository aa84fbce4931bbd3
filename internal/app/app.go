// Package app is the UI-facing facade: it wires the subscription manager,
// health monitor, status core and chat core over one store and transport,
// and releases all of them on Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/interpsync/internal/chat"
	"github.com/user/interpsync/internal/config"
	"github.com/user/interpsync/internal/metrics"
	"github.com/user/interpsync/internal/notify"
	"github.com/user/interpsync/internal/presence"
	"github.com/user/interpsync/internal/realtime"
	"github.com/user/interpsync/internal/types"
)

type Deps struct {
	Store     types.Store
	Transport types.Transport
	Config    *config.Config
	Metrics   *metrics.Metrics
	// Notifier may be nil.
	Notifier notify.Notifier
}

type App struct {
	cfg      *config.Config
	manager  *realtime.Manager
	monitor  *realtime.Monitor
	presence *presence.Service
	chat     *chat.Service

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	watches  map[types.OwnerID]func()
	channels map[types.ChannelID]*chat.Channel
	started  bool
	closed   bool
}

func New(d Deps) (*App, error) {
	if d.Store == nil || d.Transport == nil {
		return nil, errors.New("app needs a store and a transport")
	}
	cfg := d.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	manager := realtime.NewManager(d.Transport, cfg.ManagerConfig(), d.Metrics)
	return &App{
		cfg:      cfg,
		manager:  manager,
		monitor:  realtime.NewMonitor(manager, cfg.HealthConfig(), d.Metrics),
		presence: presence.New(d.Store, manager, cfg.StatusConfig(), d.Metrics),
		chat:     chat.NewService(d.Store, manager, nil, d.Notifier, cfg.ChatConfig(), d.Metrics),
		watches:  make(map[types.OwnerID]func()),
		channels: make(map[types.ChannelID]*chat.Channel),
	}, nil
}

// Start runs the cores, then watches the configured owners and opens the
// configured channels. Failures there are logged, not fatal.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("app closed")
	}
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.presence.Start(a.ctx)
	a.monitor.Start(a.ctx)

	for _, owner := range a.cfg.WatchOwners {
		if err := a.WatchOwner(ctx, types.OwnerID(owner)); err != nil {
			slog.Warn("watch owner", "owner", owner, "error", err)
		}
	}
	for _, id := range a.cfg.Channels {
		if _, err := a.OpenChannel(ctx, types.ChannelID(id)); err != nil {
			slog.Warn("open channel", "channel", id, "error", err)
		}
	}
	slog.Info("sync started", "owners", len(a.cfg.WatchOwners), "channels", len(a.cfg.Channels))
	return nil
}

// WatchOwner follows owner's status until Close. Repeated calls are no-ops.
func (a *App) WatchOwner(ctx context.Context, owner types.OwnerID) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("app closed")
	}
	if _, ok := a.watches[owner]; ok {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	unwatch, err := a.presence.Watch(ctx, owner)
	if err != nil {
		return fmt.Errorf("watch %s: %w", owner, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.watches[owner]; ok || a.closed {
		unwatch()
		return nil
	}
	a.watches[owner] = unwatch
	return nil
}

// OpenChannel returns the open channel, opening it on first use.
func (a *App) OpenChannel(ctx context.Context, id types.ChannelID) (*chat.Channel, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.New("app closed")
	}
	if c, ok := a.channels[id]; ok {
		a.mu.Unlock()
		return c, nil
	}
	a.mu.Unlock()

	c, err := a.chat.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.channels[id]; ok {
		c.Close()
		return existing, nil
	}
	a.channels[id] = c
	return c, nil
}

func (a *App) Status(owner types.OwnerID) types.EntityStatus {
	return a.presence.Status(owner)
}

func (a *App) OnStatusChanged(owner types.OwnerID, fn func(types.EntityStatus)) func() {
	return a.presence.OnStatusChanged(owner, fn)
}

func (a *App) RequestStatusChange(ctx context.Context, owner types.OwnerID, value types.StatusValue, opts ...presence.RequestOption) error {
	return a.presence.RequestStatusChange(ctx, owner, value, opts...)
}

// SetStatus requests a change and waits for its outcome.
func (a *App) SetStatus(ctx context.Context, owner types.OwnerID, value types.StatusValue) error {
	return a.presence.SetStatus(ctx, owner, value)
}

// OnMessagesChanged opens the channel if needed and subscribes fn to its
// snapshots.
func (a *App) OnMessagesChanged(ctx context.Context, id types.ChannelID, fn func(chat.Snapshot)) (func(), error) {
	c, err := a.OpenChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.OnMessagesChanged(fn), nil
}

func (a *App) Messages(ctx context.Context, id types.ChannelID) ([]types.Message, error) {
	c, err := a.OpenChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Messages(), nil
}

func (a *App) SendMessage(ctx context.Context, id types.ChannelID, content string, parent types.MessageID) (types.Message, error) {
	c, err := a.OpenChannel(ctx, id)
	if err != nil {
		return types.Message{}, err
	}
	return c.Send(ctx, content, parent)
}

func (a *App) LoadOlder(ctx context.Context, id types.ChannelID, n int) (int, error) {
	c, err := a.OpenChannel(ctx, id)
	if err != nil {
		return 0, err
	}
	return c.LoadOlder(ctx, n)
}

func (a *App) OnConnectionHealthChanged(fn func(realtime.Health)) func() {
	return a.monitor.Subscribe(fn)
}

func (a *App) Health() realtime.Health {
	return a.monitor.Current()
}

func (a *App) ForceReconnect(ctx context.Context) error {
	return a.monitor.ForceReconnect(ctx)
}

func (a *App) SetVisible(visible bool) {
	a.manager.SetVisible(visible)
}

func (a *App) Manager() *realtime.Manager { return a.manager }

// Close releases every subscription, timer and listener. It is safe to
// call more than once.
func (a *App) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	watches := a.watches
	a.watches = make(map[types.OwnerID]func())
	a.channels = make(map[types.ChannelID]*chat.Channel)
	a.mu.Unlock()

	a.monitor.Stop()
	for _, unwatch := range watches {
		unwatch()
	}
	a.chat.Close()
	a.presence.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.manager.Close()
	slog.Info("sync stopped")
}
