// Package realtime manages change-feed subscriptions: reconnection with
// backoff, redelivery suppression and connection health.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/user/interpsync/internal/bus"
	"github.com/user/interpsync/internal/metrics"
	"github.com/user/interpsync/internal/retry"
	"github.com/user/interpsync/internal/types"
)

// State is the lifecycle state of one subscription.
type State string

const (
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// StateChange is published on every subscription transition.
type StateChange struct {
	HandleID types.HandleID
	Topic    types.Topic
	From     State
	To       State
	Err      error
	// Paused marks a visibility pause; From may equal To.
	Paused bool
	At     time.Time
}

// ManagerConfig holds the reconnect policy. MaxRetries consecutive failed
// attempts move a subscription to StateFailed.
type ManagerConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	DedupWindow  int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		MaxRetries:   10,
		DedupWindow:  DefaultDedupWindow,
	}
}

// Manager owns every subscription handle and the transport they share.
type Manager struct {
	transport types.Transport
	policy    *retry.Policy
	cfg       ManagerConfig
	metrics   *metrics.Metrics
	states    *bus.Bus[StateChange]

	mu      sync.Mutex
	handles map[types.HandleID]*Handle
	visible bool
	closed  bool
	wg      sync.WaitGroup
}

func NewManager(transport types.Transport, cfg ManagerConfig, m *metrics.Metrics) *Manager {
	def := DefaultManagerConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	return &Manager{
		transport: transport,
		cfg:       cfg,
		policy: &retry.Policy{
			MaxAttempts:  cfg.MaxRetries,
			InitialDelay: cfg.InitialDelay,
			Multiplier:   cfg.Multiplier,
			MaxDelay:     cfg.MaxDelay,
		},
		metrics: m,
		states:  bus.New[StateChange](),
		handles: make(map[types.HandleID]*Handle),
		visible: true,
	}
}

// Subscribe registers interest in topic and starts connecting in the
// background. onEvent runs on the handle's goroutine for each first-seen
// event. The returned function tears the subscription down for good.
func (m *Manager) Subscribe(ctx context.Context, topic types.Topic, onEvent func(types.ChangeEvent)) (*Handle, func()) {
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:      types.NewHandleID(),
		topic:   topic,
		m:       m,
		onEvent: onEvent,
		dedup:   NewDeduplicator(m.cfg.DedupWindow),
		kick:    make(chan struct{}, 1),
		changed: make(chan struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		close(h.done)
		h.state = StateDisconnected
		return h, func() {}
	}
	m.handles[h.id] = h
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		h.run(hctx)
	}()

	return h, h.unsubscribe
}

// OnStateChange subscribes to subscription transitions.
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	return m.states.Subscribe(fn)
}

// Handles returns a snapshot of the live handles.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

// Handle returns the live handle with the given id.
func (m *Manager) Handle(id types.HandleID) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// Reconnect tears down and re-establishes one subscription immediately,
// bypassing backoff. A Failed handle is revived.
func (m *Manager) Reconnect(id types.HandleID) bool {
	h, ok := m.Handle(id)
	if !ok {
		return false
	}
	h.requestReconnect()
	return true
}

// ReconnectAll reconnects every handle and returns the handles it kicked.
func (m *Manager) ReconnectAll() []*Handle {
	hs := m.Handles()
	for _, h := range hs {
		h.requestReconnect()
	}
	return hs
}

// SetVisible pauses (false) or resumes (true) every subscription. Resuming
// reconnects immediately regardless of backoff state.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	if m.visible == visible {
		m.mu.Unlock()
		return
	}
	m.visible = visible
	m.mu.Unlock()

	slog.Info("visibility changed", "visible", visible)
	for _, h := range m.Handles() {
		h.requestReconnect()
	}
}

func (m *Manager) Visible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// Ping sends a heartbeat over every subscribed channel. It returns the
// joined errors of the channels that failed.
func (m *Manager) Ping(ctx context.Context) error {
	var errs []error
	for _, h := range m.Handles() {
		ch := h.channel()
		if ch == nil {
			continue
		}
		if err := ch.Ping(ctx); err != nil {
			errs = append(errs, &types.TransportError{Topic: h.topic.String(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// Close tears down every subscription and waits for their goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	for _, h := range hs {
		h.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) remove(h *Handle) {
	m.mu.Lock()
	delete(m.handles, h.id)
	m.mu.Unlock()
}

func (m *Manager) publish(sc StateChange) {
	m.metrics.Transition(string(sc.From), string(sc.To))
	m.states.Publish(sc)
}
