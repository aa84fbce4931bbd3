package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/interpsync/internal/bus"
	"github.com/user/interpsync/internal/metrics"
	"github.com/user/interpsync/internal/types"
)

type HealthConfig struct {
	HeartbeatInterval     time.Duration
	CheckInterval         time.Duration
	Timeout               time.Duration
	ForceReconnectTimeout time.Duration
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		HeartbeatInterval:     30 * time.Second,
		CheckInterval:         10 * time.Second,
		Timeout:               45 * time.Second,
		ForceReconnectTimeout: 8 * time.Second,
	}
}

// Health is the aggregated connectivity signal. Exhausted means automatic
// recovery gave up on at least one subscription or the last force
// reconnect failed; the UI shows a persistent banner with a retry action.
type Health struct {
	Connected         bool          `json:"connected"`
	ReconnectingFor   time.Duration `json:"reconnecting_for"`
	DisconnectedSince time.Time     `json:"disconnected_since,omitzero"`
	LastHeartbeatAt   time.Time     `json:"last_heartbeat_at,omitzero"`
	Exhausted         bool          `json:"exhausted"`
}

func (h Health) sameSignal(o Health) bool {
	return h.Connected == o.Connected &&
		h.Exhausted == o.Exhausted &&
		h.DisconnectedSince.Equal(o.DisconnectedSince)
}

// Monitor drives heartbeats over the manager's channels and folds the
// subscription states into a single Health signal.
type Monitor struct {
	manager *Manager
	cfg     HealthConfig
	metrics *metrics.Metrics
	signal  *bus.Bus[Health]

	mu            sync.Mutex
	lastHeartbeat time.Time
	forceFailed   bool
	current       Health
	started       bool

	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup
}

func NewMonitor(manager *Manager, cfg HealthConfig, m *metrics.Metrics) *Monitor {
	def := DefaultHealthConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ForceReconnectTimeout <= 0 {
		cfg.ForceReconnectTimeout = def.ForceReconnectTimeout
	}
	return &Monitor{
		manager: manager,
		cfg:     cfg,
		metrics: m,
		signal:  bus.New[Health](),
		current: Health{Connected: true},
	}
}

// Start begins heartbeats and timeout checks. The returned function stops
// the monitor and is equivalent to Stop.
func (mon *Monitor) Start(ctx context.Context) func() {
	mon.mu.Lock()
	if mon.started {
		mon.mu.Unlock()
		return mon.Stop
	}
	mon.started = true
	mon.lastHeartbeat = time.Now()
	ctx, mon.cancel = context.WithCancel(ctx)
	mon.mu.Unlock()

	unsub := mon.manager.OnStateChange(mon.onStateChange)
	mon.mu.Lock()
	mon.unsub = unsub
	mon.mu.Unlock()
	mon.recompute()

	mon.wg.Add(2)
	go mon.loop(ctx, mon.cfg.HeartbeatInterval, mon.heartbeat)
	go mon.loop(ctx, mon.cfg.CheckInterval, func(context.Context) { mon.check() })
	return mon.Stop
}

// Stop halts the monitor's goroutines and detaches it from the manager.
func (mon *Monitor) Stop() {
	mon.mu.Lock()
	cancel := mon.cancel
	unsub := mon.unsub
	mon.cancel = nil
	mon.unsub = nil
	mon.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	mon.wg.Wait()
}

// Subscribe registers fn for Health changes.
func (mon *Monitor) Subscribe(fn func(Health)) func() {
	return mon.signal.Subscribe(fn)
}

// Current returns the latest signal with ReconnectingFor measured now.
func (mon *Monitor) Current() Health {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	h := mon.current
	h.LastHeartbeatAt = mon.lastHeartbeat
	if !h.Connected && !h.DisconnectedSince.IsZero() {
		h.ReconnectingFor = time.Since(h.DisconnectedSince)
	}
	return h
}

// LastHeartbeat returns when liveness was last confirmed.
func (mon *Monitor) LastHeartbeat() time.Time {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.lastHeartbeat
}

// ForceReconnect tears down and reopens every subscription immediately and
// waits for all of them to be Subscribed again, bounded by
// ForceReconnectTimeout.
func (mon *Monitor) ForceReconnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mon.cfg.ForceReconnectTimeout)
	defer cancel()

	slog.Info("force reconnect")
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range mon.manager.Handles() {
		gen := h.requestReconnect()
		g.Go(func() error {
			return h.WaitSubscribed(gctx, gen)
		})
	}
	err := g.Wait()

	mon.mu.Lock()
	mon.forceFailed = err != nil
	mon.mu.Unlock()
	mon.recompute()

	if err != nil {
		slog.Warn("force reconnect failed", "error", err)
		return fmt.Errorf("%w: %v", types.ErrForceReconnectTimeout, err)
	}
	return nil
}

func (mon *Monitor) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer mon.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (mon *Monitor) onStateChange(sc StateChange) {
	if sc.To == StateSubscribed {
		mon.mu.Lock()
		mon.lastHeartbeat = sc.At
		mon.mu.Unlock()
	}
	mon.recompute()
}

func (mon *Monitor) heartbeat(ctx context.Context) {
	if !mon.anySubscribed() {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, mon.cfg.HeartbeatInterval)
	defer cancel()
	if err := mon.manager.Ping(pctx); err != nil {
		slog.Warn("heartbeat failed", "error", err)
		return
	}
	mon.mu.Lock()
	mon.lastHeartbeat = time.Now()
	mon.mu.Unlock()
}

// check declares the connection dead when a subscribed feed has not
// confirmed liveness within Timeout, without waiting for the transport to
// report an error.
func (mon *Monitor) check() {
	if mon.anySubscribed() {
		mon.mu.Lock()
		stale := time.Since(mon.lastHeartbeat)
		expired := stale > mon.cfg.Timeout
		if expired {
			mon.lastHeartbeat = time.Now()
		}
		mon.mu.Unlock()

		if expired {
			slog.Warn("heartbeat timeout, reconnecting", "stale_for", stale.Round(time.Millisecond))
			mon.metrics.Reconnect("heartbeat_timeout")
			mon.manager.ReconnectAll()
		}
	}
	mon.recompute()
}

func (mon *Monitor) anySubscribed() bool {
	for _, h := range mon.manager.Handles() {
		if h.State() == StateSubscribed {
			return true
		}
	}
	return false
}

func (mon *Monitor) recompute() {
	connected := true
	exhausted := false
	for _, h := range mon.manager.Handles() {
		if h.Paused() {
			continue
		}
		switch h.State() {
		case StateSubscribed:
		case StateFailed:
			exhausted = true
			connected = false
		default:
			connected = false
		}
	}

	mon.mu.Lock()
	if connected {
		mon.forceFailed = false
	}
	next := Health{
		Connected: connected,
		Exhausted: exhausted || mon.forceFailed,
	}
	if !connected {
		next.DisconnectedSince = mon.current.DisconnectedSince
		if next.DisconnectedSince.IsZero() {
			next.DisconnectedSince = time.Now()
		}
		next.ReconnectingFor = time.Since(next.DisconnectedSince)
	}
	changed := !next.sameSignal(mon.current)
	mon.current = next
	next.LastHeartbeatAt = mon.lastHeartbeat
	mon.mu.Unlock()

	if changed {
		mon.metrics.SetConnected(connected)
		if connected {
			slog.Info("connection healthy")
		} else {
			slog.Warn("connection unhealthy", "exhausted", next.Exhausted)
		}
		mon.signal.Publish(next)
	}
}
