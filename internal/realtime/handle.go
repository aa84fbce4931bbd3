package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/user/interpsync/internal/types"
)

// Handle is one logical subscription. It survives transport drops: the
// handle's goroutine reopens the feed until it is unsubscribed.
type Handle struct {
	id      types.HandleID
	topic   types.Topic
	m       *Manager
	onEvent func(types.ChangeEvent)
	dedup   *Deduplicator
	kick    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	state   State
	err     error
	since   time.Time
	ch      types.Channel
	gen     uint64
	subGen  uint64
	paused  bool
	changed chan struct{}
}

var errClosed = errors.New("channel closed")

type stopReason int

const (
	stopCancelled stopReason = iota
	stopKicked
	stopDropped
)

func (h *Handle) ID() types.HandleID    { return h.id }
func (h *Handle) Topic() types.Topic    { return h.topic }
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the error behind the latest Disconnected or Failed state.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Since returns when the handle entered its current state.
func (h *Handle) Since() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.since
}

// Paused reports whether the handle is parked because the manager is hidden.
func (h *Handle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// Wait blocks until the handle's goroutine has exited.
func (h *Handle) Wait() {
	<-h.done
}

// WaitSubscribed blocks until the handle is Subscribed on a connection
// opened after reconnect request gen. It returns nil if the handle is torn
// down while waiting.
func (h *Handle) WaitSubscribed(ctx context.Context, gen uint64) error {
	for {
		h.mu.Lock()
		if h.state == StateSubscribed && h.subGen >= gen {
			h.mu.Unlock()
			return nil
		}
		changed := h.changed
		h.mu.Unlock()

		select {
		case <-changed:
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Generation returns the latest reconnect request number.
func (h *Handle) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen
}

func (h *Handle) unsubscribe() {
	h.once.Do(func() {
		slog.Debug("unsubscribe", "handle", string(h.id), "topic", h.topic.String())
		h.cancel()
	})
}

func (h *Handle) requestReconnect() uint64 {
	h.mu.Lock()
	h.gen++
	gen := h.gen
	h.mu.Unlock()

	select {
	case h.kick <- struct{}{}:
	default:
	}
	return gen
}

func (h *Handle) channel() types.Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateSubscribed {
		return nil
	}
	return h.ch
}

func (h *Handle) setState(to State, err error) {
	h.mu.Lock()
	from := h.state
	if from == to && err == nil {
		h.mu.Unlock()
		return
	}
	h.state = to
	h.err = err
	h.since = time.Now()
	close(h.changed)
	h.changed = make(chan struct{})
	at := h.since
	h.mu.Unlock()

	if from == to {
		return
	}
	if err != nil {
		slog.Warn("subscription state", "topic", h.topic.String(), "from", string(from), "to", string(to), "error", err)
	} else {
		slog.Debug("subscription state", "topic", h.topic.String(), "from", string(from), "to", string(to))
	}
	h.m.publish(StateChange{HandleID: h.id, Topic: h.topic, From: from, To: to, Err: err, At: at})
}

// pause parks the handle as Disconnected and publishes the change even when
// the state itself is unchanged, so observers can stop counting it.
func (h *Handle) pause() {
	h.mu.Lock()
	if h.paused {
		h.mu.Unlock()
		return
	}
	h.paused = true
	from := h.state
	h.state = StateDisconnected
	h.err = nil
	h.since = time.Now()
	close(h.changed)
	h.changed = make(chan struct{})
	at := h.since
	h.mu.Unlock()

	slog.Debug("subscription paused", "topic", h.topic.String())
	sc := StateChange{HandleID: h.id, Topic: h.topic, From: from, To: StateDisconnected, Paused: true, At: at}
	if from == StateDisconnected {
		// not a transition; only observers care
		h.m.states.Publish(sc)
		return
	}
	h.m.publish(sc)
}

// resume clears the paused flag. The Connecting transition that follows
// is what observers see.
func (h *Handle) resume() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
}

func (h *Handle) attach(ch types.Channel, gen uint64) {
	h.mu.Lock()
	h.ch = ch
	h.subGen = gen
	h.mu.Unlock()
	h.setState(StateSubscribed, nil)
}

func (h *Handle) detach() {
	h.mu.Lock()
	h.ch = nil
	h.mu.Unlock()
}

func (h *Handle) drainKick() {
	select {
	case <-h.kick:
	default:
	}
}

// waitKick waits for d, or indefinitely when d is zero, returning early on
// a reconnect request. It returns false once ctx is done.
func (h *Handle) waitKick(ctx context.Context, d time.Duration) bool {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-h.kick:
		return true
	case <-timeout:
		return true
	}
}

func (h *Handle) run(ctx context.Context) {
	defer func() {
		// Leave the table first so the final transition is not counted as
		// an outage.
		h.m.remove(h)
		h.setState(StateDisconnected, nil)
		h.m.metrics.Transition(string(StateDisconnected), "")
		close(h.done)
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if !h.m.Visible() {
			h.pause()
			if !h.waitKick(ctx, 0) {
				return
			}
			continue
		}
		h.resume()

		h.drainKick()
		gen := h.Generation()
		h.setState(StateConnecting, nil)

		ch, err := h.m.transport.Open(ctx, h.topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			terr := &types.TransportError{Topic: h.topic.String(), Err: err}
			if attempt >= h.m.cfg.MaxRetries {
				slog.Error("subscription retries exhausted", "topic", h.topic.String(), "attempts", attempt, "error", err)
				h.setState(StateFailed, terr)
				if !h.waitKick(ctx, 0) {
					return
				}
				attempt = 0
				h.m.metrics.Reconnect("revived")
				continue
			}
			h.setState(StateDisconnected, terr)
			if !h.waitKick(ctx, h.m.policy.NextDelay(attempt)) {
				return
			}
			h.m.metrics.Reconnect("retry")
			continue
		}

		attempt = 0
		h.attach(ch, gen)
		reason, err := h.pump(ctx, ch)
		h.detach()
		if cerr := ch.Close(); cerr != nil {
			slog.Debug("close channel", "topic", h.topic.String(), "error", cerr)
		}

		switch reason {
		case stopCancelled:
			return
		case stopKicked:
			if !h.m.Visible() {
				h.pause()
				continue
			}
			h.setState(StateDisconnected, nil)
			h.m.metrics.Reconnect("requested")
		case stopDropped:
			attempt = 1
			h.setState(StateDisconnected, &types.TransportError{Topic: h.topic.String(), Err: err})
			if !h.waitKick(ctx, h.m.policy.NextDelay(attempt)) {
				return
			}
			h.m.metrics.Reconnect("dropped")
		}
	}
}

func (h *Handle) pump(ctx context.Context, ch types.Channel) (stopReason, error) {
	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return stopCancelled, nil
		case <-h.kick:
			return stopKicked, nil
		case ev, ok := <-events:
			if !ok {
				return stopDropped, channelErr(ch)
			}
			h.deliver(ev)
		case <-ch.Done():
			return stopDropped, channelErr(ch)
		}
	}
}

func (h *Handle) deliver(ev types.ChangeEvent) {
	if !h.topic.Matches(ev) {
		return
	}
	h.m.metrics.EventReceived(ev.Table)
	if !h.dedup.Track(ev) {
		h.m.metrics.EventDuplicate(ev.Table)
		slog.Debug("duplicate event", "topic", h.topic.String(), "identity", ev.Identity())
		return
	}
	if h.onEvent != nil {
		h.onEvent(ev)
	}
}

func channelErr(ch types.Channel) error {
	if err := ch.Err(); err != nil {
		return err
	}
	return errClosed
}
