// Package presence keeps each interpreter's availability status in sync
// with the store: optimistic local changes, per-owner serialized writes,
// verification reads, rollback and a per-owner circuit breaker.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/interpsync/internal/bus"
	"github.com/user/interpsync/internal/metrics"
	"github.com/user/interpsync/internal/realtime"
	"github.com/user/interpsync/internal/retry"
	"github.com/user/interpsync/internal/types"
)

type StatusConfig struct {
	VerifyDelay         time.Duration
	RevertDelay         time.Duration
	WriteTimeout        time.Duration
	Cooldown            time.Duration
	MaxFailedAttempts   int
	MaxConcurrentWrites int64
}

func DefaultStatusConfig() StatusConfig {
	return StatusConfig{
		VerifyDelay:         time.Second,
		RevertDelay:         500 * time.Millisecond,
		WriteTimeout:        10 * time.Second,
		Cooldown:            30 * time.Second,
		MaxFailedAttempts:   3,
		MaxConcurrentWrites: 8,
	}
}

var (
	errVerifyMismatch = errors.New("verification read disagrees with written value")
	errSuperseded     = errors.New("superseded by a newer status")
)

// maxIssued bounds how many of its own transaction ids the core remembers
// per owner for echo detection.
const maxIssued = 64

type ownerState struct {
	confirmed   types.StatusValue
	confirmedAt time.Time
	optimistic  types.StatusValue
	latestTx    types.TxID
	issued      map[types.TxID]struct{}
	issuedOrder []types.TxID
	breaker     breaker
	watchers    int
	unwatch     func()

	// events counts applied change events; a read result is only adopted
	// when no event arrived while the read was in flight.
	events uint64
}

func (st *ownerState) local() types.StatusValue {
	if st.optimistic != "" {
		return st.optimistic
	}
	return st.confirmed
}

// statusView is what subscribers observe; a change in either part is
// published.
type statusView struct {
	value   types.StatusValue
	pending bool
}

func (st *ownerState) view() statusView {
	return statusView{value: st.local(), pending: st.optimistic != ""}
}

func (st *ownerState) remember(tx types.TxID) {
	if len(st.issuedOrder) >= maxIssued {
		delete(st.issued, st.issuedOrder[0])
		st.issuedOrder = st.issuedOrder[1:]
	}
	st.issued[tx] = struct{}{}
	st.issuedOrder = append(st.issuedOrder, tx)
}

// Service is the status synchronization core.
type Service struct {
	store   types.Store
	manager *realtime.Manager
	cfg     StatusConfig
	metrics *metrics.Metrics
	changes *bus.Bus[types.EntityStatus]
	verify  *retry.Policy
	lanes   *lanes
	now     func() time.Time

	mu     sync.Mutex
	owners map[types.OwnerID]*ownerState
	ctx    context.Context
}

func New(store types.Store, manager *realtime.Manager, cfg StatusConfig, m *metrics.Metrics) *Service {
	def := DefaultStatusConfig()
	if cfg.VerifyDelay <= 0 {
		cfg.VerifyDelay = def.VerifyDelay
	}
	if cfg.RevertDelay < 0 {
		cfg.RevertDelay = 0
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = def.MaxFailedAttempts
	}
	if cfg.MaxConcurrentWrites <= 0 {
		cfg.MaxConcurrentWrites = def.MaxConcurrentWrites
	}
	return &Service{
		store:   store,
		manager: manager,
		cfg:     cfg,
		metrics: m,
		changes: bus.New[types.EntityStatus](),
		// one verification pass plus the single rewrite
		verify: &retry.Policy{
			MaxAttempts:  2,
			InitialDelay: cfg.VerifyDelay,
			Multiplier:   1,
			MaxDelay:     cfg.VerifyDelay,
		},
		lanes:  newLanes(cfg.MaxConcurrentWrites),
		now:    time.Now,
		owners: make(map[types.OwnerID]*ownerState),
		ctx:    context.Background(),
	}
}

// Start runs the per-owner write lanes until Stop or ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.lanes.start(ctx)
}

// Stop drops every watch and waits for in-flight writes to wind down.
func (s *Service) Stop() {
	s.mu.Lock()
	var unwatch []func()
	for _, st := range s.owners {
		if st.unwatch != nil {
			unwatch = append(unwatch, st.unwatch)
			st.unwatch = nil
		}
		st.watchers = 0
	}
	s.mu.Unlock()

	for _, fn := range unwatch {
		fn()
	}
	s.lanes.stop()
	s.changes.Clear()
}

// Watch seeds the owner's confirmed status from the store and follows
// remote changes until every returned unwatch function has been called.
func (s *Service) Watch(ctx context.Context, owner types.OwnerID) (func(), error) {
	s.mu.Lock()
	st := s.owner(owner)
	st.watchers++
	first := st.watchers == 1
	subCtx := s.ctx
	s.mu.Unlock()

	var once sync.Once
	unwatch := func() {
		once.Do(func() { s.release(owner) })
	}
	if !first {
		return unwatch, nil
	}

	f := types.Eq(types.ColumnID, string(owner))
	topic := types.Topic{Table: types.TableProfiles, Kinds: []types.EventKind{types.EventUpdate}, Filter: &f}
	_, unsub := s.manager.Subscribe(subCtx, topic, s.onEvent)
	s.mu.Lock()
	st.unwatch = unsub
	s.mu.Unlock()

	if err := s.seed(ctx, owner); err != nil {
		unwatch()
		return nil, err
	}
	return unwatch, nil
}

func (s *Service) release(owner types.OwnerID) {
	s.mu.Lock()
	st, ok := s.owners[owner]
	if !ok || st.watchers == 0 {
		s.mu.Unlock()
		return
	}
	st.watchers--
	var unsub func()
	if st.watchers == 0 {
		unsub = st.unwatch
		st.unwatch = nil
	}
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (s *Service) seed(ctx context.Context, owner types.OwnerID) error {
	seq := s.eventSeq(owner)
	value, at, _, err := s.read(ctx, owner)
	if err != nil {
		return fmt.Errorf("seed status %s: %w", owner, err)
	}

	s.mu.Lock()
	st := s.owner(owner)
	before := st.view()
	if st.events == seq {
		st.confirmed = value
		st.confirmedAt = at
	}
	snap, changed := s.snapshotLocked(owner, st), st.view() != before
	s.mu.Unlock()

	if changed {
		s.changes.Publish(snap)
	}
	return nil
}

// Status returns the locally materialized status of owner.
func (s *Service) Status(owner types.OwnerID) types.EntityStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.owners[owner]
	if !ok {
		return types.EntityStatus{OwnerID: owner}
	}
	return s.snapshotLocked(owner, st)
}

// OnStatusChanged calls fn whenever owner's visible status value changes.
func (s *Service) OnStatusChanged(owner types.OwnerID, fn func(types.EntityStatus)) func() {
	return s.changes.Subscribe(func(es types.EntityStatus) {
		if es.OwnerID == owner {
			fn(es)
		}
	})
}

type requestOptions struct {
	onComplete func(error)
}

// RequestOption customizes RequestStatusChange.
type RequestOption func(*requestOptions)

// WithOnComplete registers fn to receive the final outcome of an accepted
// request: nil once confirmed, or the error after local state was reverted.
func WithOnComplete(fn func(error)) RequestOption {
	return func(o *requestOptions) { o.onComplete = fn }
}

// RequestStatusChange applies value locally at once and queues the write
// behind any in-flight write for the same owner. It returns an error only
// when the request is rejected up front; the outcome of an accepted request
// is reported through WithOnComplete.
func (s *Service) RequestStatusChange(ctx context.Context, owner types.OwnerID, value types.StatusValue, opts ...RequestOption) error {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	complete := func(err error) {
		if o.onComplete != nil {
			o.onComplete(err)
		}
	}

	if !value.Valid() {
		return fmt.Errorf("request status %s: invalid status %q", owner, value)
	}

	s.mu.Lock()
	st := s.owner(owner)
	if !st.breaker.allow(s.now()) {
		s.mu.Unlock()
		s.metrics.StatusWrite("circuit_open")
		slog.Warn("status change rejected, circuit open", "owner", string(owner))
		return fmt.Errorf("request status %s: %w", owner, types.ErrCircuitOpen)
	}
	if value == st.local() {
		s.mu.Unlock()
		complete(nil)
		return nil
	}
	tx := types.NewTxID()
	st.optimistic = value
	st.latestTx = tx
	st.remember(tx)
	snap := s.snapshotLocked(owner, st)
	s.mu.Unlock()

	s.changes.Publish(snap)
	slog.Debug("status change requested", "owner", string(owner), "value", string(value), "tx", string(tx))

	err := s.lanes.enqueue(&job{
		owner: owner,
		run: func(ctx context.Context) error {
			return s.write(ctx, owner, value, tx)
		},
		done: complete,
	})
	if err != nil {
		s.revert(owner, tx)
		return fmt.Errorf("request status %s: %w", owner, err)
	}
	return nil
}

// SetStatus is RequestStatusChange that waits for the outcome.
func (s *Service) SetStatus(ctx context.Context, owner types.OwnerID, value types.StatusValue) error {
	done := make(chan error, 1)
	if err := s.RequestStatusChange(ctx, owner, value, WithOnComplete(func(err error) { done <- err })); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// write runs in the owner's lane.
func (s *Service) write(ctx context.Context, owner types.OwnerID, value types.StatusValue, tx types.TxID) error {
	s.mu.Lock()
	st := s.owner(owner)
	// a newer intent or an adopted remote change has replaced this one
	current := st.latestTx == tx && st.optimistic != ""
	allowed := current && st.breaker.allow(s.now())
	s.mu.Unlock()
	if !current {
		s.metrics.StatusWrite("superseded")
		slog.Debug("status write superseded before sending", "owner", string(owner), "value", string(value), "tx", string(tx))
		return &types.WriteConflictError{Op: "status", Target: string(owner), Err: errSuperseded}
	}
	if !allowed {
		s.revert(owner, tx)
		s.metrics.StatusWrite("circuit_open")
		return fmt.Errorf("write status %s: %w", owner, types.ErrCircuitOpen)
	}

	err := s.update(ctx, owner, value, tx)
	if err == nil {
		err = s.verifyWrite(ctx, owner, value, tx)
	}
	if errors.Is(err, errSuperseded) {
		s.metrics.StatusWrite("superseded")
		return &types.WriteConflictError{Op: "status", Target: string(owner), Err: err}
	}
	if err != nil {
		sleep(ctx, s.cfg.RevertDelay)
		s.revert(owner, tx)
		s.fail(owner)
		s.metrics.StatusWrite("failed")
		slog.Warn("status write failed", "owner", string(owner), "value", string(value), "error", err)
		return &types.WriteConflictError{Op: "status", Target: string(owner), Err: err}
	}

	s.mu.Lock()
	s.owner(owner).breaker.success()
	s.mu.Unlock()
	s.metrics.StatusWrite("ok")
	return nil
}

// update issues one write bounded by WriteTimeout. On timeout the call
// keeps running on a detached context and may still land later.
func (s *Service) update(ctx context.Context, owner types.OwnerID, value types.StatusValue, tx types.TxID) error {
	values := types.Record{
		types.ColumnStatus:   string(value),
		types.ColumnStatusTx: string(tx),
		types.ColumnStatusAt: types.FormatTimestamp(s.now()),
	}
	filters := []types.Filter{types.Eq(types.ColumnID, string(owner))}

	detached := context.WithoutCancel(ctx)
	result := make(chan error, 1)
	go func() {
		result <- s.store.Update(detached, types.TableProfiles, filters, values)
	}()

	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("update status: timeout after %v", s.cfg.WriteTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// verifyWrite reads the authoritative row after VerifyDelay and rewrites
// once if it disagrees.
func (s *Service) verifyWrite(ctx context.Context, owner types.OwnerID, value types.StatusValue, tx types.TxID) error {
	attempt := 0
	return s.verify.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			s.metrics.StatusWrite("retried")
			slog.Info("status verification mismatch, retrying write", "owner", string(owner), "value", string(value))
			if err := s.update(ctx, owner, value, tx); err != nil {
				return err
			}
		}
		if err := sleep(ctx, s.cfg.VerifyDelay); err != nil {
			return err
		}

		seq := s.eventSeq(owner)
		got, at, gotTx, err := s.read(ctx, owner)
		if err != nil {
			// unverifiable; the echo still confirms
			slog.Warn("status verification read failed", "owner", string(owner), "error", err)
			return nil
		}
		if got == value {
			s.confirm(owner, got, at, gotTx, seq)
			return nil
		}

		s.mu.Lock()
		st := s.owner(owner)
		latest := st.latestTx == tx
		pending := st.optimistic != ""
		s.mu.Unlock()
		if !latest {
			return nil
		}
		if !pending {
			return retry.Permanent(errSuperseded)
		}
		return errVerifyMismatch
	})
}

func (s *Service) read(ctx context.Context, owner types.OwnerID) (types.StatusValue, time.Time, types.TxID, error) {
	rows, err := s.store.Query(ctx, types.TableProfiles,
		[]types.Filter{types.Eq(types.ColumnID, string(owner))},
		types.QueryOptions{Limit: 1})
	if err != nil {
		return "", time.Time{}, "", err
	}
	if len(rows) == 0 {
		return "", time.Time{}, "", fmt.Errorf("profile %s not found", owner)
	}
	sc, err := types.DecodeStatusChange(types.ChangeEvent{Kind: types.EventUpdate, Table: types.TableProfiles, New: rows[0]})
	if err != nil {
		return "", time.Time{}, "", err
	}
	if rows[0][types.ColumnStatusAt] == nil {
		sc.ConfirmedAt = time.Time{}
	}
	return sc.Value, sc.ConfirmedAt, sc.TxID, nil
}

// confirm adopts a verification read taken when the owner had seen seq
// events. If events arrived since, they are newer or will be followed by
// the event for the read state, so the read is ignored.
func (s *Service) confirm(owner types.OwnerID, value types.StatusValue, at time.Time, tx types.TxID, seq uint64) {
	s.mu.Lock()
	st := s.owner(owner)
	before := st.view()
	if st.events == seq {
		st.confirmed = value
		st.confirmedAt = at
		if tx == st.latestTx {
			st.optimistic = ""
		}
	}
	snap, changed := s.snapshotLocked(owner, st), st.view() != before
	s.mu.Unlock()
	if changed {
		s.changes.Publish(snap)
	}
}

// revert drops the optimistic value if tx is still the latest intent.
func (s *Service) revert(owner types.OwnerID, tx types.TxID) {
	s.mu.Lock()
	st := s.owner(owner)
	before := st.view()
	if st.latestTx == tx {
		st.optimistic = ""
	}
	snap, changed := s.snapshotLocked(owner, st), st.view() != before
	s.mu.Unlock()
	if changed {
		slog.Info("status reverted", "owner", string(owner), "value", string(snap.Value))
		s.changes.Publish(snap)
	}
}

func (s *Service) fail(owner types.OwnerID) {
	s.mu.Lock()
	opened := s.owner(owner).breaker.failure(s.now())
	s.mu.Unlock()
	if opened {
		s.metrics.CircuitOpened()
		slog.Warn("circuit opened", "owner", string(owner), "cooldown", s.cfg.Cooldown)
	}
}

// onEvent runs on the subscription goroutine. Events arrive in commit
// order, so the latest one is the server's value. An echo of one of our
// own writes confirms it; anything else is a remote change and wins.
func (s *Service) onEvent(ev types.ChangeEvent) {
	sc, err := types.DecodeStatusChange(ev)
	if err != nil {
		slog.Warn("drop status event", "error", err)
		return
	}
	if sc.Kind != types.EventUpdate {
		return
	}

	s.mu.Lock()
	st := s.owner(sc.OwnerID)
	st.events++
	before := st.view()
	st.confirmed = sc.Value
	st.confirmedAt = sc.ConfirmedAt
	_, echo := st.issued[sc.TxID]
	echo = echo && sc.TxID != ""
	if !echo || sc.TxID == st.latestTx {
		st.optimistic = ""
	}
	snap, changed := s.snapshotLocked(sc.OwnerID, st), st.view() != before
	s.mu.Unlock()

	if !echo {
		slog.Debug("remote status adopted", "owner", string(sc.OwnerID), "value", string(sc.Value))
	}
	if changed {
		s.changes.Publish(snap)
	}
}

func (s *Service) eventSeq(owner types.OwnerID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner(owner).events
}

// owner must be called with s.mu held.
func (s *Service) owner(id types.OwnerID) *ownerState {
	st, ok := s.owners[id]
	if !ok {
		st = &ownerState{
			issued:  make(map[types.TxID]struct{}),
			breaker: breaker{max: s.cfg.MaxFailedAttempts, cooldown: s.cfg.Cooldown},
		}
		s.owners[id] = st
	}
	return st
}

func (s *Service) snapshotLocked(owner types.OwnerID, st *ownerState) types.EntityStatus {
	return types.EntityStatus{
		OwnerID:         owner,
		Value:           st.local(),
		LastConfirmedAt: st.confirmedAt,
		Pending:         st.optimistic != "",
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
