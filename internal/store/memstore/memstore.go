// Package memstore is an in-memory backend implementing both the store and
// the change-feed transport. Every write is published to matching open
// feeds. It carries fault injection hooks for tests and demos.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/user/interpsync/internal/types"
)

// Func serves Invoke for one named server function.
type Func func(ctx context.Context, payload json.RawMessage) (any, error)

type table struct {
	rows  map[string]types.Record
	order []string
}

type Store struct {
	emitMu sync.Mutex
	mu     sync.Mutex
	tables map[string]*table
	chans  map[*channel]struct{}
	funcs  map[string]Func
	calls  map[string][]json.RawMessage
	lastTS time.Time

	failN       int
	failErr     error
	writeDelay  time.Duration
	rejectOpens int
	redeliver   bool
	pingErr     error

	writes atomic.Int64
	opens  atomic.Int64
}

func New() *Store {
	return &Store{
		tables: make(map[string]*table),
		chans:  make(map[*channel]struct{}),
		funcs:  make(map[string]Func),
		calls:  make(map[string][]json.RawMessage),
	}
}

// Seed inserts rows without emitting change events.
func (s *Store) Seed(tableName string, rows ...types.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(tableName)
	for _, r := range rows {
		row := clone(r)
		if _, ok := row[types.ColumnID]; !ok {
			row[types.ColumnID] = uuid.NewString()
		}
		t.put(row)
	}
}

// Query returns copies of the rows matching every filter.
func (s *Store) Query(ctx context.Context, tableName string, filters []types.Filter, opts types.QueryOptions) ([]types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[tableName]
	if !ok {
		return nil, nil
	}
	var out []types.Record
	for _, key := range t.order {
		row := t.rows[key]
		if matchAll(row, filters) {
			out = append(out, clone(row))
		}
	}
	if opts.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			a, b := fmt.Sprint(out[i][opts.OrderBy]), fmt.Sprint(out[j][opts.OrderBy])
			if opts.Desc {
				return a > b
			}
			return a < b
		})
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Update merges values into every matching row. Matching nothing is not
// an error.
func (s *Store) Update(ctx context.Context, tableName string, filters []types.Filter, values types.Record) error {
	if err := s.beforeWrite(ctx); err != nil {
		return err
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	t := s.table(tableName)
	var events []types.ChangeEvent
	for _, key := range t.order {
		row := t.rows[key]
		if !matchAll(row, filters) {
			continue
		}
		old := clone(row)
		for k, v := range values {
			row[k] = v
		}
		events = append(events, types.ChangeEvent{
			Kind:            types.EventUpdate,
			Table:           tableName,
			New:             clone(row),
			Old:             old,
			CommitTimestamp: s.commitTS(),
		})
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(ev)
	}
	return nil
}

// Insert adds a row, assigning an id and created_at when absent, and
// returns the stored row.
func (s *Store) Insert(ctx context.Context, tableName string, values types.Record) (types.Record, error) {
	if err := s.beforeWrite(ctx); err != nil {
		return nil, err
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	t := s.table(tableName)
	row := clone(values)
	if id, ok := row[types.ColumnID]; !ok || id == nil {
		row[types.ColumnID] = uuid.NewString()
	}
	key := fmt.Sprint(row[types.ColumnID])
	if _, exists := t.rows[key]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("insert %s: duplicate key %s", tableName, key)
	}
	if _, ok := row[types.ColumnCreatedAt]; !ok && tableName == types.TableMessages {
		row[types.ColumnCreatedAt] = types.FormatTimestamp(time.Now())
	}
	t.put(row)
	ev := types.ChangeEvent{
		Kind:            types.EventInsert,
		Table:           tableName,
		New:             clone(row),
		CommitTimestamp: s.commitTS(),
	}
	s.mu.Unlock()

	s.emit(ev)
	return clone(row), nil
}

// Delete removes matching rows and emits DELETE events.
func (s *Store) Delete(ctx context.Context, tableName string, filters []types.Filter) error {
	if err := s.beforeWrite(ctx); err != nil {
		return err
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	t := s.table(tableName)
	var events []types.ChangeEvent
	kept := t.order[:0:0]
	for _, key := range t.order {
		row := t.rows[key]
		if !matchAll(row, filters) {
			kept = append(kept, key)
			continue
		}
		delete(t.rows, key)
		events = append(events, types.ChangeEvent{
			Kind:            types.EventDelete,
			Table:           tableName,
			Old:             clone(row),
			CommitTimestamp: s.commitTS(),
		})
	}
	t.order = kept
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(ev)
	}
	return nil
}

// Invoke calls a function registered with HandleFunc.
func (s *Store) Invoke(ctx context.Context, fn string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	s.mu.Lock()
	f, ok := s.funcs[fn]
	s.calls[fn] = append(s.calls[fn], body)
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("function %q not found", fn)
	}
	res, err := f(ctx, body)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return out, nil
}

// HandleFunc registers fn as the server function name.
func (s *Store) HandleFunc(name string, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[name] = fn
}

// Calls returns the payloads Invoke received for fn.
func (s *Store) Calls(fn string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.calls[fn]...)
}

// FailWrites makes the next n writes return err.
func (s *Store) FailWrites(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
	s.failErr = err
}

// DelayWrites holds every write for d before applying it.
func (s *Store) DelayWrites(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDelay = d
}

// RejectOpens makes the next n Open calls fail.
func (s *Store) RejectOpens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectOpens = n
}

// Redeliver sends every event twice while enabled.
func (s *Store) Redeliver(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redeliver = on
}

// SetPingError makes heartbeats fail with err; nil restores them.
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// DropConnections closes every open feed as if the server went away.
func (s *Store) DropConnections() {
	s.mu.Lock()
	chans := make([]*channel, 0, len(s.chans))
	for c := range s.chans {
		chans = append(chans, c)
	}
	s.chans = make(map[*channel]struct{})
	s.mu.Unlock()

	for _, c := range chans {
		c.fail(errors.New("connection reset by server"))
	}
}

// Emit publishes a raw event to matching feeds without touching tables.
func (s *Store) Emit(ev types.ChangeEvent) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.emit(ev)
}

// Writes counts write attempts, including failed ones.
func (s *Store) Writes() int64 { return s.writes.Load() }

// Opens counts feed open attempts, including rejected ones.
func (s *Store) Opens() int64 { return s.opens.Load() }

// OpenChannels reports how many feeds are currently open.
func (s *Store) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chans)
}

func (s *Store) beforeWrite(ctx context.Context) error {
	s.writes.Add(1)

	s.mu.Lock()
	delay := s.writeDelay
	var failErr error
	if s.failN > 0 {
		s.failN--
		failErr = s.failErr
		if failErr == nil {
			failErr = errors.New("write rejected")
		}
	}
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failErr != nil {
		return failErr
	}
	return ctx.Err()
}

// emit must be called with emitMu held and mu released.
func (s *Store) emit(ev types.ChangeEvent) {
	s.mu.Lock()
	var targets []*channel
	for c := range s.chans {
		if c.topic.Matches(ev) {
			targets = append(targets, c)
		}
	}
	times := 1
	if s.redeliver {
		times = 2
	}
	s.mu.Unlock()

	for _, c := range targets {
		for i := 0; i < times; i++ {
			c.send(ev)
		}
	}
}

func (s *Store) commitTS() string {
	now := time.Now().UTC()
	if !now.After(s.lastTS) {
		now = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = now
	return types.FormatTimestamp(now)
}

func (s *Store) table(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{rows: make(map[string]types.Record)}
		s.tables[name] = t
	}
	return t
}

func (t *table) put(row types.Record) {
	key := fmt.Sprint(row[types.ColumnID])
	if _, exists := t.rows[key]; !exists {
		t.order = append(t.order, key)
	}
	t.rows[key] = row
}

func matchAll(row types.Record, filters []types.Filter) bool {
	for _, f := range filters {
		if !f.Match(row) {
			return false
		}
	}
	return true
}

func clone(r types.Record) types.Record {
	out := make(types.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
