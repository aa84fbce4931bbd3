package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/user/interpsync/internal/notify"
	"github.com/user/interpsync/internal/realtime"
	"github.com/user/interpsync/internal/store/memstore"
	"github.com/user/interpsync/internal/types"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, n := range f.sent {
		out[i] = n.Kind
	}
	return out
}

type snapshotLog struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (l *snapshotLog) add(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, s)
}

func (l *snapshotLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.snaps)
}

func (l *snapshotLog) all() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Snapshot(nil), l.snaps...)
}

func (l *snapshotLog) last() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snaps[len(l.snaps)-1]
}

func ts(sec int) string {
	return types.FormatTimestamp(time.Date(2024, 5, 1, 10, 0, sec, 0, time.UTC))
}

func messageRow(id, channel, sender, content string, sec int) types.Record {
	return types.Record{
		"id":         id,
		"channel_id": channel,
		"sender_id":  sender,
		"content":    content,
		"created_at": ts(sec),
	}
}

type harness struct {
	store    *memstore.Store
	manager  *realtime.Manager
	svc      *Service
	notifier *fakeNotifier
}

func testChatConfig() ChatConfig {
	return ChatConfig{
		SelfID:           "me",
		PageSize:         3,
		SendAttempts:     2,
		SendBackoff:      10 * time.Millisecond,
		MentionReadDelay: 50 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg ChatConfig) *harness {
	t.Helper()
	s := memstore.New()
	s.Seed(types.TableSenders,
		types.Record{"id": "me", "display_name": "Me"},
		types.Record{"id": "u2", "display_name": "Ana", "avatar_url": "https://x/ana.png"},
		types.Record{"id": "u3", "display_name": "Bo"},
	)
	s.HandleFunc(FuncMarkMentionsRead, func(context.Context, json.RawMessage) (any, error) {
		return map[string]bool{"ok": true}, nil
	})
	manager := realtime.NewManager(s, realtime.ManagerConfig{InitialDelay: 10 * time.Millisecond, MaxRetries: 5}, nil)
	n := &fakeNotifier{}
	svc := NewService(s, manager, nil, n, cfg, nil)
	t.Cleanup(func() {
		svc.Close()
		manager.Close()
	})
	return &harness{store: s, manager: manager, svc: svc, notifier: n}
}

func (h *harness) open(t *testing.T, id types.ChannelID) (*Channel, *snapshotLog) {
	t.Helper()
	c, err := h.svc.Open(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	log := &snapshotLog{}
	c.OnMessagesChanged(log.add)
	waitFor(t, time.Second, func() bool {
		for _, hd := range h.manager.Handles() {
			if hd.State() != realtime.StateSubscribed {
				return false
			}
		}
		return true
	})
	return c, log
}

func ids(msgs []types.Message) []types.MessageID {
	out := make([]types.MessageID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertSorted(t *testing.T, msgs []types.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if less(msgs[i], msgs[i-1]) {
			t.Fatalf("messages out of order at %d: %v", i, ids(msgs))
		}
	}
}

func TestOpenLoadsLatestPageWithSenders(t *testing.T) {
	h := newHarness(t, testChatConfig())
	for i := 1; i <= 5; i++ {
		sender := "u2"
		if i%2 == 0 {
			sender = "u3"
		}
		h.store.Seed(types.TableMessages, messageRow(fmt.Sprintf("m%d", i), "ch1", sender, "hi", i))
	}
	h.store.Seed(types.TableMessages, messageRow("other", "ch2", "u2", "elsewhere", 9))

	c, _ := h.open(t, "ch1")
	msgs := c.Messages()
	if got := ids(msgs); len(got) != 3 || got[0] != "m3" || got[2] != "m5" {
		t.Fatalf("expected latest page m3..m5, got %v", got)
	}
	if msgs[0].SenderDisplayName != "Ana" || msgs[1].SenderDisplayName != "Bo" {
		t.Errorf("expected resolved senders, got %q %q", msgs[0].SenderDisplayName, msgs[1].SenderDisplayName)
	}
	if n := h.svc.Senders().Lookups(); n != 1 {
		t.Errorf("expected one batched sender lookup, got %d", n)
	}
	if c.LastChange() != ChangeInitial {
		t.Errorf("expected initial change, got %s", c.LastChange())
	}
}

func TestApplyEventIdempotent(t *testing.T) {
	h := newHarness(t, testChatConfig())
	c, log := h.open(t, "ch1")

	ev := types.ChangeEvent{
		Kind:            types.EventInsert,
		Table:           types.TableMessages,
		New:             messageRow("m1", "ch1", "u2", "hello", 1),
		CommitTimestamp: ts(1),
	}
	if !c.ApplyEvent(ev) {
		t.Fatal("expected first insert to emit")
	}
	if c.ApplyEvent(ev) {
		t.Error("expected repeated insert not to emit")
	}
	if n := len(c.Messages()); n != 1 {
		t.Errorf("expected one message, got %d", n)
	}
	if log.len() != 1 || log.last().Change != ChangeAppend {
		t.Errorf("expected a single append snapshot, got %d", log.len())
	}
}

func TestApplyEventKeepsOrder(t *testing.T) {
	h := newHarness(t, testChatConfig())
	c, _ := h.open(t, "ch1")

	insert := func(id string, sec int) {
		c.ApplyEvent(types.ChangeEvent{Kind: types.EventInsert, Table: types.TableMessages, New: messageRow(id, "ch1", "u2", id, sec)})
	}
	insert("m5", 5)
	insert("m1", 1)
	if c.LastChange() != ChangeBackfill {
		t.Errorf("expected older insert to be backfill, got %s", c.LastChange())
	}
	insert("m9", 9)
	if c.LastChange() != ChangeAppend {
		t.Errorf("expected newest insert to be append, got %s", c.LastChange())
	}
	insert("m3b", 3)
	insert("m3a", 3)

	msgs := c.Messages()
	assertSorted(t, msgs)
	want := []types.MessageID{"m1", "m3a", "m3b", "m5", "m9"}
	got := ids(msgs)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestApplyEventUpdateAndDelete(t *testing.T) {
	h := newHarness(t, testChatConfig())
	c, log := h.open(t, "ch1")
	c.ApplyEvent(types.ChangeEvent{Kind: types.EventInsert, Table: types.TableMessages, New: messageRow("m1", "ch1", "u2", "hello", 1)})

	edited := messageRow("m1", "ch1", "u2", "hello, edited", 1)
	edited["reactions"] = map[string]any{"thumbs_up": []any{"u3"}}
	if !c.ApplyEvent(types.ChangeEvent{Kind: types.EventUpdate, Table: types.TableMessages, New: edited}) {
		t.Fatal("expected edit to emit")
	}
	msg := c.Messages()[0]
	if msg.Content != "hello, edited" || len(msg.Reactions["thumbs_up"]) != 1 {
		t.Errorf("unexpected merged message %+v", msg)
	}
	if msg.SenderDisplayName != "Ana" {
		t.Errorf("expected sender kept, got %q", msg.SenderDisplayName)
	}

	if c.ApplyEvent(types.ChangeEvent{Kind: types.EventUpdate, Table: types.TableMessages, New: edited}) {
		t.Error("expected identical update not to emit")
	}
	if c.ApplyEvent(types.ChangeEvent{Kind: types.EventUpdate, Table: types.TableMessages, New: messageRow("ghost", "ch1", "u2", "x", 2)}) {
		t.Error("expected update for unknown id to be ignored")
	}

	before := log.len()
	if !c.ApplyEvent(types.ChangeEvent{Kind: types.EventDelete, Table: types.TableMessages, Old: types.Record{"id": "m1"}}) {
		t.Fatal("expected delete to emit")
	}
	if c.ApplyEvent(types.ChangeEvent{Kind: types.EventDelete, Table: types.TableMessages, Old: types.Record{"id": "m1"}}) {
		t.Error("expected delete of absent id not to emit")
	}
	if log.len() != before+1 || log.last().Change != ChangeDelete || len(c.Messages()) != 0 {
		t.Errorf("unexpected state after delete: %d snapshots, %d messages", log.len(), len(c.Messages()))
	}
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	h := newHarness(t, testChatConfig())
	c, log := h.open(t, "ch1")
	h.store.DelayWrites(50 * time.Millisecond)

	done := make(chan types.Message, 1)
	go func() {
		msg, err := c.Send(context.Background(), "hello", "")
		if err != nil {
			t.Error(err)
		}
		done <- msg
	}()

	waitFor(t, time.Second, func() bool { return len(c.Messages()) == 1 })
	pending := c.Messages()[0]
	if !pending.Pending || !pending.ID.IsTemp() || pending.SenderDisplayName != "Me" {
		t.Errorf("expected optimistic message, got %+v", pending)
	}

	sent := <-done
	waitFor(t, time.Second, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && !msgs[0].Pending
	})
	msgs := c.Messages()
	if msgs[0].ID != sent.ID || sent.ID.IsTemp() {
		t.Errorf("expected confirmed id %s, got %v", sent.ID, ids(msgs))
	}

	// the echo must not add a second copy
	time.Sleep(30 * time.Millisecond)
	if n := len(c.Messages()); n != 1 {
		t.Fatalf("expected exactly one message after echo, got %d", n)
	}
	for _, s := range log.all() {
		if len(s.Messages) > 1 {
			t.Fatalf("snapshot with duplicate message: %v", ids(s.Messages))
		}
	}

	waitFor(t, time.Second, func() bool {
		k := h.notifier.kinds()
		return len(k) == 1 && k[0] == notify.KindNewMessage
	})
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, testChatConfig())
	c, _ := h.open(t, "ch1")
	h.store.FailWrites(1, errors.New("connection refused"))

	msg, err := c.Send(context.Background(), "again", "")
	if err != nil {
		t.Fatal(err)
	}
	if h.store.Writes() != 2 {
		t.Errorf("expected 2 write attempts, got %d", h.store.Writes())
	}
	waitFor(t, time.Second, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].ID == msg.ID
	})
}

func TestSendFailureRemovesOptimistic(t *testing.T) {
	h := newHarness(t, testChatConfig())
	c, log := h.open(t, "ch1")
	h.store.FailWrites(5, errors.New("connection refused"))

	_, err := c.Send(context.Background(), "doomed", "")
	var wc *types.WriteConflictError
	if !errors.As(err, &wc) || wc.Op != "send" {
		t.Fatalf("expected send write conflict, got %v", err)
	}
	if n := len(c.Messages()); n != 0 {
		t.Errorf("expected optimistic message removed, got %d", n)
	}
	if log.len() < 2 || log.last().Change != ChangeDelete {
		t.Errorf("expected removal snapshot, got %d snapshots", log.len())
	}
	if k := h.notifier.kinds(); len(k) != 0 {
		t.Errorf("expected no notification for failed send, got %v", k)
	}
}

func TestSendRejectsEmpty(t *testing.T) {
	h := newHarness(t, testChatConfig())
	c, _ := h.open(t, "ch1")
	if _, err := c.Send(context.Background(), "   ", ""); err == nil {
		t.Error("expected empty content to fail")
	}
	if h.store.Writes() != 0 {
		t.Error("expected no write for empty content")
	}
}

func TestLoadOlderBackfills(t *testing.T) {
	h := newHarness(t, testChatConfig())
	for i := 1; i <= 7; i++ {
		h.store.Seed(types.TableMessages, messageRow(fmt.Sprintf("m%d", i), "ch1", "u2", "hi", i))
	}
	c, log := h.open(t, "ch1")

	n, err := c.LoadOlder(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || log.last().Change != ChangeBackfill {
		t.Errorf("expected 3 backfilled, got %d (%s)", n, log.last().Change)
	}
	n, _ = c.LoadOlder(context.Background(), 3)
	if n != 1 {
		t.Errorf("expected the last remaining message, got %d", n)
	}
	before := log.len()
	n, _ = c.LoadOlder(context.Background(), 3)
	if n != 0 || log.len() != before {
		t.Errorf("expected exhausted history to be a no-op, got %d", n)
	}
	msgs := c.Messages()
	if len(msgs) != 7 {
		t.Fatalf("expected all 7 messages, got %d", len(msgs))
	}
	assertSorted(t, msgs)
}

func TestMentionNotifiesAndMarksRead(t *testing.T) {
	h := newHarness(t, testChatConfig())
	_, _ = h.open(t, "ch1")

	if _, err := h.store.Insert(context.Background(), types.TableMessages,
		messageRow("m1", "ch1", "u2", "ping @[Me](me) please", 1)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		k := h.notifier.kinds()
		return len(k) == 1 && k[0] == notify.KindMention
	})
	h.notifier.mu.Lock()
	body := h.notifier.sent[0].Body
	h.notifier.mu.Unlock()
	if body != "ping @Me please" {
		t.Errorf("unexpected mention body %q", body)
	}

	waitFor(t, time.Second, func() bool { return len(h.store.Calls(FuncMarkMentionsRead)) == 1 })
	var payload map[string]string
	if err := json.Unmarshal(h.store.Calls(FuncMarkMentionsRead)[0], &payload); err != nil {
		t.Fatal(err)
	}
	if payload["channel_id"] != "ch1" || payload["user_id"] != "me" {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestCloseCancelsPendingMentionRead(t *testing.T) {
	cfg := testChatConfig()
	cfg.MentionReadDelay = 200 * time.Millisecond
	h := newHarness(t, cfg)
	c, _ := h.open(t, "ch1")

	if _, err := h.store.Insert(context.Background(), types.TableMessages,
		messageRow("m1", "ch1", "u2", "@[Me](me) hi", 1)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return len(c.Messages()) == 1 })
	c.Close()

	time.Sleep(300 * time.Millisecond)
	if n := len(h.store.Calls(FuncMarkMentionsRead)); n != 0 {
		t.Errorf("expected no mark-read after close, got %d", n)
	}
}

func TestOwnMessageIsNotAMention(t *testing.T) {
	h := newHarness(t, testChatConfig())
	c, _ := h.open(t, "ch1")

	if _, err := h.store.Insert(context.Background(), types.TableMessages,
		messageRow("m1", "ch1", "me", "note to @[Me](me)", 1)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return len(c.Messages()) == 1 })
	time.Sleep(80 * time.Millisecond)
	if k := h.notifier.kinds(); len(k) != 0 {
		t.Errorf("expected no notification, got %v", k)
	}
}

func TestCloseReleasesChannel(t *testing.T) {
	h := newHarness(t, testChatConfig())
	c, log := h.open(t, "ch1")
	if h.store.OpenChannels() != 1 {
		t.Fatalf("expected one open feed, got %d", h.store.OpenChannels())
	}

	c.Close()
	c.Close()
	waitFor(t, time.Second, func() bool { return h.store.OpenChannels() == 0 && len(h.manager.Handles()) == 0 })
	if h.svc.OpenChannels() != 0 {
		t.Error("expected service to forget the channel")
	}
	before := log.len()
	if c.ApplyEvent(types.ChangeEvent{Kind: types.EventInsert, Table: types.TableMessages, New: messageRow("m1", "ch1", "u2", "late", 1)}) {
		t.Error("expected closed channel to ignore events")
	}
	if log.len() != before || c.snapshots.Len() != 0 {
		t.Error("expected listeners released")
	}
}

func TestKeyOnlyDeleteFromFeedRemovesMessage(t *testing.T) {
	h := newHarness(t, testChatConfig())
	c, log := h.open(t, "ch1")

	if _, err := h.store.Insert(context.Background(), types.TableMessages,
		messageRow("m1", "ch1", "u2", "hello", 1)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return len(c.Messages()) == 1 })

	// replica identity default: the old record carries the key only
	h.store.Emit(types.ChangeEvent{
		Kind:            types.EventDelete,
		Table:           types.TableMessages,
		Old:             types.Record{"id": "m1"},
		CommitTimestamp: ts(2),
	})
	waitFor(t, time.Second, func() bool { return len(c.Messages()) == 0 })
	if log.last().Change != ChangeDelete {
		t.Errorf("expected delete snapshot, got %s", log.last().Change)
	}
}

// resetAfterCommit commits the first insert and then reports a dropped
// connection, as a server that fails after writing would.
type resetAfterCommit struct {
	*memstore.Store
	mu    sync.Mutex
	reset bool
}

func (s *resetAfterCommit) Insert(ctx context.Context, table string, values types.Record) (types.Record, error) {
	row, err := s.Store.Insert(ctx, table, values)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reset {
		s.reset = true
		return nil, errors.New("read tcp: connection reset by peer")
	}
	return row, nil
}

func TestSendRetryAfterCommitKeepsOneMessage(t *testing.T) {
	h := newHarness(t, testChatConfig())
	store := &resetAfterCommit{Store: h.store}
	svc := NewService(store, h.manager, nil, nil, testChatConfig(), nil)
	t.Cleanup(svc.Close)

	c, err := svc.Open(context.Background(), "ch1")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		for _, hd := range h.manager.Handles() {
			if hd.State() != realtime.StateSubscribed {
				return false
			}
		}
		return true
	})

	sent, err := c.Send(context.Background(), "hello", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if h.store.Writes() != 2 {
		t.Fatalf("expected the insert to be retried, writes=%d", h.store.Writes())
	}

	// both rows echo back; only one may be shown
	time.Sleep(50 * time.Millisecond)
	msgs := c.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message, got %v", ids(msgs))
	}
	if msgs[0].ID != sent.ID || msgs[0].Pending || msgs[0].Content != "hello" {
		t.Errorf("expected held message %s, got %+v", sent.ID, msgs[0])
	}
}

func TestPartialUpdateKeepsUntouchedFields(t *testing.T) {
	h := newHarness(t, testChatConfig())
	c, _ := h.open(t, "ch1")
	c.ApplyEvent(types.ChangeEvent{Kind: types.EventInsert, Table: types.TableMessages, New: messageRow("m1", "ch1", "u2", "hello", 1)})

	// reactions only, no created_at or content
	if !c.ApplyEvent(types.ChangeEvent{
		Kind:  types.EventUpdate,
		Table: types.TableMessages,
		New:   types.Record{"id": "m1", "reactions": map[string]any{"heart": []any{"u3"}}},
	}) {
		t.Fatal("expected partial update to emit")
	}
	msg := c.Messages()[0]
	if msg.Content != "hello" || msg.SenderDisplayName != "Ana" {
		t.Errorf("expected content and sender kept, got %+v", msg)
	}
	if msg.Timestamp.IsZero() || types.FormatTimestamp(msg.Timestamp) != ts(1) {
		t.Errorf("expected timestamp kept, got %v", msg.Timestamp)
	}
	if len(msg.Reactions["heart"]) != 1 {
		t.Errorf("expected reaction applied, got %v", msg.Reactions)
	}
}
