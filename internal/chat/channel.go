package chat

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/user/interpsync/internal/bus"
	"github.com/user/interpsync/internal/notify"
	"github.com/user/interpsync/internal/types"
)

// Change classifies the mutation behind a snapshot so the UI can decide
// whether to scroll.
type Change string

const (
	ChangeInitial  Change = "initial"
	ChangeAppend   Change = "append"
	ChangeBackfill Change = "backfill"
	ChangeEdit     Change = "edit"
	ChangeDelete   Change = "delete"
)

// Snapshot is an emitted message list. Messages is a fresh slice on every
// emission.
type Snapshot struct {
	ChannelID types.ChannelID
	Messages  []types.Message
	Change    Change
}

// Channel is the materialized, deduplicated, sorted message list of one
// chat channel.
type Channel struct {
	id        types.ChannelID
	svc       *Service
	snapshots *bus.Bus[Snapshot]
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// emitMu keeps mutation and publish order aligned.
	emitMu sync.Mutex

	mu             sync.Mutex
	byID           map[types.MessageID]types.Message
	nonces         map[string]types.MessageID
	last           []types.Message
	lastFP         string
	lastChange     Change
	emitted        bool
	mentionPending bool
	unsub          func()
	closed         bool
}

func newChannel(svc *Service, id types.ChannelID) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		id:        id,
		svc:       svc,
		snapshots: bus.New[Snapshot](),
		ctx:       ctx,
		cancel:    cancel,
		byID:      make(map[types.MessageID]types.Message),
		nonces:    make(map[string]types.MessageID),
	}
}

func (c *Channel) ID() types.ChannelID { return c.id }

// Messages returns the last emitted message list.
func (c *Channel) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.last)
}

// LastChange returns the kind of the most recent emitted change.
func (c *Channel) LastChange() Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChange
}

// OnMessagesChanged subscribes to emitted snapshots.
func (c *Channel) OnMessagesChanged(fn func(Snapshot)) func() {
	return c.snapshots.Subscribe(fn)
}

// ApplyEvent folds one change event into the list and reports whether a
// new snapshot was emitted.
func (c *Channel) ApplyEvent(ev types.ChangeEvent) bool {
	mc, err := types.DecodeMessageChange(ev)
	if err != nil {
		slog.Warn("drop message event", "channel", string(c.id), "error", err)
		return false
	}
	if mc.Message != nil {
		if (mc.Kind == types.EventInsert || mc.Has(types.ColumnChannelID)) && mc.Message.ChannelID != c.id {
			return false
		}
		c.fillSender(mc.Message)
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	var change Change
	switch mc.Kind {
	case types.EventInsert:
		_, change = c.insertLocked(*mc.Message)
		if change == "" {
			c.mu.Unlock()
			return false
		}
	case types.EventUpdate:
		existing, ok := c.byID[mc.ID]
		if !ok {
			c.mu.Unlock()
			slog.Debug("update for unknown message", "channel", string(c.id), "id", string(mc.ID))
			return false
		}
		c.byID[mc.ID] = merge(existing, mc)
		change = ChangeEdit
	case types.EventDelete:
		existing, ok := c.byID[mc.ID]
		if !ok {
			c.mu.Unlock()
			return false
		}
		delete(c.byID, mc.ID)
		if existing.ClientNonce != "" && c.nonces[existing.ClientNonce] == mc.ID {
			delete(c.nonces, existing.ClientNonce)
		}
		change = ChangeDelete
	default:
		c.mu.Unlock()
		return false
	}
	snap, ok := c.snapshotLocked(change)
	c.mu.Unlock()

	if ok {
		c.publish(snap)
	}
	return ok
}

// Send shows an optimistic message at once and inserts it. On success the
// stored row replaces the optimistic copy; on failure the copy is removed.
func (c *Channel) Send(ctx context.Context, content string, parent types.MessageID) (types.Message, error) {
	self := c.svc.cfg.SelfID
	if self == "" {
		return types.Message{}, fmt.Errorf("send message: no sender identity configured")
	}
	if strings.TrimSpace(content) == "" {
		return types.Message{}, fmt.Errorf("send message: empty content")
	}

	sender := c.svc.senders.Resolve(ctx, self)
	now := time.Now().UTC().Truncate(time.Microsecond)
	nonce := types.NewClientNonce()
	msg := types.Message{
		ID:                types.NewTempMessageID(),
		ChannelID:         c.id,
		SenderID:          self,
		SenderDisplayName: sender.DisplayName,
		SenderAvatarURL:   sender.AvatarURL,
		Content:           content,
		ParentMessageID:   parent,
		Timestamp:         now,
		ClientNonce:       nonce,
		Pending:           true,
	}

	c.emitMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.emitMu.Unlock()
		return types.Message{}, fmt.Errorf("send message: channel %s closed", c.id)
	}
	c.byID[msg.ID] = msg
	c.nonces[nonce] = msg.ID
	snap, ok := c.snapshotLocked(ChangeAppend)
	c.mu.Unlock()
	if ok {
		c.publish(snap)
	}
	c.emitMu.Unlock()

	rec := types.Record{
		types.ColumnChannelID:   string(c.id),
		types.ColumnSenderID:    string(self),
		types.ColumnContent:     content,
		types.ColumnCreatedAt:   types.FormatTimestamp(now),
		types.ColumnClientNonce: nonce,
	}
	if parent != "" {
		rec[types.ColumnParentID] = string(parent)
	}

	var row types.Record
	err := c.svc.sendPolicy.Do(ctx, func(ctx context.Context) error {
		r, err := c.svc.store.Insert(ctx, types.TableMessages, rec)
		if err != nil {
			return err
		}
		row = r
		return nil
	})
	if err != nil {
		c.dropOptimistic(nonce)
		c.svc.metrics.MessageSent("failed")
		slog.Warn("send message failed", "channel", string(c.id), "error", err)
		return types.Message{}, &types.WriteConflictError{Op: "send", Target: string(c.id), Err: err}
	}
	c.svc.metrics.MessageSent("ok")

	stored, err := types.DecodeMessage(row)
	if err != nil {
		// the insert landed; its echo reconciles by nonce
		slog.Warn("decode sent message", "channel", string(c.id), "error", err)
		return msg, nil
	}
	stored.SenderDisplayName = sender.DisplayName
	stored.SenderAvatarURL = sender.AvatarURL

	held := c.reconcile(*stored)
	if held.ID != stored.ID {
		// an earlier attempt committed before its error surfaced
		slog.Warn("send committed more than once", "channel", string(c.id), "kept", string(held.ID), "duplicate", string(stored.ID))
	}

	c.notifyAsync(notify.Notification{
		Kind:       notify.KindNewMessage,
		ChannelID:  c.id,
		MessageID:  held.ID,
		SenderID:   self,
		SenderName: sender.DisplayName,
		Body:       notify.Preview(PlainMentions(content), c.svc.cfg.PreviewLength),
	})
	return held, nil
}

// LoadOlder loads up to n messages older than the oldest one held and
// returns how many were added.
func (c *Channel) LoadOlder(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		n = c.svc.cfg.PageSize
	}
	c.mu.Lock()
	var oldest time.Time
	for _, m := range c.byID {
		if m.Pending {
			continue
		}
		if oldest.IsZero() || m.Timestamp.Before(oldest) {
			oldest = m.Timestamp
		}
	}
	c.mu.Unlock()

	filters := []types.Filter{types.Eq(types.ColumnChannelID, string(c.id))}
	if !oldest.IsZero() {
		filters = append(filters, types.Lt(types.ColumnCreatedAt, types.FormatTimestamp(oldest)))
	}
	added, err := c.loadPage(ctx, filters, n, ChangeBackfill)
	if err != nil {
		return 0, fmt.Errorf("load older messages: %w", err)
	}
	return added, nil
}

// Close releases the subscription, pending timers and listeners.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.cancel()
	c.wg.Wait()
	c.snapshots.Clear()
	c.svc.forget(c)
}

func (c *Channel) load(ctx context.Context) error {
	filters := []types.Filter{types.Eq(types.ColumnChannelID, string(c.id))}
	_, err := c.loadPage(ctx, filters, c.svc.cfg.PageSize, ChangeInitial)
	return err
}

func (c *Channel) loadPage(ctx context.Context, filters []types.Filter, limit int, change Change) (int, error) {
	rows, err := c.svc.store.Query(ctx, types.TableMessages, filters,
		types.QueryOptions{OrderBy: types.ColumnCreatedAt, Desc: true, Limit: limit})
	if err != nil {
		return 0, err
	}

	msgs := make([]*types.Message, 0, len(rows))
	senders := make([]types.OwnerID, 0, len(rows))
	for _, r := range rows {
		m, err := types.DecodeMessage(r)
		if err != nil {
			slog.Warn("drop message row", "channel", string(c.id), "error", err)
			continue
		}
		msgs = append(msgs, m)
		senders = append(senders, m.SenderID)
	}
	c.svc.senders.ResolveBatch(ctx, senders)
	for _, m := range msgs {
		c.fillSender(m)
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	added := 0
	for _, m := range msgs {
		if _, ok := c.byID[m.ID]; ok {
			continue
		}
		if _, dup := c.heldByNonceLocked(*m); dup {
			continue
		}
		c.byID[m.ID] = *m
		added++
	}
	snap, ok := c.snapshotLocked(change)
	c.mu.Unlock()
	if ok {
		c.publish(snap)
	}
	return added, nil
}

// onEvent runs on the subscription goroutine.
func (c *Channel) onEvent(ev types.ChangeEvent) {
	c.ApplyEvent(ev)

	self := c.svc.cfg.SelfID
	if ev.Kind != types.EventInsert || self == "" {
		return
	}
	msg, err := types.DecodeMessage(ev.New)
	if err != nil || msg.SenderID == self || !Mentions(msg.Content, self) {
		return
	}
	c.fillSender(msg)
	slog.Info("mentioned", "channel", string(c.id), "by", string(msg.SenderID))
	c.notifyAsync(notify.Notification{
		Kind:        notify.KindMention,
		ChannelID:   c.id,
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderDisplayName,
		RecipientID: self,
		Body:        notify.Preview(PlainMentions(msg.Content), c.svc.cfg.PreviewLength),
	})
	c.scheduleMentionRead()
}

// scheduleMentionRead marks the channel's mentions read after the delay,
// unless the channel closes first. Mentions arriving meanwhile share the
// pending call.
func (c *Channel) scheduleMentionRead() {
	c.mu.Lock()
	if c.closed || c.mentionPending {
		c.mu.Unlock()
		return
	}
	c.mentionPending = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(c.svc.cfg.MentionReadDelay)
		defer timer.Stop()
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}

		c.mu.Lock()
		c.mentionPending = false
		c.mu.Unlock()

		payload := map[string]string{"channel_id": string(c.id), "user_id": string(c.svc.cfg.SelfID)}
		if _, err := c.svc.store.Invoke(c.ctx, FuncMarkMentionsRead, payload); err != nil {
			slog.Warn("mark mentions read", "channel", string(c.id), "error", err)
		}
	}()
}

func (c *Channel) notifyAsync(n notify.Notification) {
	if c.svc.notifier == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, notifyTimeout)
		defer cancel()
		if err := c.svc.notifier.Notify(ctx, n); err != nil {
			slog.Warn("notify", "kind", n.Kind, "channel", string(c.id), "error", err)
		}
	}()
}

// reconcile folds the stored copy of a sent message in and returns the
// message the list holds for it. If its echo already replaced the
// optimistic copy, nothing is emitted.
func (c *Channel) reconcile(msg types.Message) types.Message {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return msg
	}
	held, change := c.insertLocked(msg)
	if change == "" {
		c.mu.Unlock()
		return held
	}
	snap, ok := c.snapshotLocked(change)
	c.mu.Unlock()
	if ok {
		c.publish(snap)
	}
	return held
}

func (c *Channel) dropOptimistic(nonce string) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	tempID, ok := c.nonces[nonce]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.nonces, nonce)
	delete(c.byID, tempID)
	snap, emit := c.snapshotLocked(ChangeDelete)
	c.mu.Unlock()
	if emit {
		c.publish(snap)
	}
}

func (c *Channel) fillSender(m *types.Message) {
	if m.SenderID == "" {
		return
	}
	p := c.svc.senders.Resolve(c.ctx, m.SenderID)
	m.SenderDisplayName = p.DisplayName
	m.SenderAvatarURL = p.AvatarURL
}

// heldByNonceLocked returns the confirmed message already holding msg's
// nonce under another id. A send whose insert was retried after it had
// committed leaves two rows with one nonce; the first one seen stands.
func (c *Channel) heldByNonceLocked(msg types.Message) (types.Message, bool) {
	if msg.ClientNonce == "" {
		return types.Message{}, false
	}
	id, ok := c.nonces[msg.ClientNonce]
	if !ok || id == msg.ID {
		return types.Message{}, false
	}
	held, ok := c.byID[id]
	if !ok || held.Pending {
		return types.Message{}, false
	}
	return held, true
}

// insertLocked adds or replaces msg, classifies the change and returns the
// message now held for it. A row carrying the nonce of a pending send
// replaces the optimistic copy; a second row for an already confirmed
// nonce is folded away and reports no change.
func (c *Channel) insertLocked(msg types.Message) (types.Message, Change) {
	msg.Pending = false
	if _, ok := c.byID[msg.ID]; ok {
		c.byID[msg.ID] = msg
		return msg, ChangeEdit
	}
	if held, dup := c.heldByNonceLocked(msg); dup {
		slog.Debug("fold duplicate send", "channel", string(c.id), "kept", string(held.ID), "duplicate", string(msg.ID))
		return held, ""
	}
	if msg.ClientNonce != "" {
		if tempID, ok := c.nonces[msg.ClientNonce]; ok {
			delete(c.byID, tempID)
			c.nonces[msg.ClientNonce] = msg.ID
			c.byID[msg.ID] = msg
			return msg, ChangeEdit
		}
	}
	tail := true
	for _, m := range c.byID {
		if less(msg, m) {
			tail = false
			break
		}
	}
	c.byID[msg.ID] = msg
	if tail {
		return msg, ChangeAppend
	}
	return msg, ChangeBackfill
}

// snapshotLocked builds the sorted list and reports whether it differs
// from the last emitted one.
func (c *Channel) snapshotLocked(change Change) (Snapshot, bool) {
	msgs := make([]types.Message, 0, len(c.byID))
	for _, m := range c.byID {
		msgs = append(msgs, m)
	}
	slices.SortFunc(msgs, compare)

	fp := fingerprint(msgs)
	if c.emitted && fp == c.lastFP {
		return Snapshot{}, false
	}
	c.emitted = true
	c.lastFP = fp
	c.last = msgs
	c.lastChange = change
	return Snapshot{ChannelID: c.id, Messages: slices.Clone(msgs), Change: change}, true
}

func (c *Channel) publish(snap Snapshot) {
	c.svc.metrics.Snapshot()
	c.snapshots.Publish(snap)
}

func compare(a, b types.Message) int {
	if n := a.Timestamp.Compare(b.Timestamp); n != 0 {
		return n
	}
	return cmp.Compare(a.ID, b.ID)
}

func less(a, b types.Message) bool {
	return compare(a, b) < 0
}

// merge applies the columns an update carried onto an existing message.
// Columns the update left out keep their current values.
func merge(existing types.Message, mc types.MessageChange) types.Message {
	out := existing
	out.Pending = false
	u := mc.Message
	if mc.Has(types.ColumnContent) {
		out.Content = u.Content
	}
	if mc.Has(types.ColumnSenderID) && u.SenderID != existing.SenderID {
		out.SenderID = u.SenderID
		out.SenderDisplayName = u.SenderDisplayName
		out.SenderAvatarURL = u.SenderAvatarURL
	}
	if mc.Has(types.ColumnParentID) {
		out.ParentMessageID = u.ParentMessageID
	}
	if mc.Has(types.ColumnReactions) {
		out.Reactions = u.Reactions
	}
	if mc.Has(types.ColumnAttachments) {
		out.Attachments = u.Attachments
	}
	if mc.Has(types.ColumnCreatedAt) {
		out.Timestamp = u.Timestamp
	}
	return out
}

// fingerprint covers the id sequence and every rendered field.
func fingerprint(msgs []types.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.ID))
		b.WriteByte(0)
		b.WriteString(strconv.FormatInt(m.Timestamp.UnixMicro(), 10))
		b.WriteByte(0)
		b.WriteString(m.Content)
		b.WriteByte(0)
		b.WriteString(m.SenderDisplayName)
		b.WriteByte(0)
		b.WriteString(m.SenderAvatarURL)
		b.WriteByte(0)
		b.WriteString(string(m.ParentMessageID))
		b.WriteByte(0)
		if m.Pending {
			b.WriteByte('p')
		}
		kinds := make([]string, 0, len(m.Reactions))
		for k := range m.Reactions {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(strings.Join(m.Reactions[k], ","))
			b.WriteByte(';')
		}
		b.WriteByte(0)
		for _, a := range m.Attachments {
			fmt.Fprintf(&b, "%s|%s|%s|%d;", a.URL, a.Filename, a.MimeType, a.Size)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
