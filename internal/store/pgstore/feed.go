package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/user/interpsync/internal/types"
)

// NotifyChannel is the LISTEN channel the change triggers publish on.
const NotifyChannel = "interpsync_changes"

// TriggerSQL installs a trigger that publishes row changes of the synced
// tables as JSON notifications on NotifyChannel.
const TriggerSQL = `
CREATE OR REPLACE FUNCTION interpsync_notify() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify('interpsync_changes', json_build_object(
    'type', TG_OP,
    'table', TG_TABLE_NAME,
    'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
    'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END,
    'commit_timestamp', to_char(clock_timestamp() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')
  )::text);
  RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS interpsync_profiles_notify ON interpreter_profiles;
CREATE TRIGGER interpsync_profiles_notify AFTER INSERT OR UPDATE OR DELETE ON interpreter_profiles
  FOR EACH ROW EXECUTE FUNCTION interpsync_notify();

DROP TRIGGER IF EXISTS interpsync_messages_notify ON chat_messages;
CREATE TRIGGER interpsync_messages_notify AFTER INSERT OR UPDATE OR DELETE ON chat_messages
  FOR EACH ROW EXECUTE FUNCTION interpsync_notify();
`

// InstallTriggers creates the notification trigger on the synced tables.
func (s *Store) InstallTriggers(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, TriggerSQL); err != nil {
		return fmt.Errorf("install triggers: %w", err)
	}
	return nil
}

// Feed returns a transport that listens on NotifyChannel. Each opened
// topic holds its own connection; filtering happens client-side.
func (s *Store) Feed() types.Transport {
	return &feed{store: s}
}

type feed struct {
	store *Store
}

func (f *feed) Open(ctx context.Context, topic types.Topic) (types.Channel, error) {
	pc, err := f.store.pool.Acquire(ctx)
	if err != nil {
		return nil, &types.TransportError{Topic: topic.String(), Err: err}
	}
	conn := pc.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, &types.TransportError{Topic: topic.String(), Err: err}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c := &channel{
		store:  f.store,
		conn:   conn,
		topic:  topic,
		events: make(chan types.ChangeEvent, 256),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go c.pump(pumpCtx)
	return c, nil
}

type channel struct {
	store  *Store
	conn   *pgx.Conn
	topic  types.Topic
	events chan types.ChangeEvent
	done   chan struct{}
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	once sync.Once
}

var errClosed = errors.New("channel closed")

func (c *channel) Events() <-chan types.ChangeEvent { return c.events }
func (c *channel) Done() <-chan struct{}            { return c.done }

func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Ping checks the database through the pool; the listening connection is
// busy waiting for notifications and reports its own failure through Done.
func (c *channel) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	return c.store.pool.Ping(ctx)
}

func (c *channel) Close() error {
	c.fail(errClosed)
	return nil
}

// pump owns the listening connection until it fails or the channel closes.
func (c *channel) pump(ctx context.Context) {
	defer c.conn.Close(context.Background())
	for {
		n, err := c.conn.WaitForNotification(ctx)
		if err != nil {
			c.fail(fmt.Errorf("wait for notification: %w", err))
			return
		}
		ev, err := decodeNotification(n.Payload)
		if err != nil {
			slog.Warn("drop notification", "channel", n.Channel, "error", err)
			continue
		}
		if !c.topic.Matches(ev) {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *channel) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.cancel()
	})
}

func decodeNotification(payload string) (types.ChangeEvent, error) {
	var ev types.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return types.ChangeEvent{}, err
	}
	switch ev.Kind {
	case types.EventInsert, types.EventUpdate, types.EventDelete:
	default:
		return types.ChangeEvent{}, fmt.Errorf("unknown change type %q", ev.Kind)
	}
	if ev.Table == "" {
		return types.ChangeEvent{}, fmt.Errorf("change without table")
	}
	return ev, nil
}
