// Package wsfeed is a types.Transport over the hosted realtime websocket
// endpoint. Each opened topic gets its own connection speaking the
// channel protocol: JSON frames {topic, event, payload, ref}.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/interpsync/internal/types"
)

const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventClose     = "phx_close"
	eventError     = "phx_error"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"

	heartbeatTopic = "phoenix"
)

type Options struct {
	// HandshakeTimeout bounds dialing and the join acknowledgement.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// Schema is the database schema changes are requested from.
	Schema string
	Buffer int
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		Schema:           "public",
		Buffer:           256,
	}
}

// Feed dials one websocket per opened topic.
type Feed struct {
	endpoint string
	apiKey   string
	opts     Options
	dialer   *websocket.Dialer
}

// New builds a feed for the realtime endpoint. http(s) URLs are rewritten
// to ws(s).
func New(rawURL, apiKey string, opts Options) (*Feed, error) {
	def := DefaultOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.Schema == "" {
		opts.Schema = def.Schema
	}
	if opts.Buffer <= 0 {
		opts.Buffer = def.Buffer
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	return &Feed{
		endpoint: u.String(),
		apiKey:   apiKey,
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
	}, nil
}

// Open dials, joins the topic and returns once the join is acknowledged.
func (f *Feed) Open(ctx context.Context, topic types.Topic) (types.Channel, error) {
	header := http.Header{}
	if f.apiKey != "" {
		header.Set("apikey", f.apiKey)
		header.Set("Authorization", "Bearer "+f.apiKey)
	}
	conn, _, err := f.dialer.DialContext(ctx, f.endpoint, header)
	if err != nil {
		return nil, &types.TransportError{Topic: topic.String(), Err: err}
	}

	c := newChannel(conn, topic, f.opts)
	go c.readPump()

	joinCtx, cancel := context.WithTimeout(ctx, f.opts.HandshakeTimeout)
	defer cancel()
	rep, err := c.request(joinCtx, c.name, eventJoin, joinPayload(topic, f.opts.Schema))
	if err == nil && rep.Status != "ok" {
		err = fmt.Errorf("join rejected: %s %s", rep.Status, strings.TrimSpace(string(rep.Response)))
	}
	if err != nil {
		c.Close()
		return nil, &types.TransportError{Topic: topic.String(), Err: err}
	}
	return c, nil
}

type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type changePayload struct {
	Data types.ChangeEvent `json:"data"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

func joinPayload(topic types.Topic, schema string) map[string]any {
	event := "*"
	if len(topic.Kinds) == 1 {
		event = string(topic.Kinds[0])
	}
	cf := changeFilter{Event: event, Schema: schema, Table: topic.Table}
	if topic.Filter != nil {
		cf.Filter = topic.Filter.String()
	}
	return map[string]any{
		"config": map[string]any{
			"postgres_changes": []changeFilter{cf},
		},
	}
}

type channel struct {
	conn   *websocket.Conn
	topic  types.Topic
	name   string
	opts   Options
	events chan types.ChangeEvent
	done   chan struct{}
	refs   atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan reply
	err     error
	once    sync.Once
	closing atomic.Bool
}

var errClosed = errors.New("channel closed")

func newChannel(conn *websocket.Conn, topic types.Topic, opts Options) *channel {
	return &channel{
		conn:    conn,
		topic:   topic,
		name:    "realtime:" + topic.Table,
		opts:    opts,
		events:  make(chan types.ChangeEvent, opts.Buffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan reply),
	}
}

func (c *channel) Events() <-chan types.ChangeEvent { return c.events }
func (c *channel) Done() <-chan struct{}            { return c.done }

func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Ping sends a heartbeat and waits for its acknowledgement.
func (c *channel) Ping(ctx context.Context) error {
	rep, err := c.request(ctx, heartbeatTopic, eventHeartbeat, map[string]any{})
	if err != nil {
		return err
	}
	if rep.Status != "ok" {
		return fmt.Errorf("heartbeat: %s", rep.Status)
	}
	return nil
}

func (c *channel) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	select {
	case <-c.done:
	default:
		_ = c.write(frame{Topic: c.name, Event: eventLeave, Payload: json.RawMessage(`{}`), Ref: c.nextRef()})
	}
	c.fail(errClosed)
	return nil
}

func (c *channel) nextRef() string {
	return strconv.FormatUint(c.refs.Add(1), 10)
}

func (c *channel) request(ctx context.Context, topic, event string, payload any) (reply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return reply{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	ref := c.nextRef()
	wait := make(chan reply, 1)
	c.mu.Lock()
	c.pending[ref] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	if err := c.write(frame{Topic: topic, Event: event, Payload: body, Ref: ref}); err != nil {
		return reply{}, err
	}
	select {
	case rep := <-wait:
		return rep, nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return reply{}, err
		}
		return reply{}, errClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (c *channel) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s: %w", f.Event, err)
	}
	return nil
}

// readPump owns the read side until the connection ends.
func (c *channel) readPump() {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
		switch f.Event {
		case eventReply:
			var rep reply
			if err := json.Unmarshal(f.Payload, &rep); err != nil {
				continue
			}
			c.mu.Lock()
			wait, ok := c.pending[f.Ref]
			c.mu.Unlock()
			if ok {
				select {
				case wait <- rep:
				default:
				}
			}
		case eventChanges:
			var p changePayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				continue
			}
			ev := p.Data
			if ev.Table == "" {
				ev.Table = c.topic.Table
			}
			if !c.topic.Matches(ev) {
				continue
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		case eventClose:
			c.fail(errors.New("closed by server"))
			return
		case eventError:
			c.fail(fmt.Errorf("server error: %s", strings.TrimSpace(string(f.Payload))))
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
		_ = c.conn.Close()
	})
}
