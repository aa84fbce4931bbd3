package memstore

import (
	"context"
	"errors"
	"sync"

	"github.com/user/interpsync/internal/types"
)

// Open implements types.Transport. The feed is live as soon as it returns.
func (s *Store) Open(ctx context.Context, topic types.Topic) (types.Channel, error) {
	s.opens.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectOpens > 0 {
		s.rejectOpens--
		return nil, errors.New("connection refused")
	}
	c := &channel{
		store:  s,
		topic:  topic,
		events: make(chan types.ChangeEvent, 256),
		done:   make(chan struct{}),
	}
	s.chans[c] = struct{}{}
	return c, nil
}

type channel struct {
	store  *Store
	topic  types.Topic
	events chan types.ChangeEvent
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (c *channel) Events() <-chan types.ChangeEvent { return c.events }
func (c *channel) Done() <-chan struct{}            { return c.done }

func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *channel) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return errors.New("channel closed")
	default:
	}
	c.store.mu.Lock()
	err := c.store.pingErr
	c.store.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (c *channel) Close() error {
	c.store.mu.Lock()
	delete(c.store.chans, c)
	c.store.mu.Unlock()
	c.fail(nil)
	return nil
}

func (c *channel) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *channel) send(ev types.ChangeEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
