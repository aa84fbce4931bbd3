// Package chat materializes chat channels from the store and its change
// feed: ordered, deduplicated message lists with optimistic sends, sender
// resolution and mention handling.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/interpsync/internal/metrics"
	"github.com/user/interpsync/internal/notify"
	"github.com/user/interpsync/internal/realtime"
	"github.com/user/interpsync/internal/retry"
	"github.com/user/interpsync/internal/types"
)

// FuncMarkMentionsRead is the server function that clears a user's unread
// mentions in a channel.
const FuncMarkMentionsRead = "mark-mentions-read"

const notifyTimeout = 10 * time.Second

type ChatConfig struct {
	SelfID           types.OwnerID
	PageSize         int
	SendAttempts     int
	SendBackoff      time.Duration
	MentionReadDelay time.Duration
	PreviewLength    int
}

func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		PageSize:         50,
		SendAttempts:     3,
		SendBackoff:      time.Second,
		MentionReadDelay: 10 * time.Second,
		PreviewLength:    notify.DefaultPreviewLength,
	}
}

type Service struct {
	store      types.Store
	manager    *realtime.Manager
	senders    *SenderCache
	notifier   notify.Notifier
	cfg        ChatConfig
	metrics    *metrics.Metrics
	sendPolicy *retry.Policy

	mu       sync.Mutex
	channels map[*Channel]struct{}
	closed   bool
}

// NewService builds the chat service. senders may be nil, in which case a
// fresh cache over store is used; notifier may be nil to disable
// notifications.
func NewService(store types.Store, manager *realtime.Manager, senders *SenderCache, notifier notify.Notifier, cfg ChatConfig, m *metrics.Metrics) *Service {
	def := DefaultChatConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.SendAttempts <= 0 {
		cfg.SendAttempts = def.SendAttempts
	}
	if cfg.SendBackoff <= 0 {
		cfg.SendBackoff = def.SendBackoff
	}
	if cfg.MentionReadDelay <= 0 {
		cfg.MentionReadDelay = def.MentionReadDelay
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = def.PreviewLength
	}
	if senders == nil {
		senders = NewSenderCache(store)
	}
	return &Service{
		store:    store,
		manager:  manager,
		senders:  senders,
		notifier: notifier,
		cfg:      cfg,
		metrics:  m,
		sendPolicy: &retry.Policy{
			MaxAttempts:  cfg.SendAttempts,
			InitialDelay: cfg.SendBackoff,
			Multiplier:   2,
			MaxDelay:     30 * time.Second,
		},
		channels: make(map[*Channel]struct{}),
	}
}

func (s *Service) Senders() *SenderCache { return s.senders }

// Open subscribes to the channel's change feed, then loads the latest page.
// Subscribing first means nothing committed during the load is missed;
// overlap is absorbed by id.
func (s *Service) Open(ctx context.Context, id types.ChannelID) (*Channel, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("open channel %s: service closed", id)
	}
	c := newChannel(s, id)
	s.channels[c] = struct{}{}
	s.mu.Unlock()

	filter := types.Eq(types.ColumnChannelID, string(id))
	topic := types.Topic{
		Table:  types.TableMessages,
		Kinds:  []types.EventKind{types.EventInsert, types.EventUpdate, types.EventDelete},
		Filter: &filter,
	}
	_, unsub := s.manager.Subscribe(c.ctx, topic, c.onEvent)
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()

	if err := c.load(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("open channel %s: %w", id, err)
	}
	slog.Info("channel opened", "channel", string(id), "messages", len(c.Messages()))
	return c, nil
}

// Close closes every open channel.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	open := make([]*Channel, 0, len(s.channels))
	for c := range s.channels {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.Close()
	}
}

// OpenChannels counts channels not yet closed.
func (s *Service) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *Service) forget(c *Channel) {
	s.mu.Lock()
	delete(s.channels, c)
	s.mu.Unlock()
}
