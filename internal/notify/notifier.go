package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/user/interpsync/internal/types"
)

const (
	KindNewMessage = "new_message"
	KindMention    = "mention"
)

// Notification describes one chat event worth telling someone about.
type Notification struct {
	Kind        string          `json:"type"`
	ChannelID   types.ChannelID `json:"channel_id"`
	MessageID   types.MessageID `json:"message_id,omitempty"`
	SenderID    types.OwnerID   `json:"sender_id,omitempty"`
	SenderName  string          `json:"sender_name,omitempty"`
	RecipientID types.OwnerID   `json:"recipient_id,omitempty"`
	Body        string          `json:"body"`
}

// Text renders the notification for chat-style backends.
func (n Notification) Text() string {
	name := n.SenderName
	if name == "" {
		name = string(n.SenderID)
	}
	switch n.Kind {
	case KindMention:
		return fmt.Sprintf("*%s* mentioned you:\n%s", name, n.Body)
	default:
		return fmt.Sprintf("*%s*:\n%s", name, n.Body)
	}
}

// Notifier is what the chat core calls after sends and on mentions.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Route sends notifications of the listed kinds to Target. An empty Kinds
// matches every kind.
type Route struct {
	Kinds  []string
	Target string
}

// Dispatcher fans a notification out over the registry to every matching
// route.
type Dispatcher struct {
	registry *Registry
	routes   []Route
}

func NewDispatcher(registry *Registry, routes ...Route) *Dispatcher {
	return &Dispatcher{registry: registry, routes: routes}
}

func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, r := range d.routes {
		if len(r.Kinds) > 0 && !slices.Contains(r.Kinds, n.Kind) {
			continue
		}
		if err := d.registry.Deliver(ctx, r.Target, n); err != nil {
			slog.Warn("notification delivery failed", "target", r.Target, "kind", n.Kind, "error", err)
			errs = append(errs, fmt.Errorf("deliver %s: %w", r.Target, err))
		}
	}
	return errors.Join(errs...)
}

// InvokeHandler delivers by calling the store's server function fn with
// the notification as payload.
func InvokeHandler(store types.Store, fn string) Handler {
	return func(ctx context.Context, _ string, n Notification) error {
		out, err := store.Invoke(ctx, fn, n)
		if err != nil {
			return fmt.Errorf("invoke %s: %w", fn, err)
		}
		var res struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(out, &res) == nil && res.Error != "" {
			return fmt.Errorf("invoke %s: %s", fn, res.Error)
		}
		return nil
	}
}
