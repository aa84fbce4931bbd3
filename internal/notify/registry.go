// Package notify routes chat notifications to delivery backends: the
// store's push function and a Telegram bot.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Handler delivers a notification to a target such as "push:" or
// "telegram:12345".
type Handler func(ctx context.Context, target string, n Notification) error

// Registry routes notifications to the appropriate handler based on
// target prefix.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for targets starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver finds the handler matching the target prefix and calls it.
// Returns an error if no handler is registered for the prefix.
func (r *Registry) Deliver(ctx context.Context, target string, n Notification) error {
	r.mu.RLock()
	var handler Handler
	for prefix, h := range r.handlers {
		if strings.HasPrefix(target, prefix) {
			handler = h
			break
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no notification handler for target: %s", target)
	}
	return handler(ctx, target, n)
}
