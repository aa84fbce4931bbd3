package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/user/interpsync/internal/types"
)

// SenderCache resolves sender display identities. Entries are never
// invalidated within a session.
type SenderCache struct {
	store types.Store

	mu      sync.Mutex
	entries map[types.OwnerID]types.SenderProfile
	lookups int
}

func NewSenderCache(store types.Store) *SenderCache {
	return &SenderCache{
		store:   store,
		entries: make(map[types.OwnerID]types.SenderProfile),
	}
}

// Get returns a cached profile without touching the store.
func (c *SenderCache) Get(id types.OwnerID) (types.SenderProfile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[id]
	return p, ok
}

// Lookups counts store queries issued by the cache.
func (c *SenderCache) Lookups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}

// ResolveBatch loads every uncached id with a single query.
func (c *SenderCache) ResolveBatch(ctx context.Context, ids []types.OwnerID) {
	var missing []string
	seen := make(map[types.OwnerID]bool)
	c.mu.Lock()
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := c.entries[id]; !ok {
			missing = append(missing, string(id))
		}
	}
	if len(missing) > 0 {
		c.lookups++
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return
	}
	filter := types.Eq(types.ColumnID, missing[0])
	if len(missing) > 1 {
		filter = types.In(types.ColumnID, missing...)
	}
	rows, err := c.store.Query(ctx, types.TableSenders, []types.Filter{filter}, types.QueryOptions{})
	if err != nil {
		slog.Warn("resolve senders", "count", len(missing), "error", err)
		return
	}
	c.add(rows)
}

// Resolve returns the profile for id, querying the store on a miss. An
// unresolvable sender falls back to its id as display name.
func (c *SenderCache) Resolve(ctx context.Context, id types.OwnerID) types.SenderProfile {
	if p, ok := c.Get(id); ok {
		return p
	}
	c.ResolveBatch(ctx, []types.OwnerID{id})
	if p, ok := c.Get(id); ok {
		return p
	}
	return types.SenderProfile{ID: id, DisplayName: string(id)}
}

func (c *SenderCache) add(rows []types.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rows {
		p, err := types.DecodeSender(r)
		if err != nil {
			slog.Warn("drop sender row", "error", err)
			continue
		}
		if p.DisplayName == "" {
			p.DisplayName = string(p.ID)
		}
		c.entries[p.ID] = p
	}
}
