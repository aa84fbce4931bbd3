package realtime

import (
	"sync"

	"github.com/user/interpsync/internal/types"
)

// DefaultDedupWindow is the number of event identities remembered per feed.
const DefaultDedupWindow = 100

// Deduplicator remembers the identities of recently processed events. It
// holds at most window identities; on overflow the oldest half is evicted.
type Deduplicator struct {
	mu     sync.Mutex
	window int
	order  []string
	seen   map[string]struct{}
}

func NewDeduplicator(window int) *Deduplicator {
	if window < 2 {
		window = 2
	}
	return &Deduplicator{
		window: window,
		seen:   make(map[string]struct{}, window),
	}
}

// Track reports whether ev should be processed. It returns false for an
// identity already seen within the window.
func (d *Deduplicator) Track(ev types.ChangeEvent) bool {
	id := ev.Identity()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return false
	}
	if len(d.order) >= d.window {
		half := d.window / 2
		for _, old := range d.order[:half] {
			delete(d.seen, old)
		}
		d.order = append(d.order[:0:0], d.order[half:]...)
	}
	d.order = append(d.order, id)
	d.seen[id] = struct{}{}
	return true
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

// Reset forgets every identity.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = nil
	d.seen = make(map[string]struct{}, d.window)
}
