// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
)

// Store is the request/response side of the hosted data store.
type Store interface {
	Query(ctx context.Context, table string, filters []Filter, opts QueryOptions) ([]Record, error)
	Update(ctx context.Context, table string, filters []Filter, values Record) error
	Insert(ctx context.Context, table string, values Record) (Record, error)
	Invoke(ctx context.Context, fn string, payload any) (json.RawMessage, error)
}

// Transport opens raw change feeds. Open returns once the feed has
// acknowledged the subscription, or with an error.
type Transport interface {
	Open(ctx context.Context, topic Topic) (Channel, error)
}

// Channel is one open feed. Events may be redelivered; Done is closed when
// the feed drops, after which Err reports why.
type Channel interface {
	Events() <-chan ChangeEvent
	Done() <-chan struct{}
	Err() error
	Ping(ctx context.Context) error
	Close() error
}
