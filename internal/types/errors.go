package types

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen rejects a write while the owner's circuit breaker cools down.
var ErrCircuitOpen = errors.New("circuit open")

// ErrForceReconnectTimeout is returned when a manual reconnect does not
// bring every subscription back within its bound.
var ErrForceReconnectTimeout = errors.New("force reconnect timed out")

// WriteConflictError reports an optimistic write that was rejected or
// contradicted by the store. Local state is already reverted when it is returned.
type WriteConflictError struct {
	Op     string
	Target string
	Err    error
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("%s %s: write conflict: %v", e.Op, e.Target, e.Err)
}

func (e *WriteConflictError) Unwrap() error { return e.Err }

// TransportError reports a feed that failed to establish or dropped.
type TransportError struct {
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
