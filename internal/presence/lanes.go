package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/interpsync/internal/types"
)

type job struct {
	owner types.OwnerID
	run   func(ctx context.Context) error
	done  func(error)
}

// lanes gives every owner its own FIFO so writes for one owner are applied
// one at a time, while a global semaphore limits how many owners write
// concurrently.
type lanes struct {
	lanes     map[types.OwnerID]chan *job
	semaphore *semaphore.Weighted
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func newLanes(maxConcurrent int64) *lanes {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &lanes{
		lanes:     make(map[types.OwnerID]chan *job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

func (l *lanes) start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctx, l.cancel = context.WithCancel(ctx)
}

// stop cancels in-flight jobs, aborts queued ones and waits for every lane
// goroutine to exit.
func (l *lanes) stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
	for _, lane := range l.lanes {
		close(lane)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// enqueue adds j to its owner's lane, creating the lane and its goroutine
// on first use.
func (l *lanes) enqueue(j *job) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.ctx == nil {
		return fmt.Errorf("status writer not running")
	}
	lane, exists := l.lanes[j.owner]
	if !exists {
		lane = make(chan *job, 100)
		l.lanes[j.owner] = lane
		l.wg.Add(1)
		go l.process(j.owner, lane)
	}

	select {
	case lane <- j:
		return nil
	default:
		return fmt.Errorf("write queue full for owner %s", j.owner)
	}
}

func (l *lanes) process(owner types.OwnerID, lane chan *job) {
	defer l.wg.Done()
	for j := range lane {
		if l.ctx.Err() != nil {
			j.done(l.ctx.Err())
			continue
		}
		if err := l.semaphore.Acquire(l.ctx, 1); err != nil {
			j.done(err)
			continue
		}
		l.active.Add(1)
		err := j.run(l.ctx)
		if err != nil {
			slog.Debug("status job failed", "owner", string(owner), "error", err)
		}
		j.done(err)
		l.active.Add(-1)
		l.semaphore.Release(1)
	}
}

// waitIdle blocks until no job is running or the timeout expires.
func (l *lanes) waitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if l.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}
