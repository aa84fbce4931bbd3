package bus

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestPublishFanOut(t *testing.T) {
	b := New[int]()
	var got []int
	b.Subscribe(func(v int) { got = append(got, v) })
	b.Subscribe(func(v int) { got = append(got, v*10) })

	b.Publish(3)

	if len(got) != 2 || got[0] != 3 || got[1] != 30 {
		t.Errorf("expected [3 30], got %v", got)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New[string]()
	var calls int
	unsub := b.Subscribe(func(string) { calls++ })
	keep := b.Subscribe(func(string) {})
	defer keep()

	unsub()
	unsub()

	if b.Len() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Len())
	}
	b.Publish("x")
	if calls != 0 {
		t.Errorf("unsubscribed handler was called %d times", calls)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New[int]()
	var unsub func()
	var calls int
	unsub = b.Subscribe(func(int) {
		calls++
		unsub()
	})

	b.Publish(1)
	b.Publish(2)

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if b.Len() != 0 {
		t.Errorf("expected no subscribers, got %d", b.Len())
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New[int]()
	var total atomic.Int64
	unsub := b.Subscribe(func(v int) { total.Add(int64(v)) })
	defer unsub()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(1)
		}()
	}
	wg.Wait()

	if total.Load() != 50 {
		t.Errorf("expected 50, got %d", total.Load())
	}
}

func TestClear(t *testing.T) {
	b := New[int]()
	calls := 0
	unsub := b.Subscribe(func(int) { calls++ })
	b.Clear()
	unsub()
	b.Publish(1)
	if calls != 0 || b.Len() != 0 {
		t.Errorf("expected cleared bus, calls=%d len=%d", calls, b.Len())
	}
}
