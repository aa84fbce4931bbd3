package presence

import "time"

// breaker counts consecutive write failures for one owner. Reaching max
// opens it for cooldown; it closes again on success or once the cooldown
// has elapsed.
type breaker struct {
	max      int
	cooldown time.Duration
	failures int
	openedAt time.Time
}

func (b *breaker) allow(now time.Time) bool {
	if b.failures < b.max {
		return true
	}
	if now.Sub(b.openedAt) >= b.cooldown {
		b.failures = 0
		b.openedAt = time.Time{}
		return true
	}
	return false
}

func (b *breaker) success() {
	b.failures = 0
	b.openedAt = time.Time{}
}

// failure records a failed write and reports whether it opened the breaker.
func (b *breaker) failure(now time.Time) bool {
	b.failures++
	if b.failures == b.max {
		b.openedAt = now
		return true
	}
	return false
}
