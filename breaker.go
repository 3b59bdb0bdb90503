package fieldsync

import "time"

// breaker tracks failure state for one logical endpoint. It cycles between
// closed (normal) and open (fail fast) for the life of the process; an open
// circuit closes again once the reset window has elapsed, with no half-open
// probe in between.
//
// Success decrements the consecutive-failure counter instead of zeroing it,
// so a struggling endpoint recovers gradually rather than instantly re-arming
// after one lucky response.
//
// Not safe for concurrent use; the cache serializes access under its own
// mutex.
type breaker struct {
	threshold  int
	resetAfter time.Duration

	consecutiveFailures int
	open                bool
	openedAt            time.Time
}

func newBreaker(threshold int, resetAfter time.Duration) *breaker {
	return &breaker{threshold: threshold, resetAfter: resetAfter}
}

// allow reports whether a request may attempt the network. An open circuit
// whose reset window has elapsed closes as a side effect.
func (b *breaker) allow(now time.Time) bool {
	if !b.open {
		return true
	}
	if now.Sub(b.openedAt) >= b.resetAfter {
		b.open = false
		b.consecutiveFailures = 0
		return true
	}
	return false
}

func (b *breaker) recordFailure(now time.Time) {
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.threshold && !b.open {
		b.open = true
		b.openedAt = now
	}
}

func (b *breaker) recordSuccess() {
	if b.consecutiveFailures > 0 {
		b.consecutiveFailures--
	}
}
