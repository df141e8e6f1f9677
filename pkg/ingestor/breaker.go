package ingestor

import (
	"sync"
	"time"
)

// breaker is the Ingestor's consecutive-failure-window circuit breaker: it
// trips when >= threshold log-fetch failures occur within window, and
// re-arms after cooldown. Grounded on the teacher's
// pkg/nonce/impl/tracker.go, which tracks a "stuck pending tx" with the
// same shape of plain counters and timestamps rather than a circuit-breaker
// library; this generalizes that idea from nonce-staleness to
// fetch-failure-streaks.
type breaker struct {
	mu sync.Mutex

	threshold int
	window    time.Duration
	cooldown  time.Duration

	failureTimes []time.Time
	trippedAt    time.Time
}

func newBreaker(threshold int, window, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, window: window, cooldown: cooldown}
}

// recordFailure records a failure at t and reports whether the breaker has
// now tripped.
func (b *breaker) recordFailure(t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := t.Add(-b.window)
	kept := b.failureTimes[:0]
	for _, ft := range b.failureTimes {
		if ft.After(cutoff) {
			kept = append(kept, ft)
		}
	}
	b.failureTimes = append(kept, t)

	if len(b.failureTimes) >= b.threshold {
		b.trippedAt = t
		return true
	}
	return false
}

// recordSuccess clears the failure window; a single successful block
// fetch resets the consecutive-failure streak.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureTimes = nil
}

// reset clears all breaker state, called when a new subscription session
// is established.
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureTimes = nil
	b.trippedAt = time.Time{}
}

// armed reports whether the breaker has cooled down since it last tripped.
func (b *breaker) armed(t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trippedAt.IsZero() {
		return true
	}
	return t.Sub(b.trippedAt) >= b.cooldown
}
