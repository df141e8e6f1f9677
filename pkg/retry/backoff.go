// Package retry provides the capped-exponential-backoff-with-full-jitter
// schedule shared by the Ingestor's reconnect loop and the Delivery
// engine's retry loop. Both are grounded on the same shape of backoff the
// teacher already used for getLogs retries
// (pkg/eventprocessor/eventfeed/impl/eventfeed.go's ChainAPIBackoff sleep),
// generalized into a reusable, testable policy.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy is a capped exponential backoff with full jitter: the delay for
// attempt n is a uniform random duration in [0, min(cap, base*multiplier^(n-1))).
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration

	// rand is overridable in tests for deterministic assertions.
	rand func() float64
}

// NewPolicy builds a Policy. multiplier must be > 1.
func NewPolicy(base time.Duration, multiplier float64, cap time.Duration) *Policy {
	return &Policy{Base: base, Multiplier: multiplier, Cap: cap, rand: rand.Float64}
}

// Delay returns the backoff duration before the (1-indexed) attempt-th
// retry. attempt=1 means "the delay before the first retry."
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	capped := math.Min(raw, float64(p.Cap))
	if capped <= 0 {
		return 0
	}
	r := p.rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * capped)
}

// IngestorReconnectPolicy is the Ingestor's reconnect backoff: initial
// 1s, multiplier 2, cap 60s, full jitter.
func IngestorReconnectPolicy() *Policy {
	return NewPolicy(time.Second, 2, 60*time.Second)
}

// DeliveryRetryPolicy is the Delivery engine's retry backoff: base 2s,
// multiplier 2, cap 5m, full jitter.
func DeliveryRetryPolicy() *Policy {
	return NewPolicy(2*time.Second, 2, 5*time.Minute)
}
