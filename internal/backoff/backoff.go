// Package backoff computes reconnect delays for feed connections. Delays
// grow exponentially from a base interval up to a cap, with random jitter so
// parallel connections do not retry in lockstep.
package backoff

import (
	"math/rand"
	"time"
)

// Backoff produces the wait before the next reconnect attempt. Not safe for
// concurrent use; each connection owns its own instance.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	jitter  float64
	attempt int
}

// New returns a calculator growing from base to max with jitter applied as a
// fraction, e.g. 0.2 spreads each delay across +-20%.
func New(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, jitter: jitter}
}

// Next returns the delay for the upcoming attempt: base*2^attempt capped at
// max, then jittered. Attempts are unbounded; doubling stops at the cap so
// long outages cannot overflow the arithmetic.
func (b *Backoff) Next() time.Duration {
	delay := b.base
	for i := 0; i < b.attempt && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}
	if b.jitter > 0 {
		factor := 1.0 + (rand.Float64()*2-1)*b.jitter
		delay = time.Duration(float64(delay) * factor)
	}
	b.attempt++
	return delay
}

// Reset starts the schedule over after a healthy connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays were handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
