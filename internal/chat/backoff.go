package chat

import (
	"math"
	"math/rand"
	"time"
)

// Backoff produces jittered exponential reconnect delays for feed
// subscriptions. Not safe for concurrent use; each loop owns its own.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// NewBackoff constructs a Backoff with safe defaults when inputs are invalid.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 || max < base {
		max = 30 * time.Second
	}
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay before the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(b.Base) * 0.5)
	d := time.Duration(math.Min(
		float64(b.Base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.Max),
	))
	b.attempt++
	return d
}

// Reset clears the attempt counter after a successful (re)connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }
