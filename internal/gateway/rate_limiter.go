package gateway

import (
	"sync"
	"time"

	"github.com/Gagan-jade/lumina-talk/internal/metrics"
)

// RateLimiter enforces a sliding window over the envelopes one connection
// may submit. It keeps the admission times of the last `limit` permitted
// events in a fixed ring; a new event is denied while the oldest of those is
// still inside the window. Denials are counted in the gateway metrics.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// ring[next] holds the limit-th most recent admission (zero until the
	// ring has wrapped once).
	oldest := r.ring[r.next]
	if !oldest.IsZero() && oldest.After(now.Add(-r.window)) {
		metrics.RateLimitedEvents.Inc()
		return false
	}

	r.ring[r.next] = now
	r.next = (r.next + 1) % r.limit
	return true
}
