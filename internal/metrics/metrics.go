// Package metrics exposes the process-wide Prometheus instrumentation for the
// chat core and gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesStored counts durable message inserts (non-duplicate).
	MessagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lumina",
		Subsystem: "chat",
		Name:      "messages_stored_total",
		Help:      "Messages durably stored (idempotent replays excluded).",
	})

	// DuplicatesSuppressed counts idempotent insert replays.
	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lumina",
		Subsystem: "chat",
		Name:      "duplicates_suppressed_total",
		Help:      "Durable inserts answered from an existing idempotency key.",
	})

	// BroadcastDropped counts transient-path deliveries dropped under
	// backpressure or while the channel was unavailable.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lumina",
		Subsystem: "chat",
		Name:      "broadcast_dropped_total",
		Help:      "Best-effort broadcast deliveries dropped.",
	})

	// FeedReconnects counts change-feed subscriptions reopened after a failure.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lumina",
		Subsystem: "chat",
		Name:      "feed_reconnects_total",
		Help:      "Change-feed subscriptions reopened with a resume cursor.",
	})

	// RateLimitedEvents counts inbound envelopes denied by the per-connection
	// rate limiter.
	RateLimitedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lumina",
		Subsystem: "gateway",
		Name:      "rate_limited_events_total",
		Help:      "Inbound websocket envelopes denied by the rate limiter.",
	})

	// ActiveSessions tracks currently connected websocket sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lumina",
		Subsystem: "gateway",
		Name:      "active_sessions",
		Help:      "Currently connected websocket sessions.",
	})

	// PresenceWriteFailures counts presence updates that failed and were
	// deferred to the next session event.
	PresenceWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lumina",
		Subsystem: "chat",
		Name:      "presence_write_failures_total",
		Help:      "Presence updates that failed and will be retried.",
	})
)
