package chat

import "errors"

var (
	// ErrInvalidMessage is returned when message content is empty after
	// trimming whitespace. It is reported synchronously, before any network call.
	ErrInvalidMessage = errors.New("invalid message: empty content")

	// ErrStoreUnavailable is returned when the durable store cannot be reached.
	// Callers retry with bounded backoff; composed messages are retained with a
	// retry action, never silently dropped.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrBroadcastUnavailable indicates the transient path is down. Non-fatal:
	// delivery degrades to the durable feed with higher latency.
	ErrBroadcastUnavailable = errors.New("broadcast unavailable")

	// ErrConversationExists is returned by a ConversationStore insert that lost
	// a creation race. The resolver treats it as a signal to re-query, not as a
	// failure.
	ErrConversationExists = errors.New("conversation already exists")

	// ErrConversationNotFound is returned by pair lookup when no conversation
	// has been created for the pair yet.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrPresenceUpdateFailed is returned when a presence write fails. Logged
	// and retried on the next session event; never blocks conversation use.
	ErrPresenceUpdateFailed = errors.New("presence update failed")

	// ErrFeedLagged is returned by a change-feed subscription that could not
	// keep up and was terminated. Subscribers reconnect and resume from their
	// last observed cursor.
	ErrFeedLagged = errors.New("feed lagged")

	// ErrEngineClosed is returned by engine operations after Close.
	ErrEngineClosed = errors.New("sync engine closed")

	// ErrUnknownEntry is returned by Retry for an idempotency key the engine
	// does not hold a failed entry for.
	ErrUnknownEntry = errors.New("unknown entry")
)
