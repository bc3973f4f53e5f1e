// Package chat implements the realtime conversation and message
// synchronization core: conversation resolution for a participant pair,
// dual-path delivery (durable store feed plus transient broadcast),
// client-side reconciliation into one ordered deduplicated timeline, and
// online-presence tracking.
package chat

import (
	"strings"
	"time"
)

// Conversation is the durable container for a participant pair's message history.
//
// Invariant: for any unordered pair there is at most one Conversation.
// ParticipantLow/ParticipantHigh hold the pair in canonical (lexicographic)
// order so lookup is order-independent. Never mutated after creation.
type Conversation struct {
	ID              string
	ParticipantLow  string
	ParticipantHigh string
	CreatedAt       time.Time
}

// CanonicalPair returns the pair in canonical order (low < high).
func CanonicalPair(a, b string) (low, high string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// Message is one immutable chat message.
//
// IdempotencyKey is generated by the sending client, unique per logical send.
// It is the join key that reconciles the transient broadcast copy with the
// persisted copy of the same message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Before reports whether m sorts before other under the canonical message
// ordering (CreatedAt, ID) ascending. ID breaks exact-timestamp ties
// deterministically; IDs are ULIDs, so the tiebreak is lexicographic.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Cursor identifies a position in a conversation's message order.
// The zero Cursor means "from the start".
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether the cursor is the start-of-history position.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// Precedes reports whether the cursor position is strictly before msg.
func (c Cursor) Precedes(msg Message) bool {
	if c.IsZero() {
		return true
	}
	if !msg.CreatedAt.Equal(c.CreatedAt) {
		return msg.CreatedAt.After(c.CreatedAt)
	}
	return msg.ID > c.ID
}

// CursorOf returns the cursor positioned at msg.
func CursorOf(msg Message) Cursor {
	return Cursor{CreatedAt: msg.CreatedAt, ID: msg.ID}
}

// Presence is a participant's online/offline state and last-activity timestamp.
// One record per participant, mutated only by the Tracker.
type Presence struct {
	ParticipantID string
	Online        bool
	LastSeen      time.Time
}

// BroadcastEnvelope is the transient-path message envelope. It carries no
// server-assigned fields: no persistence, no delivery guarantee, no resume.
type BroadcastEnvelope struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Message converts the envelope to an optimistic Message with no server fields.
func (e BroadcastEnvelope) Message() Message {
	return Message{
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		ReceiverID:     e.ReceiverID,
		Content:        e.Content,
		IdempotencyKey: e.IdempotencyKey,
	}
}
