// Package v1 defines the lumina-talk chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the gateway and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello.ack"

	// TypeConversationOpen asks the server to resolve the conversation for a
	// participant pair (client -> server).
	TypeConversationOpen = "conversation.open"
	// TypeConversationReady returns the resolved conversation (server -> client).
	TypeConversationReady = "conversation.ready"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message.send"
	// TypeMessageAck confirms durable persistence of a send (server -> sender).
	TypeMessageAck = "message.ack"
	// TypeMessageNew delivers a message to conversation participants (server -> client).
	// It is emitted on both the transient and the durable path; receivers must
	// reconcile by idempotency key.
	TypeMessageNew = "message.new"

	// TypeHistoryFetch requests a window of conversation history (client -> server).
	TypeHistoryFetch = "history.fetch"
	// TypeHistoryChunk returns a window of history (server -> client).
	TypeHistoryChunk = "history.chunk"

	// TypePresenceUpdate notifies about a participant's presence change (server -> client).
	TypePresenceUpdate = "presence.update"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationOpen,
		TypeConversationReady,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypePresenceUpdate,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload carries the established session and resolved participant identity.
type HelloAckPayload struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

// ConversationOpenPayload requests resolution of the conversation with a peer.
type ConversationOpenPayload struct {
	PeerID string `json:"peer_id"`
}

// ConversationReadyPayload returns the resolved conversation record.
type ConversationReadyPayload struct {
	ConversationID  string    `json:"conversation_id"`
	ParticipantLow  string    `json:"participant_low"`
	ParticipantHigh string    `json:"participant_high"`
	CreatedAt       time.Time `json:"created_at"`
}

// MessageSendPayload requests sending a message into a conversation.
// IdempotencyKey is generated by the sending client, one per logical send.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id"`
	ReceiverID     string `json:"receiver_id"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key"`
}

// MessageAckPayload confirms the durable insert and returns canonical server fields.
type MessageAckPayload struct {
	ConversationID string    `json:"conversation_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	MessageID      string    `json:"message_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageNewPayload delivers one message. On the transient path MessageID and
// CreatedAt may be empty/zero; the durable copy carries both.
type MessageNewPayload struct {
	MessageID      string    `json:"message_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id"`
	Content        string    `json:"content"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// HistoryFetchPayload requests a history window for a conversation.
// AfterID/AfterTS form the resume cursor; both empty means "from the start".
type HistoryFetchPayload struct {
	ConversationID string    `json:"conversation_id"`
	AfterID        string    `json:"after_id,omitempty"`
	AfterTS        time.Time `json:"after_ts,omitempty"`
	Limit          int       `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages for a history fetch request.
type HistoryChunkPayload struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []MessageNewPayload `json:"messages"`
	HasMore        bool                `json:"has_more"`
}

// PresenceUpdatePayload notifies about one participant's presence state.
type PresenceUpdatePayload struct {
	ParticipantID string    `json:"participant_id"`
	Online        bool      `json:"online"`
	LastSeen      time.Time `json:"last_seen"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
