package chat

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a ULID used as the server-assigned message id.
// ULIDs are lexicographically sortable, which makes the (created_at, id)
// tiebreak stable across stores.
func NewMessageID(now time.Time) (string, error) {
	return newULID(now)
}

// NewConversationID returns a ULID used as a conversation id.
func NewConversationID(now time.Time) (string, error) {
	return newULID(now)
}

// NewIdempotencyKey returns a client-generated idempotency key for one
// logical send.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

func newULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
