package chat

import (
	"context"
	"sync"
	"time"
)

// MessageStore is the durable, append-only, conversation-scoped message log.
// It is the source of truth for ordering and history.
//
// Requirements:
//   - Insert is idempotent per (conversation_id, idempotency_key); a replay
//     returns the already-stored row.
//   - Insert rejects content that is empty after trimming with ErrInvalidMessage.
//   - Query returns messages ordered by (created_at, id) ascending.
//   - Subscribe is a lazy, append-only feed of newly inserted messages,
//     restartable without gaps by resuming after the last observed cursor.
//     The zero resumeAfter cursor delivers only messages inserted after the
//     subscription is established (history is read through Query); a
//     non-zero cursor first replays everything stored after it.
type MessageStore interface {
	Insert(ctx context.Context, in InsertMessageInput) (Message, error)
	Query(ctx context.Context, in QueryInput) (QueryResult, error)
	Subscribe(ctx context.Context, conversationID string, resumeAfter Cursor) (*FeedSub, error)
	Close() error
}

// InsertMessageInput describes a durable append request.
type InsertMessageInput struct {
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	IdempotencyKey string
	Now            time.Time
}

// QueryInput describes a history query request. After is a resume cursor;
// the zero cursor reads from the start.
type QueryInput struct {
	ConversationID string
	After          Cursor
	Limit          int
}

// QueryResult contains the retrieved history window.
type QueryResult struct {
	Messages []Message
	HasMore  bool
}

// ConversationStore persists conversation records for the resolver.
//
// Requirements:
//   - A uniqueness constraint on the canonical (participant_low,
//     participant_high) pair; Create reports a lost race with
//     ErrConversationExists rather than inserting a second row.
type ConversationStore interface {
	FindByPair(ctx context.Context, low, high string) (Conversation, error)
	Create(ctx context.Context, low, high string, now time.Time) (Conversation, error)
}

// FeedSub is one change-feed subscription. Events are delivered in the
// store's append order. If the subscriber cannot keep up the feed terminates
// with ErrFeedLagged and must be reopened with the last observed cursor.
//
// Emit may be called from multiple producer goroutines; Close/Fail are
// idempotent and safe under concurrent Emit.
type FeedSub struct {
	mu     sync.Mutex
	events chan Message
	done   chan struct{}
	err    error
	ended  bool
}

const feedSubBuffer = 256

// NewFeedSub constructs a subscription handle. Store implementations deliver
// through Emit and terminate through Fail; consumers stop via Close or by
// cancelling the context passed to Subscribe.
func NewFeedSub() *FeedSub {
	return &FeedSub{
		events: make(chan Message, feedSubBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the delivery channel. It is closed when the feed ends;
// check Err afterwards.
func (s *FeedSub) Events() <-chan Message { return s.events }

// Done is closed when the subscription has been torn down.
func (s *FeedSub) Done() <-chan struct{} { return s.done }

// Err reports why the feed ended. Nil means a clean close.
func (s *FeedSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit delivers one message without blocking. It reports false when the
// subscriber queue is full or the feed has ended; the producer should then
// Fail the feed with ErrFeedLagged.
func (s *FeedSub) Emit(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.events <- msg:
		return true
	default:
		return false
	}
}

// Fail terminates the feed with err. Idempotent.
func (s *FeedSub) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.done)
	close(s.events)
}

// Close terminates the feed cleanly. Idempotent.
func (s *FeedSub) Close() {
	s.Fail(nil)
}
