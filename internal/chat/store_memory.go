package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Gagan-jade/lumina-talk/internal/metrics"
)

const memMaxMessagesPerConversation = 10_000

// MemoryStore is an in-memory MessageStore + ConversationStore used for dev
// and tests. It keeps the same contract as the Postgres store:
//   - idempotent Insert per (conversation_id, idempotency_key)
//   - Query ordered by (created_at, id) with cursor paging
//   - restartable change feed with replay from a resume cursor
//   - at most one conversation per canonical pair
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
	pairs map[string]Conversation // "low\x00high" -> conversation
	subs  map[string][]*FeedSub   // conversation id -> live feeds
}

type memConv struct {
	dedupe map[string]Message // idempotency key -> stored message
	msgs   []Message          // ordered by (created_at, id)
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]*memConv),
		pairs: make(map[string]Conversation),
		subs:  make(map[string][]*FeedSub),
	}
}

// Close terminates all live feeds.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.Close()
		}
	}
	s.subs = make(map[string][]*FeedSub)
	return nil
}

// ---- ConversationStore ----

func pairKey(low, high string) string { return low + "\x00" + high }

// FindByPair returns the conversation for a canonical pair.
func (s *MemoryStore) FindByPair(_ context.Context, low, high string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.pairs[pairKey(low, high)]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// Create inserts a conversation for a canonical pair, enforcing uniqueness.
func (s *MemoryStore) Create(_ context.Context, low, high string, now time.Time) (Conversation, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(low, high)
	if _, ok := s.pairs[key]; ok {
		return Conversation{}, ErrConversationExists
	}

	id, err := NewConversationID(now)
	if err != nil {
		return Conversation{}, err
	}
	conv := Conversation{
		ID:              id,
		ParticipantLow:  low,
		ParticipantHigh: high,
		CreatedAt:       now,
	}
	s.pairs[key] = conv
	return conv, nil
}

// ---- MessageStore ----

// Insert appends a message with idempotency per (conversation, idempotency key)
// and notifies all live feeds for the conversation.
func (s *MemoryStore) Insert(ctx context.Context, in InsertMessageInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if in.ConversationID == "" || in.SenderID == "" || in.IdempotencyKey == "" {
		return Message{}, ErrInvalidMessage
	}

	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Message{}, ErrInvalidMessage
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		c = &memConv{
			dedupe: make(map[string]Message),
			msgs:   make([]Message, 0, 256),
		}
		s.convs[in.ConversationID] = c
	}

	if existing, ok := c.dedupe[in.IdempotencyKey]; ok {
		metrics.DuplicatesSuppressed.Inc()
		return existing, nil
	}

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        content,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
	}
	c.dedupe[in.IdempotencyKey] = msg
	c.msgs = append(c.msgs, msg)
	metrics.MessagesStored.Inc()

	// Bound memory growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	s.notifyLocked(in.ConversationID, msg)
	return msg, nil
}

// notifyLocked fans the new message out to live feeds. A feed that cannot
// keep up is failed with ErrFeedLagged; the subscriber resumes from its last
// observed cursor.
func (s *MemoryStore) notifyLocked(conversationID string, msg Message) {
	subs := s.subs[conversationID]
	alive := subs[:0]
	for _, sub := range subs {
		if sub.Emit(msg) {
			alive = append(alive, sub)
			continue
		}
		sub.Fail(ErrFeedLagged)
	}
	s.subs[conversationID] = alive
}

// Query returns messages ordered by (created_at, id) with cursor paging.
func (s *MemoryStore) Query(ctx context.Context, in QueryInput) (QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return QueryResult{}, err
	}
	if in.ConversationID == "" {
		return QueryResult{}, ErrInvalidMessage
	}

	limit := clampLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var snap []Message
	if c != nil {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return QueryResult{}, nil
	}

	// Append order already matches the ordering invariant; sort defensively.
	sort.Slice(snap, func(i, j int) bool { return snap[i].Before(snap[j]) })

	start := 0
	if !in.After.IsZero() {
		start = sort.Search(len(snap), func(i int) bool { return in.After.Precedes(snap[i]) })
		if start >= len(snap) {
			return QueryResult{}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return QueryResult{Messages: out, HasMore: hasMore}, nil
}

// Subscribe opens a change feed for conversationID. Messages already stored
// after resumeAfter are replayed first so a reconnecting subscriber observes
// no gaps.
func (s *MemoryStore) Subscribe(ctx context.Context, conversationID string, resumeAfter Cursor) (*FeedSub, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, ErrInvalidMessage
	}

	sub := NewFeedSub()

	s.mu.Lock()
	if c := s.convs[conversationID]; c != nil && !resumeAfter.IsZero() {
		for _, msg := range c.msgs {
			if !resumeAfter.Precedes(msg) {
				continue
			}
			if !sub.Emit(msg) {
				sub.Fail(ErrFeedLagged)
				s.mu.Unlock()
				return nil, ErrFeedLagged
			}
		}
	}
	s.subs[conversationID] = append(s.subs[conversationID], sub)
	s.mu.Unlock()

	// Honor caller cancellation.
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()

	return sub, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
