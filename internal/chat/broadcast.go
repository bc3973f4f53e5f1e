package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Gagan-jade/lumina-talk/internal/metrics"
)

// Broadcaster is the transient, best-effort, low-latency delivery path for
// newly composed messages, independent of the durable store.
//
// Publish is fire-and-forget: it must never block and never fails the send
// path. Messages published while a subscriber is disconnected are lost on
// this path; the durable feed is the fallback. The canonical order is always
// the store's.
type Broadcaster interface {
	Publish(ctx context.Context, env BroadcastEnvelope)
	Subscribe(ctx context.Context, conversationID string) (*FeedSub, error)
	Close() error
}

// MemoryBroadcaster is an in-process fanout Broadcaster.
//
// Concurrency guarantees:
//   - Subscribe/Close are safe under concurrent Publish.
//   - Publish never blocks: a slow subscriber's delivery is dropped.
type MemoryBroadcaster struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[string][]*FeedSub
}

// NewMemoryBroadcaster constructs an empty in-process broadcaster.
func NewMemoryBroadcaster(log *slog.Logger) *MemoryBroadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBroadcaster{
		log:  log,
		subs: make(map[string][]*FeedSub),
	}
}

// Publish fans env out to current subscribers of its conversation.
// Deliveries to full or closed subscriptions are dropped, not retried.
func (b *MemoryBroadcaster) Publish(_ context.Context, env BroadcastEnvelope) {
	if env.ConversationID == "" {
		return
	}
	msg := env.Message()

	b.mu.RLock()
	subs := b.subs[env.ConversationID]
	for _, sub := range subs {
		if !sub.Emit(msg) {
			metrics.BroadcastDropped.Inc()
		}
	}
	b.mu.RUnlock()
}

// Subscribe opens a best-effort stream for conversationID. No replay, no
// resume: only messages published while the subscription is live arrive.
func (b *MemoryBroadcaster) Subscribe(ctx context.Context, conversationID string) (*FeedSub, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, ErrInvalidMessage
	}

	sub := NewFeedSub()

	b.mu.Lock()
	b.subs[conversationID] = append(b.subs[conversationID], sub)
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
		b.remove(conversationID, sub)
	}()

	return sub, nil
}

// Close terminates all live subscriptions.
func (b *MemoryBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.Close()
		}
	}
	b.subs = make(map[string][]*FeedSub)
	return nil
}

func (b *MemoryBroadcaster) remove(conversationID string, sub *FeedSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[conversationID]
	for i, s := range subs {
		if s == sub {
			b.subs[conversationID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[conversationID]) == 0 {
		delete(b.subs, conversationID)
	}
}
