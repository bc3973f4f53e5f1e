package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Resolver maps an unordered participant pair to its single durable
// conversation, creating one lazily on first resolution.
//
// Concurrency: two clients may race to create the same pair's conversation.
// The store's uniqueness constraint on the canonical pair decides the winner;
// the loser re-queries and returns the winning row. The race is never
// surfaced to callers.
type Resolver struct {
	log   *slog.Logger
	store ConversationStore

	// now is swappable for tests.
	now func() time.Time
}

// NewResolver constructs a Resolver backed by store.
func NewResolver(log *slog.Logger, store ConversationStore) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		log:   log,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// resolveCreateRetries bounds the find/create/find loop. One lost race needs a
// single re-query; the bound only guards against a pathological store.
const resolveCreateRetries = 3

// Resolve returns the conversation for the unordered pair (a, b),
// creating it if absent. It is idempotent and commutative in (a, b).
//
// Store outages surface as ErrStoreUnavailable (wrapped); no conversation id
// is ever invented locally.
func (r *Resolver) Resolve(ctx context.Context, session Session, a, b string) (Conversation, error) {
	if a == "" || b == "" {
		return Conversation{}, errors.New("resolve: empty participant id")
	}
	if a == b {
		return Conversation{}, errors.New("resolve: participant paired with itself")
	}
	if session.ParticipantID != a && session.ParticipantID != b {
		return Conversation{}, errors.New("resolve: session participant not in pair")
	}

	low, high := CanonicalPair(a, b)

	for attempt := 0; attempt < resolveCreateRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Conversation{}, err
		}

		conv, err := r.store.FindByPair(ctx, low, high)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, ErrConversationNotFound) {
			return Conversation{}, fmt.Errorf("resolve: find pair: %w", err)
		}

		conv, err = r.store.Create(ctx, low, high, r.now())
		if err == nil {
			r.log.Info("resolver.conversation.created",
				"conversation_id", conv.ID,
				"participant_low", low,
				"participant_high", high,
			)
			return conv, nil
		}
		if errors.Is(err, ErrConversationExists) {
			// Lost the creation race; the next find returns the winner.
			r.log.Debug("resolver.create.race", "participant_low", low, "participant_high", high)
			continue
		}
		return Conversation{}, fmt.Errorf("resolve: create: %w", err)
	}

	return Conversation{}, fmt.Errorf("resolve: gave up after %d attempts: %w",
		resolveCreateRetries, ErrStoreUnavailable)
}
