package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Gagan-jade/lumina-talk/internal/metrics"
)

// EngineState is the lifecycle state of one open-conversation engine.
type EngineState int32

const (
	// StateIdle holds no conversation and no subscriptions.
	StateIdle EngineState = iota
	// StateResolving has a resolver call in flight for the selected pair.
	StateResolving
	// StateSubscribing is opening the history read, the store feed, and the
	// broadcast subscription.
	StateSubscribing
	// StateLive applies every incoming event to the reconciled timeline.
	StateLive
	// StateClosing is releasing all subscriptions.
	StateClosing
	// StateClosed is terminal; reopening a conversation takes a fresh engine.
	StateClosed
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EngineConfig bounds the engine's network operations.
type EngineConfig struct {
	ResolveTimeout  time.Duration
	ResolveAttempts int
	HistoryTimeout  time.Duration
	HistoryLimit    int
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
}

func (c *EngineConfig) defaults() {
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 10 * time.Second
	}
	if c.ResolveAttempts <= 0 {
		c.ResolveAttempts = 3
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = 10 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 200
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// Engine is the per-open-conversation sync unit. It resolves the conversation
// for a participant pair, opens the durable change feed and the transient
// broadcast, merges both into one ordered deduplicated timeline, and drives
// the dual-path send side.
//
// Lifecycle: Idle -> Resolving -> Subscribing -> Live -> Closing -> Closed.
// No event is applied after Closing begins, and every exit path releases all
// subscriptions. A closed engine is never reused.
type Engine struct {
	log       *slog.Logger
	resolver  *Resolver
	store     MessageStore
	broadcast Broadcaster
	session   Session
	peerID    string
	cfg       EngineConfig

	// notify, when set, is invoked (outside the engine lock) for every entry
	// change the presentation layer should render.
	notify func(Entry)

	mu       sync.Mutex
	state    EngineState
	conv     Conversation
	timeline *Timeline
	lastSeen Cursor
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

// NewEngine constructs an engine for the conversation between the session's
// participant and peerID. The engine is Idle until Open.
func NewEngine(log *slog.Logger, resolver *Resolver, store MessageStore, broadcast Broadcaster,
	session Session, peerID string, cfg EngineConfig) *Engine {
	if log == nil {
		log = slog.Default()
	}
	cfg.defaults()
	return &Engine{
		log:       log,
		resolver:  resolver,
		store:     store,
		broadcast: broadcast,
		session:   session,
		peerID:    peerID,
		cfg:       cfg,
		state:     StateIdle,
		timeline:  NewTimeline(),
	}
}

// OnEntry registers the presentation callback. Must be set before Open.
func (e *Engine) OnEntry(fn func(Entry)) { e.notify = fn }

// State returns the current lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Conversation returns the resolved conversation (zero before Subscribing).
func (e *Engine) Conversation() Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv
}

// Entries returns a snapshot of the reconciled sequence.
func (e *Engine) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeline.Entries()
}

// Open drives Idle -> Resolving -> Subscribing -> Live. It resolves the
// conversation, opens the store feed and the broadcast subscription
// concurrently, performs the initial bulk history read, and starts the event
// pumps. Broadcast unavailability degrades to durable-only delivery and does
// not fail Open.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("open from %s: %w", state, ErrEngineClosed)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.state = StateResolving
	e.mu.Unlock()

	conv, err := e.resolveWithRetry(runCtx)
	if err != nil {
		e.abortOpen()
		return err
	}

	if !e.transition(StateResolving, StateSubscribing, func() { e.conv = conv }) {
		e.abortOpen()
		return ErrEngineClosed
	}

	// Subscriptions first, history second: anything inserted before the query
	// returns is covered by the query, anything after by the feed, and the
	// overlap is deduplicated by id.
	var (
		storeSub *FeedSub
		bcastSub *FeedSub
	)
	g, _ := errgroup.WithContext(runCtx)
	g.Go(func() error {
		sub, err := e.store.Subscribe(runCtx, conv.ID, Cursor{})
		if err != nil {
			return fmt.Errorf("store feed: %v: %w", err, ErrStoreUnavailable)
		}
		storeSub = sub
		return nil
	})
	g.Go(func() error {
		sub, err := e.broadcast.Subscribe(runCtx, conv.ID)
		if err != nil {
			// Non-fatal: durable-only delivery until the pump resubscribes.
			e.log.Warn("engine.broadcast.subscribe.fail",
				"conversation_id", conv.ID, "err", err)
			return nil
		}
		bcastSub = sub
		return nil
	})
	if err := g.Wait(); err != nil {
		e.abortOpen()
		return err
	}

	history, err := e.readHistory(runCtx, conv.ID)
	if err != nil {
		storeSub.Close()
		if bcastSub != nil {
			bcastSub.Close()
		}
		e.abortOpen()
		return err
	}

	ok := e.transition(StateSubscribing, StateLive, func() {
		for _, msg := range history {
			if e.timeline.ApplyConfirmed(msg) && e.lastSeen.Precedes(msg) {
				e.lastSeen = CursorOf(msg)
			}
		}
	})
	if !ok {
		storeSub.Close()
		if bcastSub != nil {
			bcastSub.Close()
		}
		e.abortOpen()
		return ErrEngineClosed
	}

	e.wg.Add(2)
	go e.storeFeedLoop(runCtx, storeSub)
	go e.broadcastLoop(runCtx, bcastSub)

	e.log.Info("engine.live",
		"conversation_id", conv.ID,
		"participant_id", e.session.ParticipantID,
		"history", len(history),
	)
	return nil
}

// Send validates, shows an optimistic entry, publishes on the transient path
// (fire-and-forget), then issues the durable insert. A failed insert marks
// the entry Failed and returns it for user-triggered retry; it is never
// silently dropped.
func (e *Engine) Send(ctx context.Context, content string) (Entry, error) {
	return e.SendKeyed(ctx, content, NewIdempotencyKey())
}

// SendKeyed is Send with a caller-supplied idempotency key, for senders that
// minted the key earlier (a remote client repeating a send over a fresh
// connection). A key the timeline already holds replays the existing entry
// instead of double-sending; a Failed entry under that key is retried.
func (e *Engine) SendKeyed(ctx context.Context, content, key string) (Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" || key == "" {
		return Entry{}, ErrInvalidMessage
	}

	e.mu.Lock()
	if e.state != StateLive {
		state := e.state
		e.mu.Unlock()
		return Entry{}, fmt.Errorf("send from %s: %w", state, ErrEngineClosed)
	}
	if existing, ok := e.timeline.FindByKey(key); ok {
		if existing.State != EntryFailed {
			e.mu.Unlock()
			return existing, nil
		}
		e.timeline.MarkPending(key)
		msg := existing.Message
		e.mu.Unlock()
		e.notifyEntry(Entry{Message: msg, State: EntryPending})
		return e.persist(ctx, msg)
	}
	msg := Message{
		ConversationID: e.conv.ID,
		SenderID:       e.session.ParticipantID,
		ReceiverID:     e.peerID,
		Content:        content,
		IdempotencyKey: key,
	}
	e.timeline.ApplyOptimistic(msg)
	e.mu.Unlock()

	e.notifyEntry(Entry{Message: msg, State: EntryPending})

	return e.persist(ctx, msg)
}

// Retry re-issues the durable insert for a failed entry, reusing its
// idempotency key so the store records at most one message for the send.
func (e *Engine) Retry(ctx context.Context, idempotencyKey string) (Entry, error) {
	e.mu.Lock()
	if e.state != StateLive {
		state := e.state
		e.mu.Unlock()
		return Entry{}, fmt.Errorf("retry from %s: %w", state, ErrEngineClosed)
	}
	entry, ok := e.timeline.FindByKey(idempotencyKey)
	if !ok || entry.State != EntryFailed {
		e.mu.Unlock()
		return Entry{}, ErrUnknownEntry
	}
	e.timeline.MarkPending(idempotencyKey)
	msg := entry.Message
	e.mu.Unlock()

	e.notifyEntry(Entry{Message: msg, State: EntryPending})

	return e.persist(ctx, msg)
}

// Close drives Closing -> Closed, releasing all subscriptions and waiting for
// the pumps to exit. Safe to call from any state; idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	switch e.state {
	case StateClosed, StateClosing:
		e.mu.Unlock()
		return
	case StateIdle:
		e.state = StateClosed
		e.mu.Unlock()
		return
	}
	e.state = StateClosing
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()

	e.log.Info("engine.closed", "conversation_id", e.conv.ID)
}

// ---- internals ----

// persist publishes the transient copy and issues the durable insert.
func (e *Engine) persist(ctx context.Context, msg Message) (Entry, error) {
	e.broadcast.Publish(ctx, BroadcastEnvelope{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		IdempotencyKey: msg.IdempotencyKey,
	})

	stored, err := e.store.Insert(ctx, InsertMessageInput{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		IdempotencyKey: msg.IdempotencyKey,
	})
	if err != nil {
		e.mu.Lock()
		if e.state == StateLive {
			e.timeline.MarkFailed(msg.IdempotencyKey)
		}
		e.mu.Unlock()

		failed := Entry{Message: msg, State: EntryFailed}
		e.notifyEntry(failed)
		e.log.Warn("engine.send.fail",
			"conversation_id", msg.ConversationID,
			"idempotency_key", msg.IdempotencyKey,
			"err", err,
		)
		return failed, err
	}

	e.mu.Lock()
	if e.state == StateLive {
		if e.timeline.ApplyConfirmed(stored) && e.lastSeen.Precedes(stored) {
			e.lastSeen = CursorOf(stored)
		}
	}
	e.mu.Unlock()

	confirmed := Entry{Message: stored, State: EntryConfirmed}
	e.notifyEntry(confirmed)
	return confirmed, nil
}

func (e *Engine) resolveWithRetry(ctx context.Context) (Conversation, error) {
	backoff := NewBackoff(e.cfg.ReconnectBase, e.cfg.ReconnectMax)

	var lastErr error
	for attempt := 0; attempt < e.cfg.ResolveAttempts; attempt++ {
		rctx, rcancel := context.WithTimeout(ctx, e.cfg.ResolveTimeout)
		conv, err := e.resolver.Resolve(rctx, e.session, e.session.ParticipantID, e.peerID)
		rcancel()
		if err == nil {
			return conv, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Conversation{}, ctx.Err()
		}
		// Only outages are worth retrying; anything else is a caller bug.
		if !errors.Is(err, ErrStoreUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
			return Conversation{}, err
		}

		select {
		case <-ctx.Done():
			return Conversation{}, ctx.Err()
		case <-time.After(backoff.Next()):
		}
	}
	return Conversation{}, fmt.Errorf("resolve: %w", lastErr)
}

// readHistory performs the initial bulk read, paging until exhausted or the
// bounded wait expires.
func (e *Engine) readHistory(ctx context.Context, conversationID string) ([]Message, error) {
	hctx, cancel := context.WithTimeout(ctx, e.cfg.HistoryTimeout)
	defer cancel()

	var (
		out    []Message
		cursor Cursor
	)
	for {
		res, err := e.store.Query(hctx, QueryInput{
			ConversationID: conversationID,
			After:          cursor,
			Limit:          e.cfg.HistoryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		out = append(out, res.Messages...)
		if !res.HasMore || len(res.Messages) == 0 {
			return out, nil
		}
		cursor = CursorOf(res.Messages[len(res.Messages)-1])
	}
}

// storeFeedLoop pumps the durable change feed into the timeline, reconnecting
// with backoff and resuming after the last observed cursor so no message is
// skipped or duplicated across restarts.
func (e *Engine) storeFeedLoop(ctx context.Context, sub *FeedSub) {
	defer e.wg.Done()

	backoff := NewBackoff(e.cfg.ReconnectBase, e.cfg.ReconnectMax)

	for {
		for msg := range sub.Events() {
			e.deliverConfirmed(msg)
		}

		if ctx.Err() != nil || !e.isLive() {
			return
		}
		if err := sub.Err(); err != nil {
			e.log.Warn("engine.feed.lost", "conversation_id", e.conv.ID, "err", err)
		}

		next, ok := e.resubscribeStore(ctx, backoff)
		if !ok {
			return
		}
		sub = next
		backoff.Reset()
		metrics.FeedReconnects.Inc()
	}
}

func (e *Engine) resubscribeStore(ctx context.Context, backoff *Backoff) (*FeedSub, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff.Next()):
		}
		if !e.isLive() {
			return nil, false
		}

		e.mu.Lock()
		cursor := e.lastSeen
		e.mu.Unlock()

		sub, err := e.store.Subscribe(ctx, e.conv.ID, cursor)
		if err == nil {
			return sub, true
		}
		e.log.Warn("engine.feed.resubscribe.fail",
			"conversation_id", e.conv.ID, "attempt", backoff.Attempt(), "err", err)
	}
}

// broadcastLoop pumps the transient path. Lossy by contract: reconnects carry
// no resume cursor, the durable feed covers anything missed.
func (e *Engine) broadcastLoop(ctx context.Context, sub *FeedSub) {
	defer e.wg.Done()

	backoff := NewBackoff(e.cfg.ReconnectBase, e.cfg.ReconnectMax)

	for {
		if sub != nil {
			for msg := range sub.Events() {
				e.deliverOptimistic(msg)
			}
			backoff.Reset()
		}

		if ctx.Err() != nil || !e.isLive() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.Next()):
		}
		next, err := e.broadcast.Subscribe(ctx, e.conv.ID)
		if err != nil {
			e.log.Warn("engine.broadcast.resubscribe.fail",
				"conversation_id", e.conv.ID, "err", err)
			sub = nil
			continue
		}
		sub = next
	}
}

func (e *Engine) deliverConfirmed(msg Message) {
	e.mu.Lock()
	if e.state != StateLive {
		e.mu.Unlock()
		return
	}
	changed := e.timeline.ApplyConfirmed(msg)
	if e.lastSeen.Precedes(msg) {
		e.lastSeen = CursorOf(msg)
	}
	e.mu.Unlock()

	if changed {
		e.notifyEntry(Entry{Message: msg, State: EntryConfirmed})
	}
}

func (e *Engine) deliverOptimistic(msg Message) {
	e.mu.Lock()
	if e.state != StateLive {
		e.mu.Unlock()
		return
	}
	changed := e.timeline.ApplyOptimistic(msg)
	e.mu.Unlock()

	if changed {
		e.notifyEntry(Entry{Message: msg, State: EntryPending})
	}
}

func (e *Engine) isLive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateLive
}

// transition moves from -> to and runs apply under the lock. It reports false
// when the engine left the expected state (e.g. Closing won the race).
func (e *Engine) transition(from, to EngineState, apply func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return false
	}
	if apply != nil {
		apply()
	}
	e.state = to
	return true
}

// abortOpen cleans up a failed Open from any pre-Live state.
func (e *Engine) abortOpen() {
	e.mu.Lock()
	cancel := e.cancel
	if e.state != StateClosed {
		e.state = StateClosed
	}
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) notifyEntry(entry Entry) {
	if e.notify != nil {
		e.notify(entry)
	}
}
