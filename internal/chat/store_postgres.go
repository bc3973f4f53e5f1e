package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Gagan-jade/lumina-talk/internal/metrics"
)

const pgUniqueViolation = "23505"

// PostgresStore is a MessageStore + ConversationStore backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close only stops the store's own feed goroutines.
//
// Change feed: implemented as resumable polling keyed by the last observed
// (created_at, id) cursor, so reconnects replay without gaps and never reload
// the full history.
type PostgresStore struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	schema string

	pollInterval time.Duration
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "lumina").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPollInterval sets the change-feed poll interval (default: 500ms).
func WithPollInterval(d time.Duration) PostgresOption {
	return func(s *PostgresStore) error {
		if d <= 0 {
			return errors.New("chat: non-positive poll interval")
		}
		s.pollInterval = d
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(log *slog.Logger, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	if log == nil {
		log = slog.Default()
	}
	st := &PostgresStore{
		log:          log,
		pool:         pool,
		schema:       "lumina",
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op for pool resources; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// ---- ConversationStore ----

// FindByPair returns the conversation for a canonical pair.
func (s *PostgresStore) FindByPair(ctx context.Context, low, high string) (Conversation, error) {
	conversations := pgIdent(s.schema, "conversations")

	var conv Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, participant_low, participant_high, created_at
		   FROM `+conversations+`
		  WHERE participant_low = $1 AND participant_high = $2`,
		low, high,
	).Scan(&conv.ID, &conv.ParticipantLow, &conv.ParticipantHigh, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, wrapStoreErr("find pair", err)
	}
	return conv, nil
}

// Create inserts a conversation for a canonical pair. A concurrent creation
// race is reported as ErrConversationExists via the unique constraint on
// (participant_low, participant_high).
func (s *PostgresStore) Create(ctx context.Context, low, high string, now time.Time) (Conversation, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := NewConversationID(now)
	if err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+conversations+` (id, participant_low, participant_high, created_at)
		 VALUES ($1, $2, $3, $4)`,
		id, low, high, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Conversation{}, ErrConversationExists
		}
		return Conversation{}, wrapStoreErr("create conversation", err)
	}

	return Conversation{ID: id, ParticipantLow: low, ParticipantHigh: high, CreatedAt: now}, nil
}

// ---- MessageStore ----

// Insert appends a message. Idempotent per (conversation_id, idempotency_key):
// a replay returns the already-stored row unchanged.
func (s *PostgresStore) Insert(ctx context.Context, in InsertMessageInput) (Message, error) {
	if in.ConversationID == "" || in.SenderID == "" || in.IdempotencyKey == "" {
		return Message{}, ErrInvalidMessage
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Message{}, ErrInvalidMessage
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")

	ct, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, sender_id, receiver_id, content, idempotency_key, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (conversation_id, idempotency_key) DO NOTHING`,
		id, in.ConversationID, in.SenderID, in.ReceiverID, content, in.IdempotencyKey, now,
	)
	if err != nil {
		return Message{}, wrapStoreErr("insert message", err)
	}

	if ct.RowsAffected() == 0 {
		// Idempotent replay: return the row stored by the first attempt.
		existing, err := s.findByIdempotencyKey(ctx, in.ConversationID, in.IdempotencyKey)
		if err != nil {
			return Message{}, wrapStoreErr("read duplicate", err)
		}
		metrics.DuplicatesSuppressed.Inc()
		return existing, nil
	}

	metrics.MessagesStored.Inc()
	return Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        content,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
	}, nil
}

// Query returns messages ordered by (created_at, id) ascending with cursor paging.
func (s *PostgresStore) Query(ctx context.Context, in QueryInput) (QueryResult, error) {
	if in.ConversationID == "" {
		return QueryResult{}, ErrInvalidMessage
	}
	if err := ctx.Err(); err != nil {
		return QueryResult{}, err
	}

	limit := clampLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.After.IsZero() {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, receiver_id, content, idempotency_key, created_at
			   FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY created_at ASC, id ASC
			  LIMIT $2`,
			in.ConversationID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, receiver_id, content, idempotency_key, created_at
			   FROM `+messages+`
			  WHERE conversation_id = $1
			    AND (created_at, id) > ($2, $3)
			  ORDER BY created_at ASC, id ASC
			  LIMIT $4`,
			in.ConversationID, in.After.CreatedAt, in.After.ID, fetch,
		)
	}
	if err != nil {
		return QueryResult{}, wrapStoreErr("query", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID,
			&m.Content, &m.IdempotencyKey, &m.CreatedAt,
		); err != nil {
			return QueryResult{}, wrapStoreErr("scan", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, wrapStoreErr("rows", err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return QueryResult{Messages: msgs, HasMore: hasMore}, nil
}

// Subscribe opens a polling change feed resuming after the given cursor.
// A zero cursor is pinned to the newest stored row before the feed starts,
// so only later inserts are delivered. The feed ends when ctx is cancelled
// or after repeated poll failures; the caller reopens it with the last
// observed cursor.
func (s *PostgresStore) Subscribe(ctx context.Context, conversationID string, resumeAfter Cursor) (*FeedSub, error) {
	if conversationID == "" {
		return nil, ErrInvalidMessage
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := resumeAfter
	if start.IsZero() {
		latest, err := s.latestCursor(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		start = latest
	}

	sub := NewFeedSub()

	go func() {
		const maxPollFailures = 5

		cursor := start
		failures := 0

		t := time.NewTicker(s.pollInterval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case <-sub.Done():
				return
			case <-t.C:
			}

			res, err := s.Query(ctx, QueryInput{
				ConversationID: conversationID,
				After:          cursor,
				Limit:          200,
			})
			if err != nil {
				if ctx.Err() != nil {
					sub.Close()
					return
				}
				failures++
				s.log.Warn("store.feed.poll.fail",
					"conversation_id", conversationID, "failures", failures, "err", err)
				if failures >= maxPollFailures {
					sub.Fail(fmt.Errorf("feed poll: %w", ErrStoreUnavailable))
					return
				}
				continue
			}
			failures = 0

			for _, msg := range res.Messages {
				if !sub.Emit(msg) {
					sub.Fail(ErrFeedLagged)
					return
				}
				cursor = CursorOf(msg)
			}
		}
	}()

	return sub, nil
}

// latestCursor returns the cursor of the newest stored message, the zero
// cursor for an empty conversation.
func (s *PostgresStore) latestCursor(ctx context.Context, conversationID string) (Cursor, error) {
	messages := pgIdent(s.schema, "messages")

	var cur Cursor
	err := s.pool.QueryRow(ctx,
		`SELECT id, created_at
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT 1`,
		conversationID,
	).Scan(&cur.ID, &cur.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, wrapStoreErr("latest cursor", err)
	}
	return cur, nil
}

func (s *PostgresStore) findByIdempotencyKey(ctx context.Context, conversationID, key string) (Message, error) {
	messages := pgIdent(s.schema, "messages")

	var m Message
	err := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, sender_id, receiver_id, content, idempotency_key, created_at
		   FROM `+messages+`
		  WHERE conversation_id = $1 AND idempotency_key = $2`,
		conversationID, key,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IdempotencyKey, &m.CreatedAt)
	return m, err
}

// wrapStoreErr tags infrastructure failures as ErrStoreUnavailable so callers
// can degrade to a retryable state without inspecting driver errors.
func wrapStoreErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrStoreUnavailable)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
