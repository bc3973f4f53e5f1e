package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Gagan-jade/lumina-talk/internal/metrics"
)

// PostgresTracker is a Tracker backed by PostgreSQL. One row per participant,
// upserted on every transition. Watch is served by an in-process fanout of
// the updates written through this instance.
//
// The pool is owned by the caller; Close only tears down watchers.
type PostgresTracker struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	schema string

	mu       sync.Mutex
	watchers []*PresenceSub
}

// NewPostgresTracker constructs a Postgres-backed presence tracker.
func NewPostgresTracker(log *slog.Logger, pool *pgxpool.Pool, schema string) (*PostgresTracker, error) {
	if log == nil {
		log = slog.Default()
	}
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	if schema == "" {
		schema = "lumina"
	}
	if !isValidPGIdent(schema) {
		return nil, errors.New("chat: invalid schema identifier")
	}
	return &PostgresTracker{log: log, pool: pool, schema: schema}, nil
}

// SetOnline marks the participant online and stamps last_seen.
func (t *PostgresTracker) SetOnline(ctx context.Context, participantID string) error {
	return t.set(ctx, participantID, true)
}

// SetOffline marks the participant offline and stamps last_seen.
func (t *PostgresTracker) SetOffline(ctx context.Context, participantID string) error {
	return t.set(ctx, participantID, false)
}

func (t *PostgresTracker) set(ctx context.Context, participantID string, online bool) error {
	if participantID == "" {
		return ErrPresenceUpdateFailed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	presence := pgIdent(t.schema, "presence")

	_, err := t.pool.Exec(ctx,
		`INSERT INTO `+presence+` (participant_id, online, last_seen)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (participant_id) DO UPDATE
		    SET online = EXCLUDED.online, last_seen = EXCLUDED.last_seen`,
		participantID, online, now,
	)
	if err != nil {
		metrics.PresenceWriteFailures.Inc()
		return fmt.Errorf("presence upsert: %v: %w", err, ErrPresenceUpdateFailed)
	}

	p := Presence{ParticipantID: participantID, Online: online, LastSeen: now}

	t.mu.Lock()
	watchers := append([]*PresenceSub(nil), t.watchers...)
	t.mu.Unlock()
	for _, w := range watchers {
		w.Emit(p)
	}
	return nil
}

// Get returns the participant's presence row. Unknown participants read as
// offline with a zero last_seen.
func (t *PostgresTracker) Get(ctx context.Context, participantID string) (Presence, error) {
	if err := ctx.Err(); err != nil {
		return Presence{}, err
	}

	presence := pgIdent(t.schema, "presence")

	var p Presence
	err := t.pool.QueryRow(ctx,
		`SELECT participant_id, online, last_seen FROM `+presence+` WHERE participant_id = $1`,
		participantID,
	).Scan(&p.ParticipantID, &p.Online, &p.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return Presence{ParticipantID: participantID}, nil
	}
	if err != nil {
		return Presence{}, wrapStoreErr("presence get", err)
	}
	return p, nil
}

// Watch opens a presence-change subscription fed by this instance's writes.
func (t *PostgresTracker) Watch(ctx context.Context) (*PresenceSub, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := NewPresenceSub()

	t.mu.Lock()
	t.watchers = append(t.watchers, sub)
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
		t.mu.Lock()
		for i, w := range t.watchers {
			if w == sub {
				t.watchers = append(t.watchers[:i], t.watchers[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
	}()

	return sub, nil
}

// Close terminates all watchers; the pool stays open (caller-owned).
func (t *PostgresTracker) Close() error {
	t.mu.Lock()
	watchers := t.watchers
	t.watchers = nil
	t.mu.Unlock()
	for _, w := range watchers {
		w.Close()
	}
	return nil
}
