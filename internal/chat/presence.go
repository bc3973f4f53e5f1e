package chat

import (
	"context"
	"sync"
	"time"
)

// Tracker maintains each participant's online/offline state and last-active
// timestamp. It is the only writer of Presence records: SetOnline is invoked
// once per session start, SetOffline once per session end, abnormal
// disconnects included.
type Tracker interface {
	SetOnline(ctx context.Context, participantID string) error
	SetOffline(ctx context.Context, participantID string) error
	Get(ctx context.Context, participantID string) (Presence, error)
	// Watch streams presence updates for display purposes. Best effort: slow
	// watchers miss intermediate transitions, never the terminal state order.
	Watch(ctx context.Context) (*PresenceSub, error)
	Close() error
}

// PresenceSub is one presence-change subscription.
type PresenceSub struct {
	mu     sync.Mutex
	events chan Presence
	done   chan struct{}
	ended  bool
}

const presenceSubBuffer = 64

// NewPresenceSub constructs a subscription handle.
func NewPresenceSub() *PresenceSub {
	return &PresenceSub{
		events: make(chan Presence, presenceSubBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the delivery channel; closed when the subscription ends.
func (s *PresenceSub) Events() <-chan Presence { return s.events }

// Done is closed when the subscription has been torn down.
func (s *PresenceSub) Done() <-chan struct{} { return s.done }

// Emit delivers one update without blocking; a full queue drops the update.
func (s *PresenceSub) Emit(p Presence) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.events <- p:
		return true
	default:
		return false
	}
}

// Close terminates the subscription. Idempotent.
func (s *PresenceSub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.done)
	close(s.events)
}

// MemoryTracker is an in-memory Tracker.
type MemoryTracker struct {
	mu       sync.Mutex
	rows     map[string]Presence
	watchers []*PresenceSub

	// now is swappable for tests.
	now func() time.Time
}

// NewMemoryTracker constructs an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		rows: make(map[string]Presence),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetOnline marks the participant online and stamps last_seen.
func (t *MemoryTracker) SetOnline(ctx context.Context, participantID string) error {
	return t.set(ctx, participantID, true)
}

// SetOffline marks the participant offline and stamps last_seen.
func (t *MemoryTracker) SetOffline(ctx context.Context, participantID string) error {
	return t.set(ctx, participantID, false)
}

func (t *MemoryTracker) set(ctx context.Context, participantID string, online bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if participantID == "" {
		return ErrPresenceUpdateFailed
	}

	t.mu.Lock()
	p := Presence{ParticipantID: participantID, Online: online, LastSeen: t.now()}
	t.rows[participantID] = p
	watchers := append([]*PresenceSub(nil), t.watchers...)
	t.mu.Unlock()

	for _, w := range watchers {
		w.Emit(p)
	}
	return nil
}

// Get returns the participant's presence. Unknown participants read as
// offline with a zero last_seen.
func (t *MemoryTracker) Get(ctx context.Context, participantID string) (Presence, error) {
	if err := ctx.Err(); err != nil {
		return Presence{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.rows[participantID]; ok {
		return p, nil
	}
	return Presence{ParticipantID: participantID}, nil
}

// Watch opens a presence-change subscription.
func (t *MemoryTracker) Watch(ctx context.Context) (*PresenceSub, error) {
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
		t.removeWatcher(sub)
	}()

	return sub, nil
}

// Close terminates all watchers.
func (t *MemoryTracker) Close() error {
	t.mu.Lock()
	watchers := t.watchers
	t.watchers = nil
	t.mu.Unlock()
	for _, w := range watchers {
		w.Close()
	}
	return nil
}

func (t *MemoryTracker) removeWatcher(sub *PresenceSub) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, w := range t.watchers {
		if w == sub {
			t.watchers = append(t.watchers[:i], t.watchers[i+1:]...)
			return
		}
	}
}
