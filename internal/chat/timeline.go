package chat

import "sort"

// EntryState tags one timeline entry's delivery state.
type EntryState uint8

const (
	// EntryPending is an optimistic entry shown before persistence confirms.
	EntryPending EntryState = iota
	// EntryConfirmed is backed by a stored message.
	EntryConfirmed
	// EntryFailed is an optimistic entry whose durable insert failed; it is
	// retained and offered for user-triggered retry.
	EntryFailed
)

func (s EntryState) String() string {
	switch s {
	case EntryPending:
		return "pending"
	case EntryConfirmed:
		return "confirmed"
	case EntryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one displayed message with its delivery state.
type Entry struct {
	Message
	State EntryState
}

// Timeline is the reconciled, ordered, deduplicated message sequence for one
// open conversation. It merges the durable feed and the transient broadcast
// into a single view:
//
//   - entries are deduplicated by idempotency key (and by server id once
//     assigned), so a message that arrives on both paths appears once;
//   - confirmed entries are ordered by (created_at, id);
//   - optimistic entries (no server fields yet) sit at the tail in send order
//     and are replaced in place when the persisted copy with the same
//     idempotency key arrives.
//
// Timeline is not safe for concurrent use; the sync engine serializes access.
type Timeline struct {
	confirmed []Entry
	tail      []Entry
	byID      map[string]struct{}
	byKey     map[string]struct{}
}

// NewTimeline constructs an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		byID:  make(map[string]struct{}),
		byKey: make(map[string]struct{}),
	}
}

// Len returns the number of displayed entries.
func (t *Timeline) Len() int { return len(t.confirmed) + len(t.tail) }

// Entries returns the displayed sequence: confirmed order first, then
// optimistic tail. The slice is a copy.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, 0, t.Len())
	out = append(out, t.confirmed...)
	out = append(out, t.tail...)
	return out
}

// ApplyConfirmed reconciles a persisted message into the sequence. It reports
// whether the view changed: a message whose id was already applied is
// discarded, and a pending/failed entry with the same idempotency key is
// replaced in place by the confirmed copy.
func (t *Timeline) ApplyConfirmed(msg Message) bool {
	if msg.ID == "" {
		return false
	}
	if _, dup := t.byID[msg.ID]; dup {
		return false
	}

	if _, ok := t.byKey[msg.IdempotencyKey]; ok && msg.IdempotencyKey != "" {
		t.removeByKey(msg.IdempotencyKey)
	}

	t.byID[msg.ID] = struct{}{}
	if msg.IdempotencyKey != "" {
		t.byKey[msg.IdempotencyKey] = struct{}{}
	}

	entry := Entry{Message: msg, State: EntryConfirmed}
	i := sort.Search(len(t.confirmed), func(i int) bool {
		return msg.Before(t.confirmed[i].Message)
	})
	t.confirmed = append(t.confirmed, Entry{})
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = entry
	return true
}

// ApplyOptimistic shows a not-yet-persisted message at the tail. A key the
// timeline already holds is discarded: the sender's own broadcast echo and
// repeated transient deliveries never double-display.
func (t *Timeline) ApplyOptimistic(msg Message) bool {
	if msg.IdempotencyKey == "" {
		return false
	}
	if _, dup := t.byKey[msg.IdempotencyKey]; dup {
		return false
	}
	t.byKey[msg.IdempotencyKey] = struct{}{}
	t.tail = append(t.tail, Entry{Message: msg, State: EntryPending})
	return true
}

// MarkFailed transitions the optimistic entry with the given key to Failed.
func (t *Timeline) MarkFailed(key string) bool {
	return t.setTailState(key, EntryFailed)
}

// MarkPending transitions a failed entry back to Pending for a retry attempt.
func (t *Timeline) MarkPending(key string) bool {
	return t.setTailState(key, EntryPending)
}

// FindByKey returns the entry holding the given idempotency key.
func (t *Timeline) FindByKey(key string) (Entry, bool) {
	if key == "" {
		return Entry{}, false
	}
	for _, e := range t.tail {
		if e.IdempotencyKey == key {
			return e, true
		}
	}
	for _, e := range t.confirmed {
		if e.IdempotencyKey == key {
			return e, true
		}
	}
	return Entry{}, false
}

// LastConfirmed returns the cursor of the newest confirmed entry,
// the zero cursor when none exist.
func (t *Timeline) LastConfirmed() Cursor {
	if len(t.confirmed) == 0 {
		return Cursor{}
	}
	return CursorOf(t.confirmed[len(t.confirmed)-1].Message)
}

func (t *Timeline) setTailState(key string, state EntryState) bool {
	for i := range t.tail {
		if t.tail[i].IdempotencyKey == key {
			t.tail[i].State = state
			return true
		}
	}
	return false
}

func (t *Timeline) removeByKey(key string) {
	for i := range t.tail {
		if t.tail[i].IdempotencyKey == key {
			t.tail = append(t.tail[:i], t.tail[i+1:]...)
			return
		}
	}
	for i := range t.confirmed {
		if t.confirmed[i].IdempotencyKey == key {
			t.confirmed = append(t.confirmed[:i], t.confirmed[i+1:]...)
			return
		}
	}
}
