package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func confirmedMsg(id, key string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "hi",
		IdempotencyKey: key,
		CreatedAt:      at,
	}
}

func TestTimelineOptimisticReplacedByConfirmed(t *testing.T) {
	t.Parallel()

	tl := NewTimeline()
	now := time.Now().UTC()

	optimistic := Message{ConversationID: "c1", SenderID: "alice", Content: "hi", IdempotencyKey: "k1"}
	require.True(t, tl.ApplyOptimistic(optimistic))
	require.Equal(t, 1, tl.Len())

	require.True(t, tl.ApplyConfirmed(confirmedMsg("m1", "k1", now)))

	entries := tl.Entries()
	require.Len(t, entries, 1, "confirmed copy replaces the optimistic entry in place")
	require.Equal(t, EntryConfirmed, entries[0].State)
	require.Equal(t, "m1", entries[0].ID)
}

func TestTimelineDuplicateSuppression(t *testing.T) {
	t.Parallel()

	tl := NewTimeline()
	now := time.Now().UTC()

	require.True(t, tl.ApplyConfirmed(confirmedMsg("m1", "k1", now)))
	require.False(t, tl.ApplyConfirmed(confirmedMsg("m1", "k1", now)), "same id applied twice")
	require.False(t, tl.ApplyOptimistic(Message{IdempotencyKey: "k1"}), "broadcast echo after confirm")
	require.Equal(t, 1, tl.Len())
}

func TestTimelineSenderEchoDeduped(t *testing.T) {
	t.Parallel()

	tl := NewTimeline()

	require.True(t, tl.ApplyOptimistic(Message{IdempotencyKey: "k1", Content: "hi"}))
	// The sender's own transient copy comes back from the broadcast.
	require.False(t, tl.ApplyOptimistic(Message{IdempotencyKey: "k1", Content: "hi"}))
	require.Equal(t, 1, tl.Len())
}

func TestTimelineConfirmedOrdering(t *testing.T) {
	t.Parallel()

	tl := NewTimeline()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Applied out of order; same-timestamp pair tie-broken by id.
	require.True(t, tl.ApplyConfirmed(confirmedMsg("m3", "k3", base.Add(time.Second))))
	require.True(t, tl.ApplyConfirmed(confirmedMsg("m2", "k2", base)))
	require.True(t, tl.ApplyConfirmed(confirmedMsg("m1", "k1", base)))

	entries := tl.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "m1", entries[0].ID)
	require.Equal(t, "m2", entries[1].ID)
	require.Equal(t, "m3", entries[2].ID)
}

func TestTimelineFailedAndRetry(t *testing.T) {
	t.Parallel()

	tl := NewTimeline()

	require.True(t, tl.ApplyOptimistic(Message{IdempotencyKey: "k1", Content: "hi"}))
	require.True(t, tl.MarkFailed("k1"))

	entry, ok := tl.FindByKey("k1")
	require.True(t, ok)
	require.Equal(t, EntryFailed, entry.State)

	require.True(t, tl.MarkPending("k1"))
	entry, ok = tl.FindByKey("k1")
	require.True(t, ok)
	require.Equal(t, EntryPending, entry.State)

	require.False(t, tl.MarkFailed("missing"))
}

func TestTimelineLastConfirmed(t *testing.T) {
	t.Parallel()

	tl := NewTimeline()
	require.True(t, tl.LastConfirmed().IsZero())

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tl.ApplyConfirmed(confirmedMsg("m1", "k1", base))
	tl.ApplyConfirmed(confirmedMsg("m2", "k2", base.Add(time.Second)))

	cur := tl.LastConfirmed()
	require.Equal(t, "m2", cur.ID)
	require.Equal(t, base.Add(time.Second), cur.CreatedAt)
}
