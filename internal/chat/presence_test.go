package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryTrackerSetAndGet(t *testing.T) {
	t.Parallel()

	tr := NewMemoryTracker()
	defer func() { _ = tr.Close() }()
	ctx := context.Background()

	stamp := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return stamp }

	require.NoError(t, tr.SetOnline(ctx, "alice"))

	p, err := tr.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, p.Online)
	require.Equal(t, stamp, p.LastSeen)

	stamp = stamp.Add(time.Minute)
	require.NoError(t, tr.SetOffline(ctx, "alice"))

	p, err = tr.Get(ctx, "alice")
	require.NoError(t, err)
	require.False(t, p.Online)
	require.Equal(t, stamp, p.LastSeen, "offline transition stamps last_seen")
}

func TestMemoryTrackerUnknownParticipantReadsOffline(t *testing.T) {
	t.Parallel()

	tr := NewMemoryTracker()
	defer func() { _ = tr.Close() }()

	p, err := tr.Get(context.Background(), "nobody")
	require.NoError(t, err)
	require.False(t, p.Online)
	require.True(t, p.LastSeen.IsZero())
}

func TestMemoryTrackerRejectsEmptyParticipant(t *testing.T) {
	t.Parallel()

	tr := NewMemoryTracker()
	defer func() { _ = tr.Close() }()

	require.ErrorIs(t, tr.SetOnline(context.Background(), ""), ErrPresenceUpdateFailed)
}

func TestMemoryTrackerWatch(t *testing.T) {
	t.Parallel()

	tr := NewMemoryTracker()
	defer func() { _ = tr.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := tr.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.SetOnline(ctx, "alice"))

	select {
	case p := <-sub.Events():
		require.Equal(t, "alice", p.ParticipantID)
		require.True(t, p.Online)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence update")
	}
}
