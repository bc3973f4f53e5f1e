package chat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolverCommutative(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	r := NewResolver(testLogger(), store)
	ctx := context.Background()

	c1, err := r.Resolve(ctx, Session{SessionID: "s1", ParticipantID: "alice"}, "alice", "bob")
	require.NoError(t, err)
	c2, err := r.Resolve(ctx, Session{SessionID: "s2", ParticipantID: "bob"}, "bob", "alice")
	require.NoError(t, err)

	require.Equal(t, c1.ID, c2.ID)
	require.Equal(t, "alice", c1.ParticipantLow)
	require.Equal(t, "bob", c1.ParticipantHigh)
}

func TestResolverIdempotent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	r := NewResolver(testLogger(), store)
	ctx := context.Background()
	sess := Session{SessionID: "s1", ParticipantID: "alice"}

	first, err := r.Resolve(ctx, sess, "alice", "bob")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := r.Resolve(ctx, sess, "alice", "bob")
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
	}
}

func TestResolverValidation(t *testing.T) {
	t.Parallel()

	r := NewResolver(testLogger(), NewMemoryStore())
	ctx := context.Background()

	cases := []struct {
		name    string
		session Session
		a, b    string
	}{
		{name: "empty participant", session: Session{SessionID: "s1", ParticipantID: "alice"}, a: "", b: "bob"},
		{name: "self pair", session: Session{SessionID: "s1", ParticipantID: "alice"}, a: "alice", b: "alice"},
		{name: "session outside pair", session: Session{SessionID: "s1", ParticipantID: "mallory"}, a: "alice", b: "bob"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := r.Resolve(ctx, tc.session, tc.a, tc.b)
			require.Error(t, err)
		})
	}
}

func TestResolverConcurrentRaceSingleWinner(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	r := NewResolver(testLogger(), store)
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess := Session{SessionID: "s", ParticipantID: "alice"}
			if i%2 == 1 {
				sess.ParticipantID = "bob"
			}
			conv, err := r.Resolve(ctx, sess, sess.ParticipantID, other(sess.ParticipantID))
			require.NoError(t, err)
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Equal(t, ids[0], ids[i], "racing resolvers must converge on one conversation")
	}
}

func other(p string) string {
	if p == "alice" {
		return "bob"
	}
	return "alice"
}
