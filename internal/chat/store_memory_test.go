package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seedConversation(t *testing.T, store *MemoryStore) Conversation {
	t.Helper()
	conv, err := store.Create(context.Background(), "alice", "bob", time.Now().UTC())
	require.NoError(t, err)
	return conv
}

func mustInsert(t *testing.T, store *MemoryStore, convID, sender, content, key string, now time.Time) Message {
	t.Helper()
	msg, err := store.Insert(context.Background(), InsertMessageInput{
		ConversationID: convID,
		SenderID:       sender,
		ReceiverID:     other(sender),
		Content:        content,
		IdempotencyKey: key,
		Now:            now,
	})
	require.NoError(t, err)
	return msg
}

func recvMsg(t *testing.T, sub *FeedSub) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Events():
		require.True(t, ok, "feed ended: %v", sub.Err())
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed event")
		return Message{}
	}
}

func TestMemoryStoreInsertValidation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	conv := seedConversation(t, store)
	ctx := context.Background()

	cases := []struct {
		name string
		in   InsertMessageInput
	}{
		{name: "whitespace content", in: InsertMessageInput{ConversationID: conv.ID, SenderID: "alice", Content: "   \t", IdempotencyKey: "k1"}},
		{name: "missing conversation", in: InsertMessageInput{SenderID: "alice", Content: "hi", IdempotencyKey: "k1"}},
		{name: "missing sender", in: InsertMessageInput{ConversationID: conv.ID, Content: "hi", IdempotencyKey: "k1"}},
		{name: "missing idempotency key", in: InsertMessageInput{ConversationID: conv.ID, SenderID: "alice", Content: "hi"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := store.Insert(ctx, tc.in)
			require.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestMemoryStoreInsertIdempotentReplay(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	conv := seedConversation(t, store)
	now := time.Now().UTC()

	first := mustInsert(t, store, conv.ID, "alice", "hello", "k1", now)
	replay := mustInsert(t, store, conv.ID, "alice", "hello", "k1", now.Add(time.Second))

	require.Equal(t, first.ID, replay.ID)
	require.Equal(t, first.CreatedAt, replay.CreatedAt)

	res, err := store.Query(context.Background(), QueryInput{ConversationID: conv.ID})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1, "replay must not create a second row")
}

func TestMemoryStoreQueryOrderAndPaging(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	conv := seedConversation(t, store)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var want []string
	for i := 0; i < 5; i++ {
		m := mustInsert(t, store, conv.ID, "alice", "msg", NewIdempotencyKey(), base.Add(time.Duration(i)*time.Second))
		want = append(want, m.ID)
	}

	var got []string
	cursor := Cursor{}
	for {
		res, err := store.Query(context.Background(), QueryInput{ConversationID: conv.ID, After: cursor, Limit: 2})
		require.NoError(t, err)
		for _, m := range res.Messages {
			got = append(got, m.ID)
		}
		if !res.HasMore {
			break
		}
		cursor = CursorOf(res.Messages[len(res.Messages)-1])
	}

	require.Equal(t, want, got, "paged walk must preserve (created_at, id) order with no gaps")
}

func TestMemoryStoreSubscribeLive(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	conv := seedConversation(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := store.Subscribe(ctx, conv.ID, Cursor{})
	require.NoError(t, err)

	sent := mustInsert(t, store, conv.ID, "alice", "hello", "k1", time.Now().UTC())
	got := recvMsg(t, sub)
	require.Equal(t, sent.ID, got.ID)
}

func TestMemoryStoreSubscribeZeroCursorTailOnly(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	conv := seedConversation(t, store)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	mustInsert(t, store, conv.ID, "alice", "before", "k1", base)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Zero cursor: no replay of stored history, only later inserts arrive.
	sub, err := store.Subscribe(ctx, conv.ID, Cursor{})
	require.NoError(t, err)

	after := mustInsert(t, store, conv.ID, "bob", "after", "k2", base.Add(time.Second))
	require.Equal(t, after.ID, recvMsg(t, sub).ID)
}

func TestMemoryStoreSubscribeResumeNoGap(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	conv := seedConversation(t, store)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	m1 := mustInsert(t, store, conv.ID, "alice", "one", "k1", base)
	m2 := mustInsert(t, store, conv.ID, "bob", "two", "k2", base.Add(time.Second))
	m3 := mustInsert(t, store, conv.ID, "alice", "three", "k3", base.Add(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resume after m1: the replay covers m2 and m3, then live delivery continues.
	sub, err := store.Subscribe(ctx, conv.ID, CursorOf(m1))
	require.NoError(t, err)

	require.Equal(t, m2.ID, recvMsg(t, sub).ID)
	require.Equal(t, m3.ID, recvMsg(t, sub).ID)

	m4 := mustInsert(t, store, conv.ID, "bob", "four", "k4", base.Add(3*time.Second))
	require.Equal(t, m4.ID, recvMsg(t, sub).ID)
}

func TestMemoryStoreSubscribeCancelEndsFeed(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	conv := seedConversation(t, store)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := store.Subscribe(ctx, conv.ID, Cursor{})
	require.NoError(t, err)

	cancel()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end after context cancel")
	}
}
