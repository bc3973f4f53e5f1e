package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Gagan-jade/lumina-talk/internal/metrics"
)

const (
	redisChannelPrefix  = "lumina.chat.v1."
	redisPublishTimeout = 2 * time.Second
)

// RedisBroadcaster is a Broadcaster backed by Redis pub/sub, for deployments
// where conversation participants may be connected to different gateway
// instances. Same contract as MemoryBroadcaster: no persistence, no resume,
// drop on failure.
type RedisBroadcaster struct {
	log    *slog.Logger
	client *redis.Client
}

// NewRedisBroadcaster constructs a Redis-backed broadcaster from url
// (redis:// form) and verifies connectivity.
func NewRedisBroadcaster(ctx context.Context, log *slog.Logger, url string) (*RedisBroadcaster, error) {
	if log == nil {
		log = slog.Default()
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisBroadcaster{log: log, client: client}, nil
}

// Publish sends env to the conversation's channel in the background.
// Failures are logged and counted; the caller's send path is never blocked
// or failed (delivery degrades to the durable feed).
func (b *RedisBroadcaster) Publish(_ context.Context, env BroadcastEnvelope) {
	if env.ConversationID == "" {
		return
	}

	payload, err := json.Marshal(env)
	if err != nil {
		b.log.Warn("broadcast.publish.marshal.fail", "err", err)
		metrics.BroadcastDropped.Inc()
		return
	}

	// Detached context: publishing outlives the caller's request scope and
	// must not block it.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
		defer cancel()

		if err := b.client.Publish(ctx, redisChannelPrefix+env.ConversationID, payload).Err(); err != nil {
			b.log.Warn("broadcast.publish.fail",
				"conversation_id", env.ConversationID, "err", err)
			metrics.BroadcastDropped.Inc()
		}
	}()
}

// Subscribe opens a best-effort stream for conversationID.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, conversationID string) (*FeedSub, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, ErrInvalidMessage
	}

	pubsub := b.client.Subscribe(ctx, redisChannelPrefix+conversationID)
	sub := NewFeedSub()

	go func() {
		defer func() { _ = pubsub.Close() }()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case <-sub.Done():
				return
			case m, ok := <-ch:
				if !ok {
					sub.Close()
					return
				}
				var env BroadcastEnvelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					b.log.Warn("broadcast.recv.unmarshal.fail", "err", err)
					continue
				}
				if !sub.Emit(env.Message()) {
					metrics.BroadcastDropped.Inc()
				}
			}
		}
	}()

	return sub, nil
}

// Close closes the underlying Redis client.
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
