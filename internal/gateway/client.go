package gateway

import (
	"sync"

	v1 "github.com/Gagan-jade/lumina-talk/contracts/chat/v1"
	"github.com/Gagan-jade/lumina-talk/internal/chat"
)

// Client holds the per-connection session state shared between the read
// loop, the writer and heartbeat goroutines, and the shutdown path. All
// mutable state is guarded by one mutex so a shutdown triggered from the
// heartbeat or writer goroutine observes the read loop's latest writes.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent producers.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	mu            sync.Mutex
	participantID string
	identified    bool
	engine        *chat.Engine
	sentKeys      map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		sentKeys:  make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

// SetIdentity records the verified participant after a successful hello.
func (c *Client) SetIdentity(participantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participantID = participantID
	c.identified = true
}

// Identity returns the verified participant id and whether hello completed.
func (c *Client) Identity() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID, c.identified
}

// ParticipantID returns the verified participant id, empty before hello.
func (c *Client) ParticipantID() string {
	id, _ := c.Identity()
	return id
}

// SetEngine installs the engine for the newly opened conversation.
func (c *Client) SetEngine(eng *chat.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine = eng
}

// Engine returns the engine for the currently open conversation, nil if none.
func (c *Client) Engine() *chat.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// DetachEngine removes and returns the current engine so exactly one caller
// closes it, even when the read loop and a shutdown race on a conversation
// switch.
func (c *Client) DetachEngine() *chat.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	eng := c.engine
	c.engine = nil
	return eng
}

// MarkSent records an idempotency key this session originated. Entries
// bearing a marked key are acknowledged by the send handler instead of being
// delivered as message.new.
func (c *Client) MarkSent(idempotencyKey string) {
	if idempotencyKey == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentKeys[idempotencyKey] = struct{}{}
}

// Sent reports whether this session originated the given idempotency key.
func (c *Client) Sent(idempotencyKey string) bool {
	if idempotencyKey == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sentKeys[idempotencyKey]
	return ok
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep concurrent enqueues safe.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
