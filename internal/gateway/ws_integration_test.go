package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/Gagan-jade/lumina-talk/contracts/chat/v1"
	"github.com/Gagan-jade/lumina-talk/internal/chat"
)

// countingTracker counts offline transitions on top of the in-memory tracker.
type countingTracker struct {
	*chat.MemoryTracker
	offlineCalls atomic.Int32
}

func (t *countingTracker) SetOffline(ctx context.Context, participantID string) error {
	t.offlineCalls.Add(1)
	return t.MemoryTracker.SetOffline(ctx, participantID)
}

func newWSTestGateway(t *testing.T) (*Gateway, *countingTracker) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := chat.NewMemoryStore()
	tracker := &countingTracker{MemoryTracker: chat.NewMemoryTracker()}

	required := false
	gw := New(log, chat.NewResolver(log, store), store, chat.NewMemoryBroadcaster(log),
		tracker, InsecureVerifier{}, Config{
			OriginRequired: &required,
		})
	return gw, tracker
}

func startWSTestServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func dialChatWS(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	return conn
}

func writeWSEnvelope(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "t-" + typ, TS: time.Now().UTC(), Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readWSUntil(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()

	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read waiting for %q: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q in %d reads", typ, maxReads)
	return v1.Envelope{}
}

func helloWS(t *testing.T, conn *websocket.Conn, token string) v1.HelloAckPayload {
	t.Helper()

	writeWSEnvelope(t, conn, v1.TypeHello, v1.HelloPayload{Token: token})
	ack := readWSUntil(t, conn, v1.TypeHelloAck, 4)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		t.Fatalf("decode hello ack: %v", err)
	}
	return p
}

func openWS(t *testing.T, conn *websocket.Conn, peerID string) v1.ConversationReadyPayload {
	t.Helper()

	writeWSEnvelope(t, conn, v1.TypeConversationOpen, v1.ConversationOpenPayload{PeerID: peerID})
	ready := readWSUntil(t, conn, v1.TypeConversationReady, 6)

	var p v1.ConversationReadyPayload
	if err := json.Unmarshal(ready.Payload, &p); err != nil {
		t.Fatalf("decode conversation ready: %v", err)
	}
	return p
}

func TestWSGateway_AbnormalDisconnectFlipsPresenceOffline(t *testing.T) {
	gw, tracker := newWSTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	conn := dialChatWS(t, ts.URL)
	ack := helloWS(t, conn, "casey")
	if ack.ParticipantID != "casey" {
		t.Fatalf("hello ack participant=%q want casey", ack.ParticipantID)
	}

	ctx := context.Background()
	p, err := tracker.Get(ctx, "casey")
	if err != nil || !p.Online {
		t.Fatalf("expected casey online after hello, got %+v err=%v", p, err)
	}

	// Kill the TCP connection without a close frame.
	_ = conn.CloseNow()

	deadline := time.After(3 * time.Second)
	for {
		p, err = tracker.Get(ctx, "casey")
		if err == nil && !p.Online {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("presence never flipped offline, last read: %+v", p)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if p.LastSeen.IsZero() {
		t.Fatal("offline presence must carry a last_seen timestamp")
	}
	if got := tracker.offlineCalls.Load(); got != 1 {
		t.Fatalf("SetOffline called %d times, want exactly 1", got)
	}
}

func TestWSGateway_SecondSessionSeesOwnParticipantsSends(t *testing.T) {
	gw, _ := newWSTestGateway(t)
	ts := startWSTestServer(t, gw)
	defer ts.Close()

	// Two sessions of the same participant, both viewing the same conversation.
	connA := dialChatWS(t, ts.URL)
	defer func() { _ = connA.Close(websocket.StatusNormalClosure, "bye") }()
	connB := dialChatWS(t, ts.URL)
	defer func() { _ = connB.Close(websocket.StatusNormalClosure, "bye") }()

	helloWS(t, connA, "alice")
	helloWS(t, connB, "alice")

	readyA := openWS(t, connA, "bob")
	readyB := openWS(t, connB, "bob")
	if readyA.ConversationID != readyB.ConversationID {
		t.Fatalf("sessions resolved different conversations: %q vs %q",
			readyA.ConversationID, readyB.ConversationID)
	}

	writeWSEnvelope(t, connA, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: readyA.ConversationID,
		ReceiverID:     "bob",
		Content:        "from my laptop",
		IdempotencyKey: "k-multi-1",
	})

	ackEnv := readWSUntil(t, connA, v1.TypeMessageAck, 6)
	var ackP v1.MessageAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ackP); err != nil {
		t.Fatalf("decode message ack: %v", err)
	}
	if ackP.IdempotencyKey != "k-multi-1" {
		t.Fatalf("ack key=%q want k-multi-1", ackP.IdempotencyKey)
	}

	// The second session receives the send as message.new, not just the peer.
	newEnv := readWSUntil(t, connB, v1.TypeMessageNew, 8)
	var newP v1.MessageNewPayload
	if err := json.Unmarshal(newEnv.Payload, &newP); err != nil {
		t.Fatalf("decode message new: %v", err)
	}
	if newP.IdempotencyKey != "k-multi-1" || newP.SenderID != "alice" {
		t.Fatalf("second session got %+v, want alice's send k-multi-1", newP)
	}
}
