package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/samber/lo"

	v1 "github.com/Gagan-jade/lumina-talk/contracts/chat/v1"
	"github.com/Gagan-jade/lumina-talk/internal/chat"
	"github.com/Gagan-jade/lumina-talk/internal/metrics"
)

const (
	wsSubprotocolV1 = "lumina.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsDefaultHistoryLimit = 50
	wsMaxHistoryLimit     = 200

	wsMaxPingFailures = 3

	wsPresenceWriteTimeout = 2 * time.Second

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
)

var wsDefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// Config tunes one gateway instance. Zero values fall back to secure defaults.
type Config struct {
	OriginRequired *bool
	AllowedOrigins []string

	// DevInsecure skips TLS origin verification in websocket.Accept.
	// Dev-only knob, not an origin policy.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	Engine chat.EngineConfig
}

func (c *Config) defaults() {
	if c.OriginRequired == nil {
		v := wsDefaultOriginRequired
		c.OriginRequired = &v
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = wsDefaultAllowedOrigins
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
}

// Gateway is the WebSocket entrypoint for the chat subsystem.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// authenticates sessions, tracks presence, and runs one sync engine per
// open conversation, bridging its timeline onto the wire.
type Gateway struct {
	log      *slog.Logger
	resolver *chat.Resolver
	store    chat.MessageStore
	bcast    chat.Broadcaster
	presence chat.Tracker
	verifier TokenVerifier

	cfg Config

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// New constructs a gateway with secure defaults.
func New(log *slog.Logger, resolver *chat.Resolver, store chat.MessageStore,
	bcast chat.Broadcaster, presence chat.Tracker, verifier TokenVerifier, cfg Config) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg.defaults()

	return &Gateway{
		log:            log,
		resolver:       resolver,
		store:          store,
		bcast:          bcast,
		presence:       presence,
		verifier:       verifier,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the chat loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := uuid.NewString()
	client := NewClient(sessionID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent and may run on the writer or heartbeat goroutine;
	// the session state it reads lives behind the client's mutex so no stale
	// value can skip the offline write or leak a live engine. It does NOT close
	// client.Send.
	// Presence invariant: exactly one SetOffline per established session,
	// abnormal disconnects included. The offline write uses a fresh context
	// because the request context is already canceled on most paths here.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if eng := client.DetachEngine(); eng != nil {
				eng.Close()
			}
			if participantID, ok := client.Identity(); ok {
				offCtx, offCancel := context.WithTimeout(context.Background(), wsPresenceWriteTimeout)
				if err := g.presence.SetOffline(offCtx, participantID); err != nil {
					metrics.PresenceWriteFailures.Inc()
					g.log.Warn("ws.presence.offline.fail", "participant_id", participantID, "err", err)
				}
				offCancel()
				metrics.ActiveSessions.Dec()
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if _, ok := client.Identity(); ok {
				g.trySendError(ctx, client, "already_identified", "hello already accepted")
				continue readLoop
			}
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeConversationOpen:
			if _, ok := client.Identity(); !ok {
				g.trySendError(ctx, client, "not_identified", "hello first")
				continue readLoop
			}

			// One engine per connection: the previous conversation is fully
			// closed before the next one starts resolving.
			if prev := client.DetachEngine(); prev != nil {
				prev.Close()
			}
			next, err := g.onOpen(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, "open_failed", err.Error())
				continue readLoop
			}
			client.SetEngine(next)
			// A shutdown that raced the open has already detached; close the
			// engine it could not see.
			select {
			case <-client.Done():
				if eng := client.DetachEngine(); eng != nil {
					eng.Close()
				}
			default:
			}

		case v1.TypeMessageSend:
			engine := client.Engine()
			if engine == nil {
				g.trySendError(ctx, client, "no_conversation", "open a conversation first")
				continue readLoop
			}
			if err := g.onMessageSend(ctx, client, engine, env, now); err != nil {
				g.trySendError(ctx, client, "send_failed", err.Error())
				continue readLoop
			}

		case v1.TypeHistoryFetch:
			engine := client.Engine()
			if engine == nil {
				g.trySendError(ctx, client, "no_conversation", "open a conversation first")
				continue readLoop
			}
			if err := g.onHistoryFetch(ctx, client, engine, env); err != nil {
				g.trySendError(ctx, client, "history_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	participantID, err := g.verifier.Verify(p.Token)
	if err != nil {
		return err
	}
	// Identity and the session gauge flip together: shutdown pairs the
	// decrement (and the offline write) with this flag.
	client.SetIdentity(participantID)
	metrics.ActiveSessions.Inc()

	if err := g.presence.SetOnline(ctx, participantID); err != nil {
		return fmt.Errorf("presence online: %w", err)
	}

	go g.presencePump(ctx, client)

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		SessionID:     client.SessionID,
		ParticipantID: participantID,
	})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello.ack")
	}

	g.log.Info("ws.hello", "session_id", client.SessionID, "participant_id", participantID)
	return nil
}

func (g *Gateway) onOpen(ctx context.Context, client *Client, env v1.Envelope) (*chat.Engine, error) {
	var p v1.ConversationOpenPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	peerID := strings.TrimSpace(p.PeerID)
	if peerID == "" {
		return nil, errors.New("missing peer_id")
	}

	session := chat.Session{SessionID: client.SessionID, ParticipantID: client.ParticipantID()}
	engine := chat.NewEngine(g.log, g.resolver, g.store, g.bcast, session, peerID, g.cfg.Engine)
	engine.OnEntry(func(e chat.Entry) { g.deliverEntry(ctx, client, e) })

	if err := engine.Open(ctx); err != nil {
		engine.Close()
		return nil, err
	}

	conv := engine.Conversation()
	readyPayload, _ := json.Marshal(v1.ConversationReadyPayload{
		ConversationID:  conv.ID,
		ParticipantLow:  conv.ParticipantLow,
		ParticipantHigh: conv.ParticipantHigh,
		CreatedAt:       conv.CreatedAt,
	})
	ready := newEnvelope(v1.TypeConversationReady, readyPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, ready) {
		engine.Close()
		return nil, errors.New("backpressure: conversation.ready")
	}

	return engine, nil
}

func (g *Gateway) onMessageSend(ctx context.Context, client *Client, engine *chat.Engine, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	conv := engine.Conversation()
	if strings.TrimSpace(p.ConversationID) == "" || p.ConversationID != conv.ID {
		return errors.New("invalid conversation_id")
	}
	if strings.TrimSpace(p.IdempotencyKey) == "" {
		return errors.New("missing idempotency_key")
	}

	content := strings.TrimSpace(p.Content)
	if content == "" {
		return errors.New("empty content")
	}
	if len([]rune(content)) > maxContentChars {
		return fmt.Errorf("message too long: max=%d chars", maxContentChars)
	}

	// Mark before the send so the entry notification that fires during
	// SendKeyed is recognized as this session's own.
	client.MarkSent(p.IdempotencyKey)

	entry, err := engine.SendKeyed(ctx, content, p.IdempotencyKey)
	if err != nil {
		return err
	}

	if entry.State == chat.EntryConfirmed {
		ackPayload, _ := json.Marshal(v1.MessageAckPayload{
			ConversationID: entry.ConversationID,
			IdempotencyKey: entry.IdempotencyKey,
			MessageID:      entry.ID,
			CreatedAt:      entry.CreatedAt,
		})
		ack := newEnvelope(v1.TypeMessageAck, ackPayload, now)
		if !g.enqueue(ctx, client, ack) {
			return errors.New("backpressure: ack")
		}
	}
	return nil
}

func (g *Gateway) onHistoryFetch(ctx context.Context, client *Client, engine *chat.Engine, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	conv := engine.Conversation()
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}
	if convID != conv.ID {
		return errors.New("not a participant of conversation_id")
	}

	limit := p.Limit
	if limit <= 0 {
		limit = wsDefaultHistoryLimit
	}
	if limit > wsMaxHistoryLimit {
		limit = wsMaxHistoryLimit
	}

	out, err := g.store.Query(ctx, chat.QueryInput{
		ConversationID: convID,
		After:          chat.Cursor{CreatedAt: p.AfterTS, ID: p.AfterID},
		Limit:          limit,
	})
	if err != nil {
		return err
	}

	msgs := lo.Map(out.Messages, func(m chat.Message, _ int) v1.MessageNewPayload {
		return v1.MessageNewPayload{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			ReceiverID:     m.ReceiverID,
			Content:        m.Content,
			IdempotencyKey: m.IdempotencyKey,
			CreatedAt:      m.CreatedAt,
		}
	})

	chunkPayload, _ := json.Marshal(v1.HistoryChunkPayload{
		ConversationID: convID,
		Messages:       msgs,
		HasMore:        out.HasMore,
	})
	chunk := newEnvelope(v1.TypeHistoryChunk, chunkPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, chunk) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

// deliverEntry bridges timeline changes onto the wire. Sends this session
// originated are acknowledged synchronously by the send handler; everything
// else is forwarded, including messages the same participant sent from
// another session.
func (g *Gateway) deliverEntry(ctx context.Context, client *Client, e chat.Entry) {
	if client.Sent(e.IdempotencyKey) {
		return
	}
	switch e.State {
	case chat.EntryPending, chat.EntryConfirmed:
		payload, _ := json.Marshal(v1.MessageNewPayload{
			MessageID:      e.ID,
			ConversationID: e.ConversationID,
			SenderID:       e.SenderID,
			ReceiverID:     e.ReceiverID,
			Content:        e.Content,
			IdempotencyKey: e.IdempotencyKey,
			CreatedAt:      e.CreatedAt,
		})
		env := newEnvelope(v1.TypeMessageNew, payload, time.Now().UTC())
		_ = g.enqueue(ctx, client, env)
	}
}

// presencePump forwards presence transitions to the client until the
// connection winds down.
func (g *Gateway) presencePump(ctx context.Context, client *Client) {
	sub, err := g.presence.Watch(ctx)
	if err != nil {
		g.log.Warn("ws.presence.watch.fail", "session_id", client.SessionID, "err", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case p, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, _ := json.Marshal(v1.PresenceUpdatePayload{
				ParticipantID: p.ParticipantID,
				Online:        p.Online,
				LastSeen:      p.LastSeen,
			})
			env := newEnvelope(v1.TypePresenceUpdate, payload, time.Now().UTC())
			_ = g.enqueue(ctx, client, env)
		}
	}
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired != nil && *g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Keep it strict: only hosts from the allowlist.
	hosts := lo.FilterMap(allowed, func(a string, _ int) (string, bool) {
		h := originHostOnly(a)
		return h, h != "" && h != "*"
	})
	hosts = lo.Uniq(hosts)
	sort.Strings(hosts)
	return hosts
}
