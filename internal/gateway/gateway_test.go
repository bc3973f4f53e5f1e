package gateway

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	v1 "github.com/Gagan-jade/lumina-talk/contracts/chat/v1"
	"github.com/Gagan-jade/lumina-talk/internal/chat"
)

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	required := true
	g := New(nil, nil, nil, nil, nil, InsecureVerifier{}, Config{
		OriginRequired: &required,
		AllowedOrigins: []string{"http://localhost", "https://app.example.com"},
	})

	cases := []struct {
		name   string
		origin string
		ok     bool
	}{
		{name: "missing origin", origin: "", ok: false},
		{name: "exact match", origin: "http://localhost", ok: true},
		{name: "host match ignoring port", origin: "http://localhost:5173", ok: true},
		{name: "allowed https host", origin: "https://app.example.com", ok: true},
		{name: "unlisted host", origin: "https://evil.example.com", ok: false},
	}

	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := g.enforceOrigin(r)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected reject: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected reject", tc.name)
		}
	}
}

func TestEnforceOriginOptional(t *testing.T) {
	t.Parallel()

	required := false
	g := New(nil, nil, nil, nil, nil, InsecureVerifier{}, Config{
		OriginRequired: &required,
		AllowedOrigins: []string{"http://localhost"},
	})

	r := httptest.NewRequest("GET", "/ws", nil)
	if err := g.enforceOrigin(r); err != nil {
		t.Fatalf("origin-less request should pass when not required: %v", err)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatterns([]string{
		"http://localhost",
		"http://localhost:3000",
		"https://app.example.com",
		"*",
		"",
	})

	want := []string{"app.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns=%v want=%v", got, want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.defaults()

	if cfg.OriginRequired == nil || !*cfg.OriginRequired {
		t.Fatal("origin must be required by default")
	}
	if len(cfg.AllowedOrigins) == 0 {
		t.Fatal("default allowlist must not be empty")
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		t.Fatalf("send queue %d below minimum", cfg.SendQueueSize)
	}
	if cfg.WriteTimeout <= 0 || cfg.ReadIdleTimeout <= 0 {
		t.Fatal("timeouts must default to non-zero")
	}
}

func TestClientCloseIdempotent(t *testing.T) {
	t.Parallel()

	c := NewClient("s1", 8)
	c.Close()
	c.Close()

	select {
	case <-c.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
}

func TestClientSessionStateConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := NewClient("s1", 8)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			c.SetIdentity("alice")
			c.MarkSent(fmt.Sprintf("k%d", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_, _ = c.Identity()
			_ = c.Sent("k1")
			_ = c.Engine()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			c.SetEngine(nil)
			_ = c.DetachEngine()
		}
	}()
	wg.Wait()

	if id, ok := c.Identity(); !ok || id != "alice" {
		t.Fatalf("identity lost under concurrent access: id=%q identified=%v", id, ok)
	}
	if !c.Sent("k1") {
		t.Fatal("sent key lost under concurrent access")
	}
}

func TestDeliverEntryForwardsOwnSendsFromOtherSessions(t *testing.T) {
	t.Parallel()

	g := New(nil, nil, nil, nil, nil, InsecureVerifier{}, Config{})
	ctx := context.Background()

	entry := chat.Entry{
		Message: chat.Message{
			ID:             "m1",
			ConversationID: "c1",
			SenderID:       "alice",
			ReceiverID:     "bob",
			Content:        "hi",
			IdempotencyKey: "k1",
			CreatedAt:      time.Now().UTC(),
		},
		State: chat.EntryConfirmed,
	}

	// Another session of the sending participant did not originate the key
	// and must still see the message.
	viewer := NewClient("sess-2", 8)
	viewer.SetIdentity("alice")
	g.deliverEntry(ctx, viewer, entry)

	select {
	case env := <-viewer.Send:
		if env.Type != v1.TypeMessageNew {
			t.Fatalf("expected %s, got %s", v1.TypeMessageNew, env.Type)
		}
	default:
		t.Fatal("confirmed entry dropped for the sender's other session")
	}

	// The originating session is acknowledged by the send handler instead.
	sender := NewClient("sess-1", 8)
	sender.SetIdentity("alice")
	sender.MarkSent("k1")
	g.deliverEntry(ctx, sender, entry)

	if len(sender.Send) != 0 {
		t.Fatal("originating session must not also receive message.new")
	}
}
