package app

import (
	"bufio"
	"bytes"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsWSUpgrade(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		connection string
		upgrade    string
		want       bool
	}{
		{name: "websocket upgrade", connection: "Upgrade", upgrade: "websocket", want: true},
		{name: "mixed case", connection: "keep-alive, Upgrade", upgrade: "WebSocket", want: true},
		{name: "plain request", want: false},
		{name: "upgrade to h2c", connection: "Upgrade", upgrade: "h2c", want: false},
		{name: "upgrade header without connection token", upgrade: "websocket", want: false},
	}

	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.connection != "" {
			r.Header.Set("Connection", tc.connection)
		}
		if tc.upgrade != "" {
			r.Header.Set("Upgrade", tc.upgrade)
		}
		if got := isWSUpgrade(r); got != tc.want {
			t.Fatalf("%s: isWSUpgrade=%v want=%v", tc.name, got, tc.want)
		}
	}
}

func TestRequestLoggingCapturesStatusAndBytes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), log)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	out := buf.String()
	if !strings.Contains(out, "http.request") {
		t.Fatalf("expected http.request log line, got: %s", out)
	}
	if !strings.Contains(out, `"status":418`) {
		t.Fatalf("expected logged status 418, got: %s", out)
	}
	if !strings.Contains(out, `"bytes":15`) {
		t.Fatalf("expected logged byte count, got: %s", out)
	}
}

// hijackRecorder lets the wrapped handler hijack, as a websocket upgrade does.
type hijackRecorder struct {
	*httptest.ResponseRecorder
	conn net.Conn
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw := bufio.NewReadWriter(bufio.NewReader(h.conn), bufio.NewWriter(h.conn))
	return h.conn, rw, nil
}

func TestRequestLoggingHijackedConnLoggedAsSession(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	c1, c2 := net.Pipe()
	defer func() { _ = c2.Close() }()

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	}), log)

	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder(), conn: c1}
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ws", nil))

	out := buf.String()
	if !strings.Contains(out, "http.ws_session.end") {
		t.Fatalf("expected ws session log line, got: %s", out)
	}
	if strings.Contains(out, "http.request") {
		t.Fatalf("hijacked exchange must not double-log as a request: %s", out)
	}
}
