package gateway

import (
	"errors"
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef" // 32 bytes

func TestHMACVerifierRoundTrip(t *testing.T) {
	t.Parallel()

	v, err := NewHMACVerifier(testKey)
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}

	token := v.Mint("alice")
	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != "alice" {
		t.Fatalf("Verify=%q want=%q", got, "alice")
	}
}

func TestHMACVerifierRejectsTampered(t *testing.T) {
	t.Parallel()

	v, err := NewHMACVerifier(testKey)
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{name: "flipped signature", token: "alice." + strings.Repeat("0", 64)},
		{name: "renamed participant", token: "mallory." + strings.Split(v.Mint("alice"), ".")[1]},
		{name: "no separator", token: "alice"},
		{name: "empty", token: ""},
		{name: "trailing dot", token: "alice."},
	}

	for _, tc := range cases {
		if _, err := v.Verify(tc.token); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("%s: expected ErrTokenInvalid, got %v", tc.name, err)
		}
	}
}

func TestHMACVerifierKeyPolicy(t *testing.T) {
	t.Parallel()

	if _, err := NewHMACVerifier(""); !errors.Is(err, ErrVerifierKeyMissing) {
		t.Fatalf("expected ErrVerifierKeyMissing, got %v", err)
	}
	if _, err := NewHMACVerifier("short"); !errors.Is(err, ErrVerifierKeyTooShort) {
		t.Fatalf("expected ErrVerifierKeyTooShort, got %v", err)
	}
}

func TestInsecureVerifier(t *testing.T) {
	t.Parallel()

	got, err := InsecureVerifier{}.Verify(" alice ")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != "alice" {
		t.Fatalf("Verify=%q want=%q", got, "alice")
	}
	if _, err := (InsecureVerifier{}).Verify("  "); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for blank token, got %v", err)
	}
}
