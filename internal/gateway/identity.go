package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// TokenVerifier authenticates a hello token and returns the participant id it
// was issued for.
type TokenVerifier interface {
	Verify(token string) (participantID string, err error)
}

var (
	// ErrTokenInvalid rejects malformed or mis-signed tokens.
	ErrTokenInvalid = errors.New("gateway: invalid token")
	// ErrVerifierKeyMissing rejects construction without a signing key.
	ErrVerifierKeyMissing = errors.New("gateway: token key missing")
	// ErrVerifierKeyTooShort rejects keys below the minimum length.
	ErrVerifierKeyTooShort = errors.New("gateway: token key too short")
)

const hmacKeyMinBytes = 32

// HMACVerifier verifies static tokens of the form
// "<participant_id>.<hex(hmac-sha256(participant_id, key))>".
type HMACVerifier struct {
	key []byte
}

// NewHMACVerifier constructs a verifier, enforcing a minimum key length.
func NewHMACVerifier(key string) (*HMACVerifier, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrVerifierKeyMissing
	}
	if len(key) < hmacKeyMinBytes {
		return nil, ErrVerifierKeyTooShort
	}
	return &HMACVerifier{key: []byte(key)}, nil
}

// Mint issues a token for the participant. Exposed for dev tooling and tests.
func (v *HMACVerifier) Mint(participantID string) string {
	return participantID + "." + hmacSHA256Hex(participantID, v.key)
}

// Verify checks the signature and returns the embedded participant id.
func (v *HMACVerifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", ErrTokenInvalid
	}
	participantID, sig := token[:i], token[i+1:]

	want := hmacSHA256Hex(participantID, v.key)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", ErrTokenInvalid
	}
	return participantID, nil
}

func hmacSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// InsecureVerifier accepts any token of the form "<participant_id>" verbatim.
// Dev-only; App refuses it unless explicitly enabled.
type InsecureVerifier struct{}

// Verify returns the token as the participant id.
func (InsecureVerifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenInvalid
	}
	return token, nil
}
