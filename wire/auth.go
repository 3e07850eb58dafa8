package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Sign computes base64 HMAC-SHA256 of the canonical string.
// Deterministic: same secret and envelope fields always produce the same
// signature.
func Sign(secret string, e *Envelope) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(e.Canonical()))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
// Authentication is opt-in per endpoint: empty secret admits everything.
// With a secret configured an unsigned envelope always fails.
func Verify(secret string, e *Envelope) bool {
	if secret == "" {
		return true
	}
	if e.Signature == "" {
		return false
	}
	want := Sign(secret, e)
	return hmac.Equal([]byte(want), []byte(e.Signature))
}
