package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// tokenPrefix identifies Stockpile API keys at a glance in logs and support
// tickets without revealing anything about the token itself.
const tokenPrefix = "spk_"

// tokenBytes is the raw entropy per token: 32 bytes = 256 bits.
const tokenBytes = 32

// newToken generates a cryptographically random, URL-safe API key token.
func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashToken computes the hex-encoded HMAC-SHA256 of a raw token under the
// service pepper. Only this hash is ever persisted or compared.
func hashToken(pepper []byte, token string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
