package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Delivery request headers.
const (
	// SignatureHeader carries the payload MAC as "sha256=<hex>". Present only
	// when the webhook has a signing secret.
	SignatureHeader = "X-Stockpile-Signature"

	// EventHeader carries the event name so receivers can route without
	// parsing the body.
	EventHeader = "X-Stockpile-Event"

	// DeliveryHeader carries a unique ID per delivery sequence, stable across
	// the retries of one webhook+event, so receivers can deduplicate.
	DeliveryHeader = "X-Stockpile-Delivery"
)

const signaturePrefix = "sha256="

// Sign computes the HMAC-SHA256 of the serialized envelope under the
// webhook's secret, in the header format "sha256=<hex>".
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the payload using a
// constant-time comparison. Receivers use this to authenticate deliveries.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
