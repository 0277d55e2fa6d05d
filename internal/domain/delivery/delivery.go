// Package delivery owns the append-only history of webhook delivery
// attempts. Attempts are historical facts: once recorded they are never
// updated or deleted, and corrections only ever take the form of additional
// attempts.
package delivery

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxResponseBodyBytes bounds the response body snapshot stored per attempt.
// Endpoints can return arbitrarily large bodies; the log keeps only enough
// for diagnostics.
const MaxResponseBodyBytes = 4096

// Attempt records a single concrete try (initial or retry) to deliver an
// event payload to a webhook. ResponseStatus and ResponseBody are nil when
// the attempt failed at the transport level and no response exists.
//
// WebhookID is recorded by value: an attempt outlives its webhook if the
// webhook is later hard-deleted.
type Attempt struct {
	ID             string
	WebhookID      string
	Event          string
	Payload        []byte
	ResponseStatus *int
	ResponseBody   *string
	Success        bool
	AttemptedAt    time.Time
}

// TruncateBody bounds a response body snapshot to MaxResponseBodyBytes and
// makes it safe to persist. Endpoints are untrusted and may return binary
// garbage; a TEXT column accepts neither invalid UTF-8 nor NUL bytes, and a
// rejected insert would lose the attempt row. Invalid sequences and NULs are
// dropped, and the cut never splits a multi-byte rune.
func TruncateBody(body string) string {
	body = strings.ToValidUTF8(body, "")
	body = strings.ReplaceAll(body, "\x00", "")
	if len(body) > MaxResponseBodyBytes {
		cut := MaxResponseBodyBytes
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return body
}

// Repository defines the append-only persistence contract. There is
// intentionally no update or delete operation.
type Repository interface {
	Record(ctx context.Context, a Attempt) error

	// Recent returns attempts ordered by AttemptedAt descending. An empty
	// webhookID returns attempts across all webhooks.
	Recent(ctx context.Context, limit int, webhookID string) ([]Attempt, error)
}

// Query limits for the administrative surface.
const (
	DefaultRecentLimit = 20
	MaxRecentLimit     = 100
)

// ClampLimit normalizes a caller-supplied limit into the allowed range.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}
