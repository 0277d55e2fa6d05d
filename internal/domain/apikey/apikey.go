// Package apikey implements the credential store: issuance, validation,
// revocation and regeneration of long-lived API keys for third-party
// consumers.
package apikey

import (
	"context"
	"fmt"
	"time"
)

// Sentinel errors for credential operations.
var (
	// ErrInvalidKey is the uniform rejection returned by Verify. Unknown,
	// expired and revoked tokens are deliberately indistinguishable so a
	// caller cannot probe which condition failed.
	ErrInvalidKey = fmt.Errorf("invalid or expired api key")

	// ErrNotFound indicates an unknown key ID on an administrative operation.
	ErrNotFound = fmt.Errorf("api key not found")

	// ErrNameRequired indicates a missing key name on Issue.
	ErrNameRequired = fmt.Errorf("name is required")
)

// Key represents an issued API key. The raw token is never stored; only its
// HMAC-SHA256 hash is persisted, so a token is generated once and afterwards
// only comparable, never recoverable.
type Key struct {
	ID         string
	Name       string
	TokenHash  string
	Active     bool
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
	CreatedBy  string
}

// Expired reports whether the key has an expiry in the past relative to now.
func (k Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// Repository defines persistence operations for API keys. Keys are never
// physically deleted; revocation flips the active flag and is terminal.
type Repository interface {
	Insert(ctx context.Context, key Key) error
	Get(ctx context.Context, id string) (Key, error)
	List(ctx context.Context) ([]Key, error)

	// FindActiveByHash returns the key whose token hash matches and which is
	// active and unexpired at the given instant. Returns ErrNotFound otherwise.
	FindActiveByHash(ctx context.Context, hash string, now time.Time) (Key, error)

	// Deactivate sets active=false. It reports whether the call changed
	// anything, so revoking twice is not an error. Returns ErrNotFound when
	// no key with the given ID exists at all.
	Deactivate(ctx context.Context, id string) (bool, error)

	// ReplaceTokenHash atomically swaps the stored token hash and clears the
	// last-used timestamp in a single statement, so a concurrent verify sees
	// either the old state or the new one, never a mix.
	ReplaceTokenHash(ctx context.Context, id, newHash string) error

	// TouchLastUsed records a successful verification. Best effort; failures
	// must never fail the verification itself.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error

	// TokenHashes returns the hashes of every key ever issued, revoked ones
	// included. Used to warm the verification prefilter at startup.
	TokenHashes(ctx context.Context) ([]string, error)

	// Counts returns the total and active key counts.
	Counts(ctx context.Context) (total, active int64, err error)
}
