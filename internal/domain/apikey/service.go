package apikey

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Prefilter sizing. The filter only has to cover tokens this deployment has
// ever issued, so the capacity is generous and the false-positive rate keeps
// storage round trips for junk tokens rare.
const (
	filterCapacity = 1_000_000
	filterFPR      = 0.001
)

// touchTimeout bounds the background last-used update.
const touchTimeout = 5 * time.Second

// Service implements the credential store on top of a Repository.
//
// Verification is the hot path: every public API request goes through it. A
// bloom filter over all issued token hashes rejects definitely-unknown tokens
// without touching storage; false positives simply fall through to the
// lookup. The filter never answers "valid", only "impossible", so it cannot
// cause a wrong acceptance and revocation needs no filter maintenance.
type Service struct {
	repo   Repository
	pepper []byte
	lg     *zap.Logger

	mu          sync.RWMutex
	filter      *bloom.BloomFilter
	filterReady atomic.Bool

	now func() time.Time
}

// NewService creates the credential store service. The pepper keys the
// HMAC-SHA256 token hashing and must be stable across restarts.
func NewService(repo Repository, pepper []byte, lg *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		pepper: pepper,
		lg:     lg,
		filter: bloom.NewWithEstimates(filterCapacity, filterFPR),
		now:    time.Now,
	}
}

// WarmFilter loads every issued token hash into the verification prefilter.
// Until it succeeds the prefilter is bypassed, so a failed warm-up degrades
// performance, never correctness.
func (s *Service) WarmFilter(ctx context.Context) error {
	hashes, err := s.repo.TokenHashes(ctx)
	if err != nil {
		return fmt.Errorf("loading token hashes: %w", err)
	}

	s.mu.Lock()
	for _, h := range hashes {
		s.filter.AddString(h)
	}
	s.mu.Unlock()
	s.filterReady.Store(true)

	s.lg.Info("token prefilter warmed", zap.Int("hashes", len(hashes)))
	return nil
}

// Issue generates a new key with a fresh random token. The raw token is
// returned exactly once and cannot be recovered afterwards.
func (s *Service) Issue(ctx context.Context, name, createdBy string, expiresInDays *int) (Key, string, error) {
	if name == "" {
		return Key{}, "", ErrNameRequired
	}

	token, err := newToken()
	if err != nil {
		return Key{}, "", err
	}

	now := s.now().UTC()
	key := Key{
		ID:        uuid.New().String(),
		Name:      name,
		TokenHash: hashToken(s.pepper, token),
		Active:    true,
		CreatedAt: now,
		CreatedBy: createdBy,
	}
	if expiresInDays != nil && *expiresInDays > 0 {
		exp := now.AddDate(0, 0, *expiresInDays)
		key.ExpiresAt = &exp
	}

	if err := s.repo.Insert(ctx, key); err != nil {
		return Key{}, "", fmt.Errorf("inserting api key: %w", err)
	}
	s.addToFilter(key.TokenHash)

	return key, token, nil
}

// Verify checks a presented token and returns the matching key. Any failure
// is reported as ErrInvalidKey without further detail. On success the
// last-used timestamp is updated in the background; a failure there is
// logged and never surfaced.
func (s *Service) Verify(ctx context.Context, token string) (Key, error) {
	if token == "" {
		return Key{}, ErrInvalidKey
	}

	hash := hashToken(s.pepper, token)
	if s.filterReady.Load() {
		s.mu.RLock()
		known := s.filter.TestString(hash)
		s.mu.RUnlock()
		if !known {
			return Key{}, ErrInvalidKey
		}
	}

	now := s.now()
	key, err := s.repo.FindActiveByHash(ctx, hash, now)
	if err != nil {
		return Key{}, ErrInvalidKey
	}

	// Constant-time comparison guards against timing side-channels even
	// though the lookup already matched on the hash.
	if subtle.ConstantTimeCompare([]byte(hash), []byte(key.TokenHash)) != 1 {
		return Key{}, ErrInvalidKey
	}

	go func() {
		tctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := s.repo.TouchLastUsed(tctx, key.ID, now); err != nil {
			s.lg.Warn("recording api key last-used failed",
				zap.String("key_id", key.ID), zap.Error(err))
		}
	}()

	return key, nil
}

// Revoke deactivates a key. Revocation is terminal and idempotent: revoking
// an already-revoked key reports changed=false without an error.
func (s *Service) Revoke(ctx context.Context, id string) (bool, error) {
	changed, err := s.repo.Deactivate(ctx, id)
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Regenerate swaps the key's token for a fresh one and clears last-used.
// The swap is a single-row update, so there is no instant at which both the
// old and the new token validate, or neither does.
func (s *Service) Regenerate(ctx context.Context, id string) (Key, string, error) {
	token, err := newToken()
	if err != nil {
		return Key{}, "", err
	}
	hash := hashToken(s.pepper, token)

	if err := s.repo.ReplaceTokenHash(ctx, id, hash); err != nil {
		return Key{}, "", err
	}
	s.addToFilter(hash)

	key, err := s.repo.Get(ctx, id)
	if err != nil {
		return Key{}, "", fmt.Errorf("loading regenerated key: %w", err)
	}
	return key, token, nil
}

// Get returns a key by ID.
func (s *Service) Get(ctx context.Context, id string) (Key, error) {
	return s.repo.Get(ctx, id)
}

// List returns all keys, newest first.
func (s *Service) List(ctx context.Context) ([]Key, error) {
	return s.repo.List(ctx)
}

// Counts returns total and active key counts for the status snapshot.
func (s *Service) Counts(ctx context.Context) (total, active int64, err error) {
	return s.repo.Counts(ctx)
}

func (s *Service) addToFilter(hash string) {
	s.mu.Lock()
	s.filter.AddString(hash)
	s.mu.Unlock()
}
