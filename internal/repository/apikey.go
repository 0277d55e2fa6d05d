package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockpile/integration-gateway/internal/domain/apikey"
)

const (
	apiKeyColumns = `id, name, token_hash, active, expires_at, created_at, last_used_at, created_by`

	insertAPIKeySQL = `INSERT INTO api_keys (id, name, token_hash, active, expires_at, created_at, last_used_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	getAPIKeySQL = `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`

	listAPIKeysSQL = `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at DESC`

	findActiveAPIKeySQL = `SELECT ` + apiKeyColumns + ` FROM api_keys
		WHERE token_hash = $1 AND active = TRUE
		AND (expires_at IS NULL OR expires_at > $2)`

	deactivateAPIKeySQL = `UPDATE api_keys SET active = FALSE WHERE id = $1 AND active = TRUE`

	apiKeyExistsSQL = `SELECT EXISTS (SELECT 1 FROM api_keys WHERE id = $1)`

	// Single-statement swap: a concurrent verify sees the old hash or the new
	// one, never both and never neither.
	replaceTokenHashSQL = `UPDATE api_keys SET token_hash = $2, last_used_at = NULL WHERE id = $1`

	touchAPIKeySQL = `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`

	apiKeyHashesSQL = `SELECT token_hash FROM api_keys`

	countAPIKeysSQL = `SELECT COUNT(*), COUNT(*) FILTER (WHERE active) FROM api_keys`
)

var _ apikey.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository implements apikey.Repository backed by PostgreSQL.
type APIKeyRepository struct {
	pool *pgxpool.Pool
}

// NewAPIKeyRepository returns an APIKeyRepository that uses the given pool.
func NewAPIKeyRepository(pool *pgxpool.Pool) *APIKeyRepository {
	return &APIKeyRepository{pool: pool}
}

// Insert persists a freshly issued key.
func (r *APIKeyRepository) Insert(ctx context.Context, k apikey.Key) error {
	_, err := r.pool.Exec(ctx, insertAPIKeySQL,
		k.ID, k.Name, k.TokenHash, k.Active, k.ExpiresAt, k.CreatedAt, k.LastUsedAt, k.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("inserting api key %q: %w", k.ID, err)
	}
	return nil
}

// Get returns a key by ID, revoked ones included.
func (r *APIKeyRepository) Get(ctx context.Context, id string) (apikey.Key, error) {
	rows, err := r.pool.Query(ctx, getAPIKeySQL, id)
	if err != nil {
		return apikey.Key{}, fmt.Errorf("getting api key %q: %w", id, err)
	}

	k, err := pgx.CollectExactlyOneRow(rows, scanAPIKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apikey.Key{}, apikey.ErrNotFound
		}
		return apikey.Key{}, fmt.Errorf("getting api key %q: %w", id, err)
	}
	return k, nil
}

// List returns all keys, newest first.
func (r *APIKeyRepository) List(ctx context.Context) ([]apikey.Key, error) {
	rows, err := r.pool.Query(ctx, listAPIKeysSQL)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}

	keys, err := pgx.CollectRows(rows, scanAPIKey)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	return keys, nil
}

// FindActiveByHash returns the active, unexpired key matching a token hash.
func (r *APIKeyRepository) FindActiveByHash(ctx context.Context, hash string, now time.Time) (apikey.Key, error) {
	rows, err := r.pool.Query(ctx, findActiveAPIKeySQL, hash, now)
	if err != nil {
		return apikey.Key{}, fmt.Errorf("finding api key by hash: %w", err)
	}

	k, err := pgx.CollectExactlyOneRow(rows, scanAPIKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apikey.Key{}, apikey.ErrNotFound
		}
		return apikey.Key{}, fmt.Errorf("finding api key by hash: %w", err)
	}
	return k, nil
}

// Deactivate flips active to false, reporting whether anything changed.
func (r *APIKeyRepository) Deactivate(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, deactivateAPIKeySQL, id)
	if err != nil {
		return false, fmt.Errorf("deactivating api key %q: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Nothing changed: either already revoked (fine) or unknown ID.
	var exists bool
	if err := r.pool.QueryRow(ctx, apiKeyExistsSQL, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking api key %q: %w", id, err)
	}
	if !exists {
		return false, apikey.ErrNotFound
	}
	return false, nil
}

// ReplaceTokenHash swaps the token hash and clears last-used atomically.
func (r *APIKeyRepository) ReplaceTokenHash(ctx context.Context, id, newHash string) error {
	tag, err := r.pool.Exec(ctx, replaceTokenHashSQL, id, newHash)
	if err != nil {
		return fmt.Errorf("replacing token for api key %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apikey.ErrNotFound
	}
	return nil
}

// TouchLastUsed records a successful verification timestamp.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, touchAPIKeySQL, id, at)
	if err != nil {
		return fmt.Errorf("touching api key %q: %w", id, err)
	}
	return nil
}

// TokenHashes returns every issued token hash for prefilter warm-up.
func (r *APIKeyRepository) TokenHashes(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, apiKeyHashesSQL)
	if err != nil {
		return nil, fmt.Errorf("loading token hashes: %w", err)
	}

	hashes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var h string
		err := row.Scan(&h)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("loading token hashes: %w", err)
	}
	return hashes, nil
}

// Counts returns total and active key counts.
func (r *APIKeyRepository) Counts(ctx context.Context) (total, active int64, err error) {
	if err := r.pool.QueryRow(ctx, countAPIKeysSQL).Scan(&total, &active); err != nil {
		return 0, 0, fmt.Errorf("counting api keys: %w", err)
	}
	return total, active, nil
}

func scanAPIKey(row pgx.CollectableRow) (apikey.Key, error) {
	var k apikey.Key
	err := row.Scan(
		&k.ID, &k.Name, &k.TokenHash, &k.Active,
		&k.ExpiresAt, &k.CreatedAt, &k.LastUsedAt, &k.CreatedBy,
	)
	return k, err
}
