package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockpile/integration-gateway/internal/domain/webhook"
)

const (
	webhookColumns = `id, name, url, events, secret, active, created_by, created_at`

	insertWebhookSQL = `INSERT INTO webhooks (id, name, url, events, secret, active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	getWebhookSQL = `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`

	listWebhooksSQL = `SELECT ` + webhookColumns + ` FROM webhooks ORDER BY created_at DESC`

	deleteWebhookSQL = `DELETE FROM webhooks WHERE id = $1`

	// The ? operator tests JSONB array membership, so subscription
	// filtering happens in the database rather than in Go.
	subscribersForSQL = `SELECT ` + webhookColumns + ` FROM webhooks
		WHERE active = TRUE AND events ? $1`

	countWebhooksSQL = `SELECT COUNT(*), COUNT(*) FILTER (WHERE active) FROM webhooks`
)

var _ webhook.Repository = (*WebhookRepository)(nil)

// WebhookRepository implements webhook.Repository backed by PostgreSQL.
type WebhookRepository struct {
	pool *pgxpool.Pool
}

// NewWebhookRepository returns a WebhookRepository that uses the given pool.
func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

// Insert persists a new webhook registration.
func (r *WebhookRepository) Insert(ctx context.Context, w webhook.Webhook) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("encoding events for webhook %q: %w", w.ID, err)
	}
	_, err = r.pool.Exec(ctx, insertWebhookSQL,
		w.ID, w.Name, w.URL, events, w.Secret, w.Active, w.CreatedBy, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting webhook %q: %w", w.ID, err)
	}
	return nil
}

// Get returns a webhook by ID.
func (r *WebhookRepository) Get(ctx context.Context, id string) (webhook.Webhook, error) {
	rows, err := r.pool.Query(ctx, getWebhookSQL, id)
	if err != nil {
		return webhook.Webhook{}, fmt.Errorf("getting webhook %q: %w", id, err)
	}

	w, err := pgx.CollectExactlyOneRow(rows, scanWebhook)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return webhook.Webhook{}, webhook.ErrNotFound
		}
		return webhook.Webhook{}, fmt.Errorf("getting webhook %q: %w", id, err)
	}
	return w, nil
}

// List returns all registered webhooks, newest first.
func (r *WebhookRepository) List(ctx context.Context) ([]webhook.Webhook, error) {
	rows, err := r.pool.Query(ctx, listWebhooksSQL)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}

	hooks, err := pgx.CollectRows(rows, scanWebhook)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	return hooks, nil
}

// Update applies the non-nil fields of a patch to a stored webhook.
func (r *WebhookRepository) Update(ctx context.Context, id string, p webhook.Patch) error {
	sets := make([]string, 0, 6)
	args := make([]any, 0, 7)
	args = append(args, id)

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}

	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.URL != nil {
		add("url", *p.URL)
	}
	if p.Events != nil {
		events, err := json.Marshal(*p.Events)
		if err != nil {
			return fmt.Errorf("encoding events for webhook %q: %w", id, err)
		}
		add("events", events)
	}
	if p.Secret != nil {
		add("secret", *p.Secret)
	}
	if p.Active != nil {
		add("active", *p.Active)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE webhooks SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating webhook %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

// Delete removes a webhook registration entirely.
func (r *WebhookRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteWebhookSQL, id)
	if err != nil {
		return fmt.Errorf("deleting webhook %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

// SubscribersFor returns the active webhooks subscribed to an event.
func (r *WebhookRepository) SubscribersFor(ctx context.Context, event string) ([]webhook.Webhook, error) {
	rows, err := r.pool.Query(ctx, subscribersForSQL, event)
	if err != nil {
		return nil, fmt.Errorf("finding subscribers for %q: %w", event, err)
	}

	hooks, err := pgx.CollectRows(rows, scanWebhook)
	if err != nil {
		return nil, fmt.Errorf("finding subscribers for %q: %w", event, err)
	}
	return hooks, nil
}

// Counts returns total and active webhook counts.
func (r *WebhookRepository) Counts(ctx context.Context) (total, active int64, err error) {
	if err := r.pool.QueryRow(ctx, countWebhooksSQL).Scan(&total, &active); err != nil {
		return 0, 0, fmt.Errorf("counting webhooks: %w", err)
	}
	return total, active, nil
}

func scanWebhook(row pgx.CollectableRow) (webhook.Webhook, error) {
	var (
		w      webhook.Webhook
		events []byte
	)
	err := row.Scan(
		&w.ID, &w.Name, &w.URL, &events, &w.Secret, &w.Active,
		&w.CreatedBy, &w.CreatedAt,
	)
	if err != nil {
		return webhook.Webhook{}, err
	}
	if err := json.Unmarshal(events, &w.Events); err != nil {
		return webhook.Webhook{}, fmt.Errorf("decoding events for webhook %q: %w", w.ID, err)
	}
	return w, nil
}
