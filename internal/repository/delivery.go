package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockpile/integration-gateway/internal/domain/delivery"
)

const (
	deliveryColumns = `id, webhook_id, event, payload, response_status, response_body, success, attempted_at`

	insertDeliverySQL = `INSERT INTO webhook_deliveries (id, webhook_id, event, payload, response_status, response_body, success, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	recentDeliveriesSQL = `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		ORDER BY attempted_at DESC LIMIT $1`

	recentDeliveriesForWebhookSQL = `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE webhook_id = $2 ORDER BY attempted_at DESC LIMIT $1`
)

var _ delivery.Repository = (*DeliveryRepository)(nil)

// DeliveryRepository implements the append-only delivery log backed by
// PostgreSQL.
type DeliveryRepository struct {
	pool *pgxpool.Pool
}

// NewDeliveryRepository returns a DeliveryRepository that uses the given pool.
func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

// Record appends a delivery attempt.
func (r *DeliveryRepository) Record(ctx context.Context, a delivery.Attempt) error {
	_, err := r.pool.Exec(ctx, insertDeliverySQL,
		a.ID, a.WebhookID, a.Event, a.Payload,
		a.ResponseStatus, a.ResponseBody, a.Success, a.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("recording delivery %q: %w", a.ID, err)
	}
	return nil
}

// Recent returns the latest attempts, optionally scoped to one webhook.
func (r *DeliveryRepository) Recent(ctx context.Context, limit int, webhookID string) ([]delivery.Attempt, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if webhookID == "" {
		rows, err = r.pool.Query(ctx, recentDeliveriesSQL, limit)
	} else {
		rows, err = r.pool.Query(ctx, recentDeliveriesForWebhookSQL, limit, webhookID)
	}
	if err != nil {
		return nil, fmt.Errorf("listing recent deliveries: %w", err)
	}

	attempts, err := pgx.CollectRows(rows, scanDelivery)
	if err != nil {
		return nil, fmt.Errorf("listing recent deliveries: %w", err)
	}
	return attempts, nil
}

func scanDelivery(row pgx.CollectableRow) (delivery.Attempt, error) {
	var a delivery.Attempt
	err := row.Scan(
		&a.ID, &a.WebhookID, &a.Event, &a.Payload,
		&a.ResponseStatus, &a.ResponseBody, &a.Success, &a.AttemptedAt,
	)
	return a, err
}
