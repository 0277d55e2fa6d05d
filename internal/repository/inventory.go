package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stockpile/integration-gateway/internal/domain/inventory"
)

const (
	activeProductsSQL = `SELECT id, sku, name, price, quantity_in_stock
		FROM products WHERE active = TRUE ORDER BY name`

	stockBySKUSQL = `SELECT sku, quantity_in_stock FROM products WHERE sku = $1`

	recentSalesSQL = `SELECT id, total_amount, created_at
		FROM sales ORDER BY created_at DESC LIMIT $1`
)

var _ inventory.Reader = (*InventoryRepository)(nil)

// InventoryRepository provides read-only access to the inventory tables owned
// by the main backend.
type InventoryRepository struct {
	pool *pgxpool.Pool
}

// NewInventoryRepository returns an InventoryRepository that uses the given pool.
func NewInventoryRepository(pool *pgxpool.Pool) *InventoryRepository {
	return &InventoryRepository{pool: pool}
}

// ActiveProducts returns the catalog rows visible to API-key consumers.
func (r *InventoryRepository) ActiveProducts(ctx context.Context) ([]inventory.Product, error) {
	rows, err := r.pool.Query(ctx, activeProductsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}

	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.Product, error) {
		var p inventory.Product
		err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.QuantityInStock)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return products, nil
}

// StockBySKU returns the current stock level for one SKU.
func (r *InventoryRepository) StockBySKU(ctx context.Context, sku string) (inventory.StockLevel, error) {
	var s inventory.StockLevel
	err := r.pool.QueryRow(ctx, stockBySKUSQL, sku).Scan(&s.SKU, &s.QuantityInStock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.StockLevel{}, inventory.ErrProductNotFound
		}
		return inventory.StockLevel{}, fmt.Errorf("getting stock for %q: %w", sku, err)
	}
	return s, nil
}

// RecentSales returns the latest sales transactions, newest first.
func (r *InventoryRepository) RecentSales(ctx context.Context, limit int) ([]inventory.Sale, error) {
	rows, err := r.pool.Query(ctx, recentSalesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent sales: %w", err)
	}

	sales, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.Sale, error) {
		var s inventory.Sale
		err := row.Scan(&s.ID, &s.TotalAmount, &s.CreatedAt)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing recent sales: %w", err)
	}
	return sales, nil
}
