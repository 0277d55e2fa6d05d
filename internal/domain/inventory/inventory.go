// Package inventory defines the narrow read-only view of the main Stockpile
// backend that the gateway's public surface serves. The inventory tables and
// their lifecycle are owned by the main backend; the gateway only reads.
package inventory

import (
	"context"
	"fmt"
	"time"
)

// ErrProductNotFound indicates an unknown SKU on a stock query.
var ErrProductNotFound = fmt.Errorf("product not found")

// Product is the slice of a catalog row exposed to API-key consumers.
type Product struct {
	ID              string
	SKU             string
	Name            string
	Price           float64
	QuantityInStock int
}

// StockLevel is the current stock for a single SKU.
type StockLevel struct {
	SKU             string
	QuantityInStock int
}

// Sale is the slice of a sales transaction exposed to API-key consumers.
type Sale struct {
	ID          string
	TotalAmount float64
	CreatedAt   time.Time
}

// Reader is the collaborator contract the public handlers depend on.
type Reader interface {
	ActiveProducts(ctx context.Context) ([]Product, error)
	StockBySKU(ctx context.Context, sku string) (StockLevel, error)
	RecentSales(ctx context.Context, limit int) ([]Sale, error)
}
