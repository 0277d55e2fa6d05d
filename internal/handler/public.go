package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/stockpile/integration-gateway/internal/domain/inventory"
)

const (
	defaultSalesLimit = 10
	maxSalesLimit     = 100
)

type productResponse struct {
	ID              string  `json:"id"`
	SKU             string  `json:"sku"`
	Name            string  `json:"name"`
	Price           float64 `json:"price"`
	QuantityInStock int     `json:"quantity_in_stock"`
}

type stockResponse struct {
	SKU             string `json:"sku"`
	QuantityInStock int    `json:"quantity_in_stock"`
}

type saleResponse struct {
	ID          string    `json:"id"`
	TotalAmount float64   `json:"total_amount"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *Handler) publicProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.inventory.ActiveProducts(r.Context())
	if err != nil {
		h.storageError(w, "list products", err)
		return
	}
	out := make([]productResponse, len(products))
	for i, p := range products {
		out[i] = productResponse{
			ID:              p.ID,
			SKU:             p.SKU,
			Name:            p.Name,
			Price:           p.Price,
			QuantityInStock: p.QuantityInStock,
		}
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *Handler) publicStock(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	stock, err := h.inventory.StockBySKU(r.Context(), sku)
	if err != nil {
		if errors.Is(err, inventory.ErrProductNotFound) {
			h.respondError(w, http.StatusNotFound, "product not found")
			return
		}
		h.storageError(w, "get stock", err)
		return
	}
	h.respondJSON(w, http.StatusOK, stockResponse{
		SKU:             stock.SKU,
		QuantityInStock: stock.QuantityInStock,
	})
}

func (h *Handler) publicRecentSales(w http.ResponseWriter, r *http.Request) {
	limit := defaultSalesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxSalesLimit {
			n = maxSalesLimit
		}
		limit = n
	}

	sales, err := h.inventory.RecentSales(r.Context(), limit)
	if err != nil {
		h.storageError(w, "list recent sales", err)
		return
	}
	out := make([]saleResponse, len(sales))
	for i, s := range sales {
		out[i] = saleResponse{
			ID:          s.ID,
			TotalAmount: s.TotalAmount,
			CreatedAt:   s.CreatedAt,
		}
	}
	h.respondJSON(w, http.StatusOK, out)
}
