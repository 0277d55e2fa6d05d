// Package handler exposes the integration gateway over HTTP: the privileged
// admin surface, the API-key authenticated public surface, and the internal
// event publish endpoint.
package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/stockpile/integration-gateway/internal/domain/apikey"
	"github.com/stockpile/integration-gateway/internal/domain/delivery"
	"github.com/stockpile/integration-gateway/internal/domain/inventory"
	"github.com/stockpile/integration-gateway/internal/domain/webhook"
	"github.com/stockpile/integration-gateway/internal/gateway"
)

// maxRequestBodyBytes bounds admin and internal request bodies.
const maxRequestBodyBytes = 1 << 20

// Handler wires the domain services into chi routes.
type Handler struct {
	apikeys    *apikey.Service
	webhooks   *webhook.Service
	deliveries delivery.Repository
	inventory  inventory.Reader
	gw         *gateway.Gateway

	adminToken string
	lg         *zap.Logger
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	apikeys *apikey.Service,
	webhooks *webhook.Service,
	deliveries delivery.Repository,
	inv inventory.Reader,
	gw *gateway.Gateway,
	adminToken string,
	lg *zap.Logger,
) *Handler {
	return &Handler{
		apikeys:    apikeys,
		webhooks:   webhooks,
		deliveries: deliveries,
		inventory:  inv,
		gw:         gw,
		adminToken: adminToken,
		lg:         lg,
	}
}

// Routes assembles the full route tree.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/v1/integration", func(r chi.Router) {
		r.Use(h.requireAdmin)

		r.Get("/api-keys", h.listAPIKeys)
		r.Post("/api-keys", h.createAPIKey)
		r.Get("/api-keys/{id}", h.getAPIKey)
		r.Delete("/api-keys/{id}", h.revokeAPIKey)
		r.Post("/api-keys/{id}/regenerate", h.regenerateAPIKey)

		r.Get("/webhooks", h.listWebhooks)
		r.Post("/webhooks", h.createWebhook)
		r.Get("/webhooks/{id}", h.getWebhook)
		r.Patch("/webhooks/{id}", h.updateWebhook)
		r.Delete("/webhooks/{id}", h.deleteWebhook)

		r.Get("/deliveries", h.recentDeliveries)
		r.Get("/status", h.integrationStatus)
	})

	r.Route("/v1/public", func(r chi.Router) {
		r.Use(h.requireAPIKey)

		r.Get("/products", h.publicProducts)
		r.Get("/stock/{sku}", h.publicStock)
		r.Get("/sales/recent", h.publicRecentSales)
	})

	r.Route("/v1/internal", func(r chi.Router) {
		r.Use(h.requireAdmin)

		r.Post("/events", h.publishEvent)
	})

	return r
}

// errorResponse is the JSON error envelope shared by every surface.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.lg.Warn("encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, errorResponse{Code: status, Message: msg})
}

// decodeJSON reads a bounded JSON request body into v.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
