package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/stockpile/integration-gateway/internal/domain/delivery"
)

type deliveryResponse struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhook_id"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	ResponseStatus *int            `json:"response_status"`
	ResponseBody   *string         `json:"response_body"`
	Success        bool            `json:"success"`
	AttemptedAt    time.Time       `json:"attempted_at"`
}

type statusResponse struct {
	TotalAPIKeys     int64              `json:"total_api_keys"`
	ActiveAPIKeys    int64              `json:"active_api_keys"`
	TotalWebhooks    int64              `json:"total_webhooks"`
	ActiveWebhooks   int64              `json:"active_webhooks"`
	RecentDeliveries []deliveryResponse `json:"recent_deliveries"`
}

func toDeliveryResponse(a delivery.Attempt) deliveryResponse {
	return deliveryResponse{
		ID:             a.ID,
		WebhookID:      a.WebhookID,
		Event:          a.Event,
		Payload:        json.RawMessage(a.Payload),
		ResponseStatus: a.ResponseStatus,
		ResponseBody:   a.ResponseBody,
		Success:        a.Success,
		AttemptedAt:    a.AttemptedAt,
	}
}

func (h *Handler) recentDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := delivery.DefaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	webhookID := r.URL.Query().Get("webhook_id")

	attempts, err := h.deliveries.Recent(r.Context(), delivery.ClampLimit(limit), webhookID)
	if err != nil {
		h.storageError(w, "list deliveries", err)
		return
	}
	out := make([]deliveryResponse, len(attempts))
	for i, a := range attempts {
		out[i] = toDeliveryResponse(a)
	}
	h.respondJSON(w, http.StatusOK, out)
}

// integrationStatus returns a one-call snapshot for the admin dashboard.
func (h *Handler) integrationStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalKeys, activeKeys, err := h.apikeys.Counts(ctx)
	if err != nil {
		h.storageError(w, "count api keys", err)
		return
	}
	totalHooks, activeHooks, err := h.webhooks.Counts(ctx)
	if err != nil {
		h.storageError(w, "count webhooks", err)
		return
	}
	recent, err := h.deliveries.Recent(ctx, 10, "")
	if err != nil {
		h.storageError(w, "list deliveries", err)
		return
	}

	deliveries := make([]deliveryResponse, len(recent))
	for i, a := range recent {
		deliveries[i] = toDeliveryResponse(a)
	}
	h.respondJSON(w, http.StatusOK, statusResponse{
		TotalAPIKeys:     totalKeys,
		ActiveAPIKeys:    activeKeys,
		TotalWebhooks:    totalHooks,
		ActiveWebhooks:   activeHooks,
		RecentDeliveries: deliveries,
	})
}
