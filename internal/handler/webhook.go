package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/stockpile/integration-gateway/internal/domain/webhook"
)

type createWebhookRequest struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// updateWebhookRequest mirrors webhook.Patch: absent fields stay untouched,
// present fields replace the stored value.
type updateWebhookRequest struct {
	Name   *string   `json:"name"`
	URL    *string   `json:"url"`
	Events *[]string `json:"events"`
	Secret *string   `json:"secret"`
	Active *bool     `json:"active"`
}

// webhookResponse omits the secret; it is write-only through the API.
type webhookResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	HasSecret bool      `json:"has_secret"`
	Active    bool      `json:"active"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toWebhookResponse(wh webhook.Webhook) webhookResponse {
	return webhookResponse{
		ID:        wh.ID,
		Name:      wh.Name,
		URL:       wh.URL,
		Events:    wh.Events,
		HasSecret: wh.Secret != "",
		Active:    wh.Active,
		CreatedBy: wh.CreatedBy,
		CreatedAt: wh.CreatedAt,
	}
}

func (h *Handler) listWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.webhooks.List(r.Context())
	if err != nil {
		h.storageError(w, "list webhooks", err)
		return
	}
	out := make([]webhookResponse, len(hooks))
	for i, wh := range hooks {
		out[i] = toWebhookResponse(wh)
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *Handler) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	wh, err := h.webhooks.Create(r.Context(), webhook.CreateRequest{
		Name:      req.Name,
		URL:       req.URL,
		Events:    req.Events,
		Secret:    req.Secret,
		CreatedBy: operatorFrom(r),
	})
	if err != nil {
		if isWebhookValidationError(err) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.storageError(w, "create webhook", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, toWebhookResponse(wh))
}

func (h *Handler) getWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wh, err := h.webhooks.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "webhook not found")
			return
		}
		h.storageError(w, "get webhook", err)
		return
	}
	h.respondJSON(w, http.StatusOK, toWebhookResponse(wh))
}

func (h *Handler) updateWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateWebhookRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	wh, err := h.webhooks.Update(r.Context(), id, webhook.Patch{
		Name:   req.Name,
		URL:    req.URL,
		Events: req.Events,
		Secret: req.Secret,
		Active: req.Active,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotFound):
			h.respondError(w, http.StatusNotFound, "webhook not found")
		case isWebhookValidationError(err):
			h.respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.storageError(w, "update webhook", err)
		}
		return
	}
	h.respondJSON(w, http.StatusOK, toWebhookResponse(wh))
}

func (h *Handler) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.webhooks.Delete(r.Context(), id); err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "webhook not found")
			return
		}
		h.storageError(w, "delete webhook", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isWebhookValidationError(err error) bool {
	return errors.Is(err, webhook.ErrNameRequired) ||
		errors.Is(err, webhook.ErrNoEvents) ||
		errors.Is(err, webhook.ErrInvalidURL) ||
		errors.Is(err, webhook.ErrInvalidEventName) ||
		errors.Is(err, webhook.ErrEmptyPatch)
}
