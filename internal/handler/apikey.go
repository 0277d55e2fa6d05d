package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/stockpile/integration-gateway/internal/domain/apikey"
)

type createAPIKeyRequest struct {
	Name          string `json:"name"`
	ExpiresInDays *int   `json:"expires_in_days,omitempty"`
}

// apiKeyResponse never carries the token; issuance and regeneration return it
// separately, exactly once.
type apiKeyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedBy  string     `json:"created_by,omitempty"`
}

type issuedKeyResponse struct {
	apiKeyResponse
	Token string `json:"token"`
}

func toAPIKeyResponse(k apikey.Key) apiKeyResponse {
	return apiKeyResponse{
		ID:         k.ID,
		Name:       k.Name,
		Active:     k.Active,
		ExpiresAt:  k.ExpiresAt,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
		CreatedBy:  k.CreatedBy,
	}
}

func (h *Handler) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.apikeys.List(r.Context())
	if err != nil {
		h.storageError(w, "list api keys", err)
		return
	}
	out := make([]apiKeyResponse, len(keys))
	for i, k := range keys {
		out[i] = toAPIKeyResponse(k)
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *Handler) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, token, err := h.apikeys.Issue(r.Context(), req.Name, operatorFrom(r), req.ExpiresInDays)
	if err != nil {
		if errors.Is(err, apikey.ErrNameRequired) {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.storageError(w, "issue api key", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, issuedKeyResponse{
		apiKeyResponse: toAPIKeyResponse(key),
		Token:          token,
	})
}

func (h *Handler) getAPIKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, err := h.apikeys.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "API key not found")
			return
		}
		h.storageError(w, "get api key", err)
		return
	}
	h.respondJSON(w, http.StatusOK, toAPIKeyResponse(key))
}

func (h *Handler) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.apikeys.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "API key not found")
			return
		}
		h.storageError(w, "revoke api key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) regenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key, token, err := h.apikeys.Regenerate(r.Context(), id)
	if err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "API key not found")
			return
		}
		h.storageError(w, "regenerate api key", err)
		return
	}
	h.respondJSON(w, http.StatusOK, issuedKeyResponse{
		apiKeyResponse: toAPIKeyResponse(key),
		Token:          token,
	})
}

// storageError hides persistence details from clients and logs the cause.
func (h *Handler) storageError(w http.ResponseWriter, op string, err error) {
	h.lg.Error(op, zap.Error(err))
	h.respondError(w, http.StatusInternalServerError, "internal error")
}
