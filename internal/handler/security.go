package handler

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-faster/errors"

	"github.com/stockpile/integration-gateway/internal/dispatch"
	"github.com/stockpile/integration-gateway/internal/domain/webhook"
	"github.com/stockpile/integration-gateway/internal/gateway"
)

// apiKeyHeader carries the consumer token on the public surface.
const apiKeyHeader = "X-API-Key"

// operatorHeader names the admin acting through the privileged surface.
// Admin requests authenticate with a shared service token, so the caller's
// identity has to travel alongside it; the main backend sets this header to
// the logged-in operator's name.
const operatorHeader = "X-Stockpile-Operator"

// operatorFrom resolves the audit identity for records created on the admin
// surface. Empty when the upstream did not identify the operator.
func operatorFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(operatorHeader))
}

// requireAPIKey authenticates public requests through the gateway facade.
// Every rejection is the same 401: unknown, revoked and expired tokens are
// indistinguishable from outside.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := h.gw.VerifyCaller(r.Context(), r.Header.Get(apiKeyHeader))
		if err != nil {
			h.respondError(w, http.StatusUnauthorized, "invalid or expired API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(gateway.WithAuthContext(r.Context(), ac)))
	})
}

// requireAdmin guards the privileged surfaces with a static bearer token.
// Operator authentication proper lives in the main backend; this token is the
// trust seam between the two services.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || h.adminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			h.respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

type publishEventRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// publishEvent hands an event to the dispatcher. Acceptance means the event
// was fanned out, not that any delivery succeeded.
func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.gw.Publish(r.Context(), req.Event, req.Data); err != nil {
		switch {
		case errors.Is(err, webhook.ErrInvalidEventName):
			h.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, dispatch.ErrInvalidPayload):
			h.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, dispatch.ErrPayloadTooLarge):
			h.respondError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, dispatch.ErrClosed):
			h.respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.storageError(w, "publish event", err)
		}
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
