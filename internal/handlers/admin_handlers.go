package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/nimbusdb/sqlgate/internal/models"
	"github.com/nimbusdb/sqlgate/internal/services"
	"github.com/nimbusdb/sqlgate/internal/store"
)

const UserContextKey contextKey = "user_id"

// Claims carried by admin API tokens.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// AdminHandler serves the credential management API under /api/v1/webhooks.
type AdminHandler struct {
	manager   *services.WebhookManager
	jwtSecret string
}

// NewAdminHandler creates the management API handler.
func NewAdminHandler(manager *services.WebhookManager, jwtSecret string) *AdminHandler {
	if jwtSecret == "" {
		log.Warn().Msg("JWT_SECRET not set, using default insecure secret")
		jwtSecret = "default-insecure-secret-change-me"
	}
	return &AdminHandler{manager: manager, jwtSecret: jwtSecret}
}

// AuthMiddleware validates the bearer JWT and sets the caller's user id in
// the request context.
func (h *AdminHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "No token provided")
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token format")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(bearerToken[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(h.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
			return
		}
		if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Token expired")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserIDFromContext retrieves the authenticated admin caller's user id.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserContextKey).(string)
	return userID, ok && userID != ""
}

type issueRequest struct {
	InstanceID  string   `json:"instance_id"`
	Tier        string   `json:"tier"`
	ExpiryDays  int      `json:"expiry_days"`
	IPAllowlist []string `json:"ip_allowlist"`
	Name        string   `json:"name"`
}

// IssueWebhook creates a credential for an instance. The plaintext token
// appears in this response and nowhere else.
func (h *AdminHandler) IssueWebhook(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid request body")
		return
	}
	if req.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "instance_id is required")
		return
	}
	tier, ok := models.ParseTier(req.Tier)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "unknown tier: "+req.Tier)
		return
	}

	issued, err := h.manager.Issue(r.Context(), ownerID, req.InstanceID, tier, services.IssueOptions{
		ExpiryDays:  req.ExpiryDays,
		IPAllowlist: req.IPAllowlist,
		Name:        req.Name,
	})
	if err != nil {
		log.Error().Err(err).Str("instance_id", req.InstanceID).Msg("Failed to issue webhook")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to issue webhook")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"webhook": issued,
	})
}

// ListWebhooks returns the caller's credentials.
func (h *AdminHandler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	webhooks, err := h.manager.List(r.Context(), ownerID)
	if err != nil {
		log.Error().Err(err).Str("owner_id", ownerID).Msg("Failed to list webhooks")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list webhooks")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"webhooks": webhooks,
		"count":    len(webhooks),
	})
}

// GetWebhook returns one credential with its usage, owner only.
func (h *AdminHandler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	id := chi.URLParam(r, "webhookID")
	wh, err := h.manager.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Webhook not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("webhook_id", id).Msg("Failed to load webhook")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load webhook")
		return
	}
	if wh.OwnerID != ownerID {
		// Do not reveal that the id exists.
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Webhook not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"webhook": wh,
	})
}

// RevokeWebhook revokes a credential. Revoking an already revoked credential
// succeeds without changing anything.
func (h *AdminHandler) RevokeWebhook(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	id := chi.URLParam(r, "webhookID")
	err := h.manager.Revoke(r.Context(), id, ownerID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Webhook not found")
		return
	case errors.Is(err, services.ErrNotAuthorized):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Webhook not found")
		return
	case err != nil:
		log.Error().Err(err).Str("webhook_id", id).Msg("Failed to revoke webhook")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke webhook")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"webhook_id": id,
		"status":     models.StatusRevoked,
	})
}
