package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nimbusdb/sqlgate/internal/instances"
	"github.com/nimbusdb/sqlgate/internal/models"
	"github.com/nimbusdb/sqlgate/internal/policy"
	"github.com/nimbusdb/sqlgate/internal/security"
	"github.com/nimbusdb/sqlgate/internal/services"
)

// Executor runs queries against a target instance. Satisfied by the pool
// registry in production and by fakes in tests.
type Executor interface {
	Execute(ctx context.Context, instanceID, query string) (*models.QueryResult, error)
	Health(ctx context.Context, instanceID string) error
}

// WebhookHandler serves the gated SQL endpoints under /webhook/sql.
type WebhookHandler struct {
	executor Executor
	manager  *services.WebhookManager
	limiter  *services.RateLimiter
}

// NewWebhookHandler creates the webhook endpoint handler.
func NewWebhookHandler(executor Executor, manager *services.WebhookManager, limiter *services.RateLimiter) *WebhookHandler {
	return &WebhookHandler{executor: executor, manager: manager, limiter: limiter}
}

type executionContext struct {
	WebhookID  string             `json:"webhook_id"`
	Tier       models.Tier        `json:"tier"`
	RateLimits policy.RateProfile `json:"rate_limits"`
}

// Execute runs the request's query on the target instance and returns the
// result envelope. All pipeline stages have already passed by the time this
// runs.
func (h *WebhookHandler) Execute(w http.ResponseWriter, r *http.Request) {
	rc := fromContext(r.Context())

	release, err := h.limiter.Acquire(rc.webhook.ID, rc.rate.MaxConcurrent)
	if err != nil {
		writeRateLimited(w, "Too many concurrent requests for this webhook", 1)
		return
	}
	defer release()

	start := time.Now()
	result, err := h.executor.Execute(r.Context(), rc.instanceID, rc.query)
	if err != nil {
		log.Error().
			Err(err).
			Str("webhook_id", rc.webhook.ID).
			Str("instance_id", rc.instanceID).
			Str("query_hash", security.Hash(rc.query)).
			Msg("SQL execution failed")
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error": errorBody{
				Message: executionErrorMessage(err),
				Code:    CodeExecutionFailed,
			},
			"transaction_id": transactionID(rc, "wh_error_"),
		})
		return
	}

	log.Info().
		Str("webhook_id", rc.webhook.ID).
		Str("instance_id", rc.instanceID).
		Str("command", result.Command).
		Int64("row_count", result.RowCount).
		Dur("duration", time.Since(start)).
		Msg("SQL executed via webhook")

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"webhook_id":     rc.webhook.ID,
		"instance_id":    rc.instanceID,
		"transaction_id": transactionID(rc, "wh_"),
		"result":         result,
		"executed_at":    time.Now().UTC().Format(time.RFC3339),
		"execution_context": executionContext{
			WebhookID:  rc.webhook.ID,
			Tier:       rc.webhook.Tier,
			RateLimits: rc.rate,
		},
	})
}

// transactionID echoes the caller's correlation id, or mints one when the
// caller sent none.
func transactionID(rc *requestContext, prefix string) string {
	if rc.transactionID != "" {
		return rc.transactionID
	}
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixMilli())
}

func executionErrorMessage(err error) string {
	if errors.Is(err, instances.ErrInstanceNotFound) {
		return "Instance not found"
	}
	return err.Error()
}

// Validate runs the full pipeline without touching the database: if this
// handler is reached, every stage passed.
func (h *WebhookHandler) Validate(w http.ResponseWriter, r *http.Request) {
	rc := fromContext(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"webhook_id":  rc.webhook.ID,
		"instance_id": rc.instanceID,
		"validation": map[string]string{
			"authentication": "passed",
			"rate_limit":     "passed",
			"security_check": "passed",
		},
		"query_info": map[string]any{
			"query_hash":    security.Hash(rc.query),
			"query_preview": security.Preview(security.Sanitize(rc.query), 100),
			"query_length":  len(rc.query),
		},
		"validated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// Health probes the target instance's connectivity and reports webhook usage.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	rc := fromContext(r.Context())

	stats, err := h.manager.Stats(r.Context(), rc.webhook.ID)
	if err != nil {
		log.Error().Err(err).Str("webhook_id", rc.webhook.ID).Msg("Failed to load webhook stats")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}

	if err := h.executor.Health(r.Context(), rc.instanceID); err != nil {
		status := http.StatusInternalServerError
		state := "unhealthy"
		if errors.Is(err, instances.ErrInstanceNotFound) {
			status = http.StatusNotFound
			state = "instance_not_found"
		}
		writeJSON(w, status, map[string]any{
			"success":     false,
			"webhook_id":  rc.webhook.ID,
			"instance_id": rc.instanceID,
			"status":      state,
			"error":       err.Error(),
			"checked_at":  time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"webhook_id":      rc.webhook.ID,
		"instance_id":     rc.instanceID,
		"status":          "healthy",
		"connection_test": "passed",
		"webhook_stats":   stats,
		"checked_at":      time.Now().UTC().Format(time.RFC3339),
	})
}

// Stats reports the credential's usage counters and effective policy.
func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	rc := fromContext(r.Context())

	stats, err := h.manager.Stats(r.Context(), rc.webhook.ID)
	if err != nil {
		log.Error().Err(err).Str("webhook_id", rc.webhook.ID).Msg("Failed to load webhook stats")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"webhook_id":   rc.webhook.ID,
		"instance_id":  rc.instanceID,
		"tier":         rc.webhook.Tier,
		"stats":        stats,
		"rate_limits":  rc.rate,
		"restrictions": rc.restrictions,
		"retrieved_at": time.Now().UTC().Format(time.RFC3339),
	})
}
