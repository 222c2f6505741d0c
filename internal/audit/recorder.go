// Package audit writes the structured, append-only trail of gateway
// requests: one record per request, success or rejection alike.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nimbusdb/sqlgate/internal/models"
	"github.com/nimbusdb/sqlgate/internal/store"
)

const writeTimeout = 5 * time.Second

// Recorder persists audit records and mirrors them to the structured log.
type Recorder struct {
	store store.Store
}

// NewRecorder creates a recorder over the injected store.
func NewRecorder(s store.Store) *Recorder {
	return &Recorder{store: s}
}

// Record writes one audit record. The write uses its own deadline so a slow
// store cannot stall the response path, and failures are logged rather than
// surfaced: an audit write must never turn a served request into an error.
func (r *Recorder) Record(rec *models.AuditRecord) {
	if rec.ID == "" {
		rec.ID = "audit_" + uuid.New().String()
	}

	event := log.Info()
	if !rec.Success {
		event = log.Warn()
	}
	event.
		Str("audit_id", rec.ID).
		Str("webhook_id", rec.WebhookID).
		Str("user_id", rec.UserID).
		Str("instance_id", rec.InstanceID).
		Str("ip", rec.IPAddress).
		Str("query_hash", rec.QueryHash).
		Str("query_preview", rec.QueryPreview).
		Str("method", rec.Method).
		Str("path", rec.Path).
		Int64("response_time_ms", rec.ResponseTimeMS).
		Int("status", rec.StatusCode).
		Bool("success", rec.Success).
		Msg("Webhook request audit")

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.AppendAudit(ctx, rec); err != nil {
		log.Error().Err(err).Str("webhook_id", rec.WebhookID).Msg("Failed to persist audit record")
	}
}
