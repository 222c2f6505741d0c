// Package store persists webhook credentials, their usage counters and the
// audit trail. Stores are explicit injected dependencies with a defined
// lifecycle, never ambient singletons, so handlers and services can be
// tested against the in-memory implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nimbusdb/sqlgate/internal/models"
)

// ErrNotFound is returned when no credential matches the given id or digest.
var ErrNotFound = errors.New("webhook credential not found")

// Usage counters older than this are pruned opportunistically on write.
const usageRetention = 30 * 24 * time.Hour

// Store is the durable record of issued webhooks plus the audit sink.
type Store interface {
	// Create persists a new credential.
	Create(ctx context.Context, wh *models.Webhook) error
	// GetByID returns a credential with aggregate usage totals.
	GetByID(ctx context.Context, id string) (*models.Webhook, error)
	// GetByTokenDigest looks a credential up by the SHA-256 digest of its
	// secret token.
	GetByTokenDigest(ctx context.Context, digest string) (*models.Webhook, error)
	// UpdateStatus flips a credential's status; revokedAt is set only for
	// revocations.
	UpdateStatus(ctx context.Context, id string, status models.Status, revokedAt *time.Time) error
	// ListByOwner returns every credential an owner has issued.
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Webhook, error)
	// RecordUsage atomically bumps total/success-or-fail counters and the
	// current day and minute buckets, pruning buckets past retention.
	RecordUsage(ctx context.Context, id string, success bool, now time.Time) error
	// DailyUsage returns the per-day buckets still within retention.
	DailyUsage(ctx context.Context, id string) (map[string]*models.DayBucket, error)
	// AppendAudit writes one immutable audit record.
	AppendAudit(ctx context.Context, rec *models.AuditRecord) error
	// Close releases underlying resources.
	Close() error
}
