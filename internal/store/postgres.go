package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nimbusdb/sqlgate/internal/models"
	"github.com/nimbusdb/sqlgate/pkg/database"
)

// Postgres stores credentials and audit records in the gateway's own
// control-plane database. This pool is entirely separate from the isolated
// per-instance execution pools.
type Postgres struct {
	db *database.DB
}

// NewPostgres wraps an already connected control-plane database.
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

const webhookColumns = `id, token_digest, owner_id, instance_id, tier, name, status,
	created_at, expires_at, revoked_at, ip_allowlist,
	total_requests, successful_requests, failed_requests, last_used_at`

func (p *Postgres) Create(ctx context.Context, wh *models.Webhook) error {
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO sql_webhooks
			(id, token_digest, owner_id, instance_id, tier, name, status,
			 created_at, expires_at, ip_allowlist)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		wh.ID, wh.TokenDigest, wh.OwnerID, wh.InstanceID, string(wh.Tier),
		wh.Name, string(wh.Status), wh.CreatedAt, wh.ExpiresAt, wh.IPAllowlist,
	)
	if err != nil {
		return fmt.Errorf("failed to insert webhook: %w", err)
	}
	return nil
}

func (p *Postgres) GetByID(ctx context.Context, id string) (*models.Webhook, error) {
	row := p.db.Pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM sql_webhooks WHERE id = $1`, id)
	return scanWebhook(row)
}

func (p *Postgres) GetByTokenDigest(ctx context.Context, digest string) (*models.Webhook, error) {
	row := p.db.Pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM sql_webhooks WHERE token_digest = $1`, digest)
	return scanWebhook(row)
}

func scanWebhook(row pgx.Row) (*models.Webhook, error) {
	var wh models.Webhook
	var tier, status string
	err := row.Scan(
		&wh.ID, &wh.TokenDigest, &wh.OwnerID, &wh.InstanceID, &tier, &wh.Name, &status,
		&wh.CreatedAt, &wh.ExpiresAt, &wh.RevokedAt, &wh.IPAllowlist,
		&wh.Usage.TotalRequests, &wh.Usage.SuccessfulRequests,
		&wh.Usage.FailedRequests, &wh.Usage.LastUsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook: %w", err)
	}
	wh.Tier = models.Tier(tier)
	wh.Status = models.Status(status)
	return &wh, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, id string, status models.Status, revokedAt *time.Time) error {
	tag, err := p.db.Pool.Exec(ctx,
		`UPDATE sql_webhooks SET status = $2, revoked_at = COALESCE($3, revoked_at) WHERE id = $1`,
		id, string(status), revokedAt)
	if err != nil {
		return fmt.Errorf("failed to update webhook status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListByOwner(ctx context.Context, ownerID string) ([]*models.Webhook, error) {
	rows, err := p.db.Pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM sql_webhooks WHERE owner_id = $1 ORDER BY created_at DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*models.Webhook
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

// RecordUsage bumps counters with single-statement atomic increments, so
// concurrent requests from one credential never under-count.
func (p *Postgres) RecordUsage(ctx context.Context, id string, success bool, now time.Time) error {
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE sql_webhooks SET
			total_requests = total_requests + 1,
			successful_requests = successful_requests + $2,
			failed_requests = failed_requests + $3,
			last_used_at = $4
		WHERE id = $1`,
		id, succ, fail, now)
	if err != nil {
		return fmt.Errorf("failed to record webhook usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	minute := strconv.FormatInt(models.MinuteEpoch(now), 10)
	_, err = p.db.Pool.Exec(ctx, `
		INSERT INTO webhook_daily_usage (webhook_id, day, requests, by_minute)
		VALUES ($1, $2, 1, jsonb_build_object($3::text, 1))
		ON CONFLICT (webhook_id, day) DO UPDATE SET
			requests = webhook_daily_usage.requests + 1,
			by_minute = jsonb_set(
				webhook_daily_usage.by_minute,
				ARRAY[$3::text],
				to_jsonb(COALESCE((webhook_daily_usage.by_minute->>$3::text)::bigint, 0) + 1))`,
		id, models.DayKey(now), minute)
	if err != nil {
		return fmt.Errorf("failed to record daily usage: %w", err)
	}

	// Opportunistic prune of buckets past retention.
	cutoff := models.DayKey(now.Add(-usageRetention))
	if _, err := p.db.Pool.Exec(ctx,
		`DELETE FROM webhook_daily_usage WHERE webhook_id = $1 AND day < $2`,
		id, cutoff); err != nil {
		return fmt.Errorf("failed to prune daily usage: %w", err)
	}
	return nil
}

func (p *Postgres) DailyUsage(ctx context.Context, id string) (map[string]*models.DayBucket, error) {
	rows, err := p.db.Pool.Query(ctx,
		`SELECT day, requests, by_minute FROM webhook_daily_usage WHERE webhook_id = $1 ORDER BY day`,
		id)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.DayBucket)
	for rows.Next() {
		var day time.Time
		var bucket models.DayBucket
		var raw []byte
		if err := rows.Scan(&day, &bucket.Requests, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		byMinute := map[string]int64{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &byMinute); err != nil {
				return nil, fmt.Errorf("failed to decode minute buckets: %w", err)
			}
		}
		bucket.ByMinute = make(map[int64]int64, len(byMinute))
		for k, v := range byMinute {
			epoch, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				continue
			}
			bucket.ByMinute[epoch] = v
		}
		out[models.DayKey(day)] = &bucket
	}
	return out, rows.Err()
}

func (p *Postgres) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO webhook_audit_log
			(id, ts, webhook_id, user_id, instance_id, ip_address, user_agent,
			 query_hash, query_preview, method, path, response_time_ms, status_code, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.Timestamp, rec.WebhookID, rec.UserID, rec.InstanceID,
		rec.IPAddress, rec.UserAgent, rec.QueryHash, rec.QueryPreview,
		rec.Method, rec.Path, rec.ResponseTimeMS, rec.StatusCode, rec.Success)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}
