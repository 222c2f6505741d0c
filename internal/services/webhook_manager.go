package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nimbusdb/sqlgate/internal/models"
	"github.com/nimbusdb/sqlgate/internal/store"
)

// Validation failures. Handlers collapse these into a generic auth message;
// the distinction is for logs and tests.
var (
	ErrTokenNotFound    = errors.New("invalid webhook token")
	ErrWebhookInactive  = errors.New("webhook is not active")
	ErrWebhookExpired   = errors.New("webhook has expired")
	ErrInstanceMismatch = errors.New("token is not valid for this instance")
	ErrNotAuthorized    = errors.New("not authorized to manage this webhook")
)

const defaultExpiryDays = 365

// WebhookManager owns the credential lifecycle: issuance, validation,
// revocation and usage accounting, all through the injected store.
type WebhookManager struct {
	store   store.Store
	baseURL string
	now     func() time.Time
}

// NewWebhookManager creates a manager. baseURL is used to render shareable
// webhook URLs.
func NewWebhookManager(s store.Store, baseURL string) *WebhookManager {
	return &WebhookManager{store: s, baseURL: baseURL, now: time.Now}
}

// IssueOptions are the optional knobs for a new credential.
type IssueOptions struct {
	ExpiryDays  int
	IPAllowlist []string
	Name        string
}

// IssuedWebhook carries the one-time plaintext secret alongside the stored
// record. The secret is shown exactly once, at issuance.
type IssuedWebhook struct {
	*models.Webhook
	Token string `json:"token"`
	URL   string `json:"url"`
}

// TokenDigest returns the SHA-256 hex digest under which a token is stored.
// Lookups go through the digest index, so a wrong token and a wrong instance
// take the same path until the row is found.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook token: %w", err)
	}
	return "wh_sql_" + hex.EncodeToString(buf), nil
}

func generateID(now time.Time) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook id: %w", err)
	}
	return fmt.Sprintf("wh_%d_%s", now.UnixMilli(), hex.EncodeToString(buf)), nil
}

// Issue creates and persists a new credential for one instance.
func (m *WebhookManager) Issue(ctx context.Context, ownerID, instanceID string, tier models.Tier, opts IssueOptions) (*IssuedWebhook, error) {
	now := m.now()

	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	id, err := generateID(now)
	if err != nil {
		return nil, err
	}

	expiryDays := opts.ExpiryDays
	if expiryDays <= 0 {
		expiryDays = defaultExpiryDays
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("SQL webhook for %s", instanceID)
	}

	wh := &models.Webhook{
		ID:          id,
		TokenDigest: TokenDigest(token),
		OwnerID:     ownerID,
		InstanceID:  instanceID,
		Tier:        tier,
		Name:        name,
		Status:      models.StatusActive,
		CreatedAt:   now,
		ExpiresAt:   now.AddDate(0, 0, expiryDays),
		IPAllowlist: opts.IPAllowlist,
	}

	if err := m.store.Create(ctx, wh); err != nil {
		return nil, err
	}

	log.Info().
		Str("webhook_id", wh.ID).
		Str("instance_id", instanceID).
		Str("tier", string(tier)).
		Msg("SQL webhook issued")

	return &IssuedWebhook{
		Webhook: wh,
		Token:   token,
		URL:     m.WebhookURL(instanceID, token),
	}, nil
}

// Validate resolves a token for a target instance. A credential past its
// expiry is flipped to expired as a side effect; repeated checks keep
// reporting expiry.
func (m *WebhookManager) Validate(ctx context.Context, token, instanceID string) (*models.Webhook, error) {
	wh, err := m.store.GetByTokenDigest(ctx, TokenDigest(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	switch wh.Status {
	case models.StatusActive:
	case models.StatusExpired:
		return nil, ErrWebhookExpired
	default:
		return nil, ErrWebhookInactive
	}

	if m.now().After(wh.ExpiresAt) {
		if err := m.store.UpdateStatus(ctx, wh.ID, models.StatusExpired, nil); err != nil {
			log.Error().Err(err).Str("webhook_id", wh.ID).Msg("Failed to flip webhook to expired")
		}
		return nil, ErrWebhookExpired
	}

	if wh.InstanceID != instanceID {
		return nil, ErrInstanceMismatch
	}
	return wh, nil
}

// Revoke flips a credential to revoked. Only the owner may revoke; repeat
// calls are a no-op.
func (m *WebhookManager) Revoke(ctx context.Context, id, ownerID string) error {
	wh, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if wh.OwnerID != ownerID {
		return ErrNotAuthorized
	}
	if wh.Status == models.StatusRevoked {
		return nil
	}

	now := m.now()
	if err := m.store.UpdateStatus(ctx, id, models.StatusRevoked, &now); err != nil {
		return err
	}
	log.Info().Str("webhook_id", id).Msg("SQL webhook revoked")
	return nil
}

// List returns an owner's credentials. Secrets are never stored, so there
// is nothing to redact beyond the digest, which does not serialize.
func (m *WebhookManager) List(ctx context.Context, ownerID string) ([]*models.Webhook, error) {
	return m.store.ListByOwner(ctx, ownerID)
}

// Get returns a single credential with its daily usage attached.
func (m *WebhookManager) Get(ctx context.Context, id string) (*models.Webhook, error) {
	wh, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if wh.Usage.DailyUsage, err = m.store.DailyUsage(ctx, id); err != nil {
		return nil, err
	}
	return wh, nil
}

// RecordUsage bumps the credential's counters after a request completed,
// successfully or not.
func (m *WebhookManager) RecordUsage(ctx context.Context, id string, success bool) error {
	return m.store.RecordUsage(ctx, id, success, m.now())
}

// WebhookStats is the usage summary served by the stats endpoint.
type WebhookStats struct {
	ID                 string                       `json:"id"`
	TotalRequests      int64                        `json:"total_requests"`
	SuccessfulRequests int64                        `json:"successful_requests"`
	FailedRequests     int64                        `json:"failed_requests"`
	SuccessRate        float64                      `json:"success_rate"`
	LastUsedAt         *time.Time                   `json:"last_used"`
	DailyUsage         map[string]*models.DayBucket `json:"daily_usage"`
}

// Stats summarizes a credential's usage.
func (m *WebhookManager) Stats(ctx context.Context, id string) (*WebhookStats, error) {
	wh, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	daily, err := m.store.DailyUsage(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := &WebhookStats{
		ID:                 wh.ID,
		TotalRequests:      wh.Usage.TotalRequests,
		SuccessfulRequests: wh.Usage.SuccessfulRequests,
		FailedRequests:     wh.Usage.FailedRequests,
		LastUsedAt:         wh.Usage.LastUsedAt,
		DailyUsage:         daily,
	}
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRequests) / float64(stats.TotalRequests) * 100
	}
	return stats, nil
}

// WebhookURL renders the shareable URL for a credential.
func (m *WebhookManager) WebhookURL(instanceID, token string) string {
	return fmt.Sprintf("%s/webhook/sql/%s?token=%s", m.baseURL, instanceID, token)
}
