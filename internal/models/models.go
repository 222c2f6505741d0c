package models

import (
	"time"
)

// Tier is a named permission level controlling rate and SQL restriction profiles.
type Tier string

const (
	TierReadOnly  Tier = "read_only"
	TierStandard  Tier = "standard"
	TierDeveloper Tier = "developer"
	TierAdmin     Tier = "admin"
)

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierReadOnly, TierStandard, TierDeveloper, TierAdmin:
		return Tier(s), true
	}
	return "", false
}

// Status of a webhook credential. Credentials are never deleted, only
// status-flipped, so revoked/expired records keep their audit value.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Webhook is an issued SQL webhook credential bound to one instance.
// The secret token itself is never stored, only its SHA-256 digest.
type Webhook struct {
	ID          string     `json:"id"`
	TokenDigest string     `json:"-"`
	OwnerID     string     `json:"owner_id"`
	InstanceID  string     `json:"instance_id"`
	Tier        Tier       `json:"tier"`
	Name        string     `json:"name,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	IPAllowlist []string   `json:"ip_allowlist,omitempty"`
	Usage       UsageStats `json:"usage_stats"`
}

// UsageStats tracks aggregate and per-day request counters for a credential.
// Invariant: TotalRequests == SuccessfulRequests + FailedRequests.
type UsageStats struct {
	TotalRequests      int64                 `json:"total_requests"`
	SuccessfulRequests int64                 `json:"successful_requests"`
	FailedRequests     int64                 `json:"failed_requests"`
	LastUsedAt         *time.Time            `json:"last_used_at"`
	DailyUsage         map[string]*DayBucket `json:"daily_usage,omitempty"`
}

// DayBucket holds one calendar day of usage, keyed by minute epoch
// (unix seconds / 60) for the per-minute breakdown.
type DayBucket struct {
	Requests int64           `json:"requests"`
	ByMinute map[int64]int64 `json:"by_minute,omitempty"`
}

// DayKey formats a time as the daily-usage map key.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MinuteEpoch returns the per-minute bucket key for a time.
func MinuteEpoch(t time.Time) int64 {
	return t.Unix() / 60
}

// AuditRecord is one append-only log entry per gateway request.
type AuditRecord struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	WebhookID      string    `json:"webhook_id"`
	UserID         string    `json:"user_id"`
	InstanceID     string    `json:"instance_id"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	QueryHash      string    `json:"query_hash"`
	QueryPreview   string    `json:"query_preview"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	StatusCode     int       `json:"status_code"`
	Success        bool      `json:"success"`
}

// Field describes one result column as reported by the driver.
type Field struct {
	Name        string `json:"name"`
	DataTypeOID uint32 `json:"dataTypeID"`
}

// QueryResult is the outcome of one statement executed through an isolated pool.
type QueryResult struct {
	Command  string           `json:"command"`
	RowCount int64            `json:"rowCount"`
	Rows     []map[string]any `json:"rows"`
	Fields   []Field          `json:"fields"`
}
