package store

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusdb/sqlgate/internal/models"
)

// Memory is a mutex-guarded in-memory store. Used in tests and in dev mode
// when no control-plane database is configured.
type Memory struct {
	mu       sync.Mutex
	byID     map[string]*models.Webhook
	byDigest map[string]string
	usage    map[string]map[string]*models.DayBucket
	audit    []*models.AuditRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[string]*models.Webhook),
		byDigest: make(map[string]string),
		usage:    make(map[string]map[string]*models.DayBucket),
	}
}

func (m *Memory) Create(_ context.Context, wh *models.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *wh
	m.byID[wh.ID] = &cp
	m.byDigest[wh.TokenDigest] = wh.ID
	return nil
}

func (m *Memory) GetByID(_ context.Context, id string) (*models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *Memory) GetByTokenDigest(_ context.Context, digest string) (*models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byDigest[digest]
	if !ok {
		return nil, ErrNotFound
	}
	return m.getLocked(id)
}

func (m *Memory) getLocked(id string) (*models.Webhook, error) {
	wh, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *wh
	return &cp, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status models.Status, revokedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wh, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	wh.Status = status
	if revokedAt != nil {
		wh.RevokedAt = revokedAt
	}
	return nil
}

func (m *Memory) ListByOwner(_ context.Context, ownerID string) ([]*models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Webhook
	for _, wh := range m.byID {
		if wh.OwnerID == ownerID {
			cp := *wh
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) RecordUsage(_ context.Context, id string, success bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wh, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}

	wh.Usage.TotalRequests++
	if success {
		wh.Usage.SuccessfulRequests++
	} else {
		wh.Usage.FailedRequests++
	}
	t := now
	wh.Usage.LastUsedAt = &t

	days := m.usage[id]
	if days == nil {
		days = make(map[string]*models.DayBucket)
		m.usage[id] = days
	}
	day := models.DayKey(now)
	bucket := days[day]
	if bucket == nil {
		bucket = &models.DayBucket{ByMinute: make(map[int64]int64)}
		days[day] = bucket
	}
	bucket.Requests++
	bucket.ByMinute[models.MinuteEpoch(now)]++

	cutoff := models.DayKey(now.Add(-usageRetention))
	for d := range days {
		if d < cutoff {
			delete(days, d)
		}
	}
	return nil
}

func (m *Memory) DailyUsage(_ context.Context, id string) (map[string]*models.DayBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*models.DayBucket, len(m.usage[id]))
	for day, bucket := range m.usage[id] {
		cp := models.DayBucket{Requests: bucket.Requests, ByMinute: make(map[int64]int64, len(bucket.ByMinute))}
		for k, v := range bucket.ByMinute {
			cp.ByMinute[k] = v
		}
		out[day] = &cp
	}
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, rec *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.audit = append(m.audit, &cp)
	return nil
}

// AuditRecords returns a snapshot of the audit trail, oldest first.
func (m *Memory) AuditRecords() []*models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.AuditRecord, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *Memory) Close() error { return nil }
