package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/nimbusdb/sqlgate/internal/audit"
	"github.com/nimbusdb/sqlgate/internal/models"
	"github.com/nimbusdb/sqlgate/internal/policy"
	"github.com/nimbusdb/sqlgate/internal/security"
	"github.com/nimbusdb/sqlgate/internal/services"
)

type contextKey string

const requestCtxKey contextKey = "webhook_request"

const maxBodyBytes = 1 << 20

// requestContext travels with a webhook request through the pipeline. It is
// stored once by Authenticate and mutated in place by later stages.
type requestContext struct {
	webhook      *models.Webhook
	rate         policy.RateProfile
	restrictions policy.RestrictionProfile

	instanceID    string
	ip            string
	userAgent     string
	query         string
	transactionID string

	// counted is set once the rate gate has consumed a slot; the audit
	// stage only records usage for counted requests.
	counted bool
}

func fromContext(ctx context.Context) *requestContext {
	rc, _ := ctx.Value(requestCtxKey).(*requestContext)
	return rc
}

// Pipeline is the ordered middleware chain every webhook request passes
// through: IP throttle, authentication, audit capture, rate limiting and the
// SQL security check.
type Pipeline struct {
	manager  *services.WebhookManager
	limiter  *services.RateLimiter
	checker  *security.Checker
	recorder *audit.Recorder

	ipMu       sync.Mutex
	ipLimiters map[string]*ipEntry
	ipRate     rate.Limit
	ipBurst    int
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipIdleTTL is how long an address may stay quiet before its limiter is
// evicted.
const ipIdleTTL = 10 * time.Minute

// NewPipeline wires the pipeline stages together. ipRPS/ipBurst bound
// pre-auth traffic per source address.
func NewPipeline(manager *services.WebhookManager, limiter *services.RateLimiter, checker *security.Checker, recorder *audit.Recorder, ipRPS float64, ipBurst int) *Pipeline {
	return &Pipeline{
		manager:    manager,
		limiter:    limiter,
		checker:    checker,
		recorder:   recorder,
		ipLimiters: make(map[string]*ipEntry),
		ipRate:     rate.Limit(ipRPS),
		ipBurst:    ipBurst,
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (p *Pipeline) ipLimiter(ip string) *rate.Limiter {
	p.ipMu.Lock()
	defer p.ipMu.Unlock()

	e, ok := p.ipLimiters[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(p.ipRate, p.ipBurst)}
		p.ipLimiters[ip] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// StartIPSweep evicts limiters for addresses that have gone quiet, so the
// per-IP map cannot grow without bound.
func (p *Pipeline) StartIPSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweepIPLimiters(time.Now())
			}
		}
	}()
}

func (p *Pipeline) sweepIPLimiters(now time.Time) {
	p.ipMu.Lock()
	defer p.ipMu.Unlock()

	for ip, e := range p.ipLimiters {
		if now.Sub(e.lastSeen) > ipIdleTTL {
			delete(p.ipLimiters, ip)
		}
	}
}

// IPThrottle rejects floods from a single source address before any
// credential work happens.
func (p *Pipeline) IPThrottle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.ipLimiter(clientIP(r)).Allow() {
			writeRateLimited(w, "Too many requests from this address", 1)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate resolves the webhook token against the target instance and
// attaches the request context. All validation failures collapse into one
// generic message so callers cannot probe which part failed.
func (p *Pipeline) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("X-Webhook-Token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, CodeTokenMissing, "Webhook token is required")
			return
		}

		instanceID := chi.URLParam(r, "instanceID")
		if instanceID == "" {
			writeError(w, http.StatusBadRequest, CodeInstanceIDMissing, "Instance ID is required")
			return
		}

		ip := clientIP(r)
		wh, err := p.manager.Validate(r.Context(), token, instanceID)
		if err != nil {
			if isAuthFailure(err) {
				log.Warn().
					Err(err).
					Str("instance_id", instanceID).
					Str("ip", ip).
					Msg("Webhook authentication rejected")
				writeError(w, http.StatusUnauthorized, CodeAuthFailed, "Invalid or expired webhook token")
				return
			}
			log.Error().Err(err).Msg("Webhook validation failed")
			writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
			return
		}

		if len(wh.IPAllowlist) > 0 && !ipAllowed(wh.IPAllowlist, ip) {
			log.Warn().
				Str("webhook_id", wh.ID).
				Str("ip", ip).
				Msg("Webhook request from address outside allowlist")
			writeError(w, http.StatusUnauthorized, CodeAuthFailed, "Invalid or expired webhook token")
			return
		}

		rc := &requestContext{
			webhook:      wh,
			rate:         policy.RateLimits(wh.Tier),
			restrictions: policy.Restrictions(wh.Tier),
			instanceID:   instanceID,
			ip:           ip,
			userAgent:    r.UserAgent(),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestCtxKey, rc)))
	})
}

func isAuthFailure(err error) bool {
	return errors.Is(err, services.ErrTokenNotFound) ||
		errors.Is(err, services.ErrWebhookInactive) ||
		errors.Is(err, services.ErrWebhookExpired) ||
		errors.Is(err, services.ErrInstanceMismatch)
}

func ipAllowed(allowlist []string, ip string) bool {
	for _, a := range allowlist {
		if a == ip {
			return true
		}
	}
	return false
}

type executeRequest struct {
	Query         string `json:"query"`
	TransactionID string `json:"transaction_id"`
}

// Audit captures the request body and, once the handler finishes, writes an
// audit record and bumps usage counters. It runs right after Authenticate so
// rejections further down the chain are audited too.
func (p *Pipeline) Audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := fromContext(r.Context())
		if rc == nil {
			writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
			return
		}

		if r.Method == http.MethodPost && r.Body != nil {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			r.Body.Close()
			if err == nil {
				var req executeRequest
				if jsonErr := json.Unmarshal(body, &req); jsonErr == nil {
					rc.query = req.Query
					rc.transactionID = req.TransactionID
				}
			}
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			success := status < http.StatusBadRequest

			rec := &models.AuditRecord{
				Timestamp:      start,
				WebhookID:      rc.webhook.ID,
				UserID:         rc.webhook.OwnerID,
				InstanceID:     rc.instanceID,
				IPAddress:      rc.ip,
				UserAgent:      rc.userAgent,
				QueryHash:      security.Hash(rc.query),
				QueryPreview:   security.Preview(security.Sanitize(rc.query), 100),
				Method:         r.Method,
				Path:           r.URL.Path,
				ResponseTimeMS: time.Since(start).Milliseconds(),
				StatusCode:     status,
				Success:        success,
			}
			p.recorder.Record(rec)

			if rc.counted {
				// Request context may already be canceled by the time
				// the response has gone out.
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := p.manager.RecordUsage(ctx, rc.webhook.ID, success); err != nil {
					log.Error().Err(err).Str("webhook_id", rc.webhook.ID).Msg("Failed to record webhook usage")
				}
			}
		}()

		next.ServeHTTP(ww, r)
	})
}

// RateLimit enforces the tier's minute and daily windows in one atomic pass.
func (p *Pipeline) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := fromContext(r.Context())

		err := p.limiter.Allow(r.Context(), rc.webhook.ID, rc.rate)
		switch {
		case err == nil:
			rc.counted = true
		case errors.Is(err, services.ErrRateLimitExceeded):
			rc.counted = true
			writeRateLimited(w, "Rate limit exceeded, slow down", p.limiter.RetryAfter())
			return
		case errors.Is(err, services.ErrQuotaExceeded):
			rc.counted = true
			writeRateLimited(w, "Daily quota exceeded", secondsUntilTomorrow(time.Now()))
			return
		default:
			// A backend outage is not the caller's attempt; it must not
			// count against the credential.
			log.Error().Err(err).Str("webhook_id", rc.webhook.ID).Msg("Rate limit backend failure")
			writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secondsUntilTomorrow(now time.Time) int {
	now = now.UTC()
	tomorrow := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	secs := int(tomorrow.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// SecurityCheck runs the layered SQL policy over the request's query.
func (p *Pipeline) SecurityCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := fromContext(r.Context())

		if rc.query == "" {
			writeError(w, http.StatusBadRequest, CodeQueryMissing, "SQL query is required")
			return
		}

		decision := p.checker.Check(rc.query, rc.restrictions)
		if !decision.Allowed {
			event := log.Warn()
			if decision.Severity == security.SeverityHigh || decision.Severity == security.SeverityCritical {
				event = log.Error()
			}
			event.
				Str("webhook_id", rc.webhook.ID).
				Str("instance_id", rc.instanceID).
				Str("rule", decision.Rule).
				Str("severity", string(decision.Severity)).
				Str("query_hash", security.Hash(rc.query)).
				Str("query_preview", security.Preview(security.Sanitize(rc.query), 100)).
				Msg("SQL query blocked by security policy")
			writeError(w, http.StatusBadRequest, CodeSecurityViolation, decision.Reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}
