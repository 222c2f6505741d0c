package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nimbusdb/sqlgate/internal/audit"
	"github.com/nimbusdb/sqlgate/internal/handlers"
	"github.com/nimbusdb/sqlgate/internal/models"
	"github.com/nimbusdb/sqlgate/internal/security"
	"github.com/nimbusdb/sqlgate/internal/services"
	"github.com/nimbusdb/sqlgate/internal/store"
)

const testJWTSecret = "test-secret"

type fakeExecutor struct {
	result    *models.QueryResult
	execErr   error
	healthErr error

	calls        int
	lastInstance string
	lastQuery    string
}

func (f *fakeExecutor) Execute(_ context.Context, instanceID, query string) (*models.QueryResult, error) {
	f.calls++
	f.lastInstance = instanceID
	f.lastQuery = query
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.result, nil
}

func (f *fakeExecutor) Health(_ context.Context, instanceID string) error {
	f.lastInstance = instanceID
	return f.healthErr
}

type fixture struct {
	store   *store.Memory
	manager *services.WebhookManager
	exec    *fakeExecutor
	router  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithCounter(t, services.NewLocalCounter())
}

func newFixtureWithCounter(t *testing.T, counter services.Counter) *fixture {
	t.Helper()

	mem := store.NewMemory()
	manager := services.NewWebhookManager(mem, "http://localhost:3080")
	limiter := services.NewRateLimiter(counter)
	checker := security.NewChecker()
	recorder := audit.NewRecorder(mem)

	exec := &fakeExecutor{
		result: &models.QueryResult{
			Command:  "SELECT",
			RowCount: 1,
			Rows:     []map[string]any{{"n": float64(1)}},
			Fields:   []models.Field{{Name: "n", DataTypeOID: 23}},
		},
	}

	// High per-IP throttle so only the credential windows matter here.
	pipeline := handlers.NewPipeline(manager, limiter, checker, recorder, 10000, 10000)
	webhook := handlers.NewWebhookHandler(exec, manager, limiter)
	admin := handlers.NewAdminHandler(manager, testJWTSecret)

	return &fixture{
		store:   mem,
		manager: manager,
		exec:    exec,
		router:  handlers.NewRouter(pipeline, webhook, admin),
	}
}

func (f *fixture) issue(t *testing.T, ownerID, instanceID string, tier models.Tier, opts services.IssueOptions) *services.IssuedWebhook {
	t.Helper()
	issued, err := f.manager.Issue(context.Background(), ownerID, instanceID, tier, opts)
	if err != nil {
		t.Fatalf("issue webhook: %v", err)
	}
	return issued
}

func (f *fixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rr)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("response has no error object: %q", rr.Body.String())
	}
	code, _ := errObj["code"].(string)
	return code
}

func adminToken(t *testing.T, userID string) string {
	t.Helper()
	claims := &handlers.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func execPath(instanceID, token string) string {
	return fmt.Sprintf("/webhook/sql/%s?token=%s", instanceID, token)
}

func TestExecuteSelect(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})

	rr := f.do(t, http.MethodPost, execPath("inst_1", issued.Token),
		map[string]string{"query": "SELECT 1", "transaction_id": "txn_42"}, nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["success"] != true {
		t.Fatalf("success = %v", body["success"])
	}
	if body["transaction_id"] != "txn_42" {
		t.Errorf("transaction_id = %v, want echo of caller's id", body["transaction_id"])
	}
	result := body["result"].(map[string]any)
	if result["command"] != "SELECT" || result["rowCount"] != float64(1) {
		t.Errorf("result = %v", result)
	}
	ec := body["execution_context"].(map[string]any)
	if ec["tier"] != "read_only" {
		t.Errorf("execution_context.tier = %v", ec["tier"])
	}
	if f.exec.lastInstance != "inst_1" || f.exec.lastQuery != "SELECT 1" {
		t.Errorf("executor saw (%q, %q)", f.exec.lastInstance, f.exec.lastQuery)
	}
}

func TestExecuteMintsTransactionID(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})

	rr := f.do(t, http.MethodPost, execPath("inst_1", issued.Token),
		map[string]string{"query": "SELECT 1"}, nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	txn, _ := decodeBody(t, rr)["transaction_id"].(string)
	if len(txn) < 4 || txn[:3] != "wh_" {
		t.Errorf("minted transaction_id = %q", txn)
	}
}

func TestExecuteSecurityViolation(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})

	rr := f.do(t, http.MethodPost, execPath("inst_1", issued.Token),
		map[string]string{"query": "INSERT INTO users (id) VALUES (1)"}, nil)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != handlers.CodeSecurityViolation {
		t.Errorf("code = %q, want %q", code, handlers.CodeSecurityViolation)
	}
	if f.exec.calls != 0 {
		t.Errorf("executor was called %d times for a rejected query", f.exec.calls)
	}
}

func TestExecuteMissingQuery(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})

	rr := f.do(t, http.MethodPost, execPath("inst_1", issued.Token), map[string]string{}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if code := errorCode(t, rr); code != handlers.CodeQueryMissing {
		t.Errorf("code = %q", code)
	}
}

func TestAuthFailures(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})

	tests := []struct {
		name     string
		path     string
		wantCode string
	}{
		{"missing token", "/webhook/sql/inst_1", handlers.CodeTokenMissing},
		{"unknown token", execPath("inst_1", "wh_sql_ffffffffffffffffffffffffffffffff"), handlers.CodeAuthFailed},
		{"wrong instance", execPath("inst_other", issued.Token), handlers.CodeAuthFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, tt.path, map[string]string{"query": "SELECT 1"}, nil)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
			}
			if code := errorCode(t, rr); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestAuthFailureMessagesDoNotDistinguish(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})
	if err := f.manager.Revoke(context.Background(), issued.ID, "user_1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	unknown := f.do(t, http.MethodPost, execPath("inst_1", "wh_sql_ffffffffffffffffffffffffffffffff"),
		map[string]string{"query": "SELECT 1"}, nil)
	revoked := f.do(t, http.MethodPost, execPath("inst_1", issued.Token),
		map[string]string{"query": "SELECT 1"}, nil)

	if unknown.Body.String() != revoked.Body.String() {
		t.Errorf("unknown-token and revoked-token responses differ:\n%q\n%q",
			unknown.Body.String(), revoked.Body.String())
	}
}

func TestTokenFromHeader(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})

	rr := f.do(t, http.MethodPost, "/webhook/sql/inst_1",
		map[string]string{"query": "SELECT 1"},
		map[string]string{"X-Webhook-Token": issued.Token})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
	}
}

func TestIPAllowlist(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{
		IPAllowlist: []string{"10.1.2.3"},
	})

	// httptest requests come from 192.0.2.1, which is not on the list.
	rr := f.do(t, http.MethodPost, execPath("inst_1", issued.Token),
		map[string]string{"query": "SELECT 1"}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
	if code := errorCode(t, rr); code != handlers.CodeAuthFailed {
		t.Errorf("code = %q", code)
	}

	allowed := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{
		IPAllowlist: []string{"192.0.2.1"},
	})
	rr = f.do(t, http.MethodPost, execPath("inst_1", allowed.Token),
		map[string]string{"query": "SELECT 1"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("allowlisted request status = %d, body %q", rr.Code, rr.Body.String())
	}
}

func TestRateLimitWindow(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})

	// read_only allows 20 requests per minute.
	for i := 0; i < 20; i++ {
		rr := f.do(t, http.MethodPost, execPath("inst_1", issued.Token),
			map[string]string{"query": "SELECT 1"}, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, body %q", i+1, rr.Code, rr.Body.String())
		}
	}

	rr := f.do(t, http.MethodPost, execPath("inst_1", issued.Token),
		map[string]string{"query": "SELECT 1"}, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("request 21: status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if code := errorCode(t, rr); code != handlers.CodeRateLimited {
		t.Errorf("code = %q", code)
	}
	retry, _ := body["retry_after"].(float64)
	if retry < 1 || retry > 60 {
		t.Errorf("retry_after = %v, want within the minute window", retry)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

type failingCounter struct{}

func (failingCounter) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("backend unavailable")
}

func TestRateBackendFailureNotCounted(t *testing.T) {
	f := newFixtureWithCounter(t, failingCounter{})
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})

	rr := f.do(t, http.MethodPost, execPath("inst_1", issued.Token),
		map[string]string{"query": "SELECT 1"}, nil)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != handlers.CodeInternalError {
		t.Errorf("code = %q, want %q", code, handlers.CodeInternalError)
	}

	// The outage is ours, not the caller's attempt: no usage is recorded.
	wh, err := f.store.GetByID(context.Background(), issued.ID)
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	if wh.Usage.TotalRequests != 0 {
		t.Errorf("total = %d, want 0 after a backend failure", wh.Usage.TotalRequests)
	}

	// The request is still audited.
	records := f.store.AuditRecords()
	if len(records) != 1 || records[0].Success {
		t.Errorf("audit records = %+v", records)
	}
}

func TestExecutionFailure(t *testing.T) {
	f := newFixture(t)
	f.exec.execErr = errors.New("relation \"nope\" does not exist")
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})

	rr := f.do(t, http.MethodPost, execPath("inst_1", issued.Token),
		map[string]string{"query": "SELECT * FROM nope"}, nil)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if code := errorCode(t, rr); code != handlers.CodeExecutionFailed {
		t.Errorf("code = %q", code)
	}
	txn, _ := decodeBody(t, rr)["transaction_id"].(string)
	if len(txn) < 10 || txn[:9] != "wh_error_" {
		t.Errorf("error transaction_id = %q", txn)
	}
}

func TestUsageAndAuditRecorded(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})

	f.do(t, http.MethodPost, execPath("inst_1", issued.Token),
		map[string]string{"query": "SELECT 1"}, nil)
	f.do(t, http.MethodPost, execPath("inst_1", issued.Token),
		map[string]string{"query": "DELETE FROM users"}, nil)

	wh, err := f.store.GetByID(context.Background(), issued.ID)
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	if wh.Usage.TotalRequests != 2 {
		t.Errorf("total = %d, want 2", wh.Usage.TotalRequests)
	}
	if wh.Usage.SuccessfulRequests != 1 || wh.Usage.FailedRequests != 1 {
		t.Errorf("success/failed = %d/%d, want 1/1",
			wh.Usage.SuccessfulRequests, wh.Usage.FailedRequests)
	}

	records := f.store.AuditRecords()
	if len(records) != 2 {
		t.Fatalf("audit records = %d, want 2", len(records))
	}
	if !records[0].Success || records[1].Success {
		t.Errorf("audit success flags = %v/%v", records[0].Success, records[1].Success)
	}
	for _, rec := range records {
		if rec.WebhookID != issued.ID || rec.InstanceID != "inst_1" {
			t.Errorf("audit record attribution: %+v", rec)
		}
		if rec.QueryHash == "" || rec.ID == "" {
			t.Errorf("audit record missing id or hash: %+v", rec)
		}
	}
}

func TestAuthFailureNotCountedAsUsage(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})

	f.do(t, http.MethodPost, execPath("inst_other", issued.Token),
		map[string]string{"query": "SELECT 1"}, nil)

	wh, err := f.store.GetByID(context.Background(), issued.ID)
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	if wh.Usage.TotalRequests != 0 {
		t.Errorf("total = %d, want 0 for unauthenticated requests", wh.Usage.TotalRequests)
	}
}

func TestValidateDryRun(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierStandard, services.IssueOptions{})

	rr := f.do(t, http.MethodPost,
		fmt.Sprintf("/webhook/sql/inst_1/validate?token=%s", issued.Token),
		map[string]string{"query": "UPDATE public.orders SET total = 10"}, nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	validation := body["validation"].(map[string]any)
	for _, stage := range []string{"authentication", "rate_limit", "security_check"} {
		if validation[stage] != "passed" {
			t.Errorf("validation.%s = %v", stage, validation[stage])
		}
	}
	if f.exec.calls != 0 {
		t.Errorf("validate must not touch the database, executor calls = %d", f.exec.calls)
	}

	rr = f.do(t, http.MethodPost,
		fmt.Sprintf("/webhook/sql/inst_1/validate?token=%s", issued.Token),
		map[string]string{"query": "DROP DATABASE prod"}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blocked query validate status = %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})

	rr := f.do(t, http.MethodGet,
		fmt.Sprintf("/webhook/sql/inst_1/health?token=%s", issued.Token), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["status"] != "healthy" || body["connection_test"] != "passed" {
		t.Errorf("health body = %v", body)
	}

	f.exec.healthErr = errors.New("connection refused")
	rr = f.do(t, http.MethodGet,
		fmt.Sprintf("/webhook/sql/inst_1/health?token=%s", issued.Token), nil, nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("unhealthy status = %d", rr.Code)
	}
	if decodeBody(t, rr)["status"] != "unhealthy" {
		t.Errorf("unhealthy body = %q", rr.Body.String())
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierDeveloper, services.IssueOptions{})

	f.do(t, http.MethodPost, execPath("inst_1", issued.Token),
		map[string]string{"query": "SELECT 1"}, nil)

	rr := f.do(t, http.MethodGet,
		fmt.Sprintf("/webhook/sql/inst_1/stats?token=%s", issued.Token), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["tier"] != "developer" {
		t.Errorf("tier = %v", body["tier"])
	}
	stats := body["stats"].(map[string]any)
	if stats["total_requests"] != float64(1) || stats["success_rate"] != float64(100) {
		t.Errorf("stats = %v", stats)
	}
	limits := body["rate_limits"].(map[string]any)
	if limits["requests_per_minute"] != float64(50) {
		t.Errorf("rate_limits = %v", limits)
	}
}

func TestAdminLifecycle(t *testing.T) {
	f := newFixture(t)
	token := adminToken(t, "user_1")
	auth := map[string]string{"Authorization": "Bearer " + token}

	// Issue.
	rr := f.do(t, http.MethodPost, "/api/v1/webhooks", map[string]any{
		"instance_id": "inst_1",
		"tier":        "standard",
	}, auth)
	if rr.Code != http.StatusCreated {
		t.Fatalf("issue status = %d, body %q", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	whBody := body["webhook"].(map[string]any)
	plaintext, _ := whBody["token"].(string)
	webhookID, _ := whBody["id"].(string)
	if len(plaintext) != len("wh_sql_")+32 || plaintext[:7] != "wh_sql_" {
		t.Fatalf("issued token = %q", plaintext)
	}
	if whBody["url"] == "" {
		t.Error("issued webhook has no shareable url")
	}

	// The issued token works.
	exec := f.do(t, http.MethodPost, execPath("inst_1", plaintext),
		map[string]string{"query": "SELECT 1"}, nil)
	if exec.Code != http.StatusOK {
		t.Fatalf("execute with issued token: %d, body %q", exec.Code, exec.Body.String())
	}

	// List.
	rr = f.do(t, http.MethodGet, "/api/v1/webhooks", nil, auth)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	if decodeBody(t, rr)["count"] != float64(1) {
		t.Errorf("list count = %v", decodeBody(t, rr)["count"])
	}

	// Get: the digest never serializes, the plaintext is gone.
	rr = f.do(t, http.MethodGet, "/api/v1/webhooks/"+webhookID, nil, auth)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	got := decodeBody(t, rr)["webhook"].(map[string]any)
	if _, leaked := got["token"]; leaked {
		t.Error("stored webhook serialized a token")
	}

	// Revoke, twice. Both succeed.
	for i := 0; i < 2; i++ {
		rr = f.do(t, http.MethodDelete, "/api/v1/webhooks/"+webhookID, nil, auth)
		if rr.Code != http.StatusOK {
			t.Fatalf("revoke %d status = %d, body %q", i+1, rr.Code, rr.Body.String())
		}
	}

	// The token is dead.
	exec = f.do(t, http.MethodPost, execPath("inst_1", plaintext),
		map[string]string{"query": "SELECT 1"}, nil)
	if exec.Code != http.StatusUnauthorized {
		t.Fatalf("execute after revoke: %d", exec.Code)
	}
}

func TestAdminOwnership(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t, "user_1", "inst_1", models.TierReadOnly, services.IssueOptions{})
	otherAuth := map[string]string{"Authorization": "Bearer " + adminToken(t, "user_2")}

	rr := f.do(t, http.MethodGet, "/api/v1/webhooks/"+issued.ID, nil, otherAuth)
	if rr.Code != http.StatusNotFound {
		t.Errorf("get foreign webhook status = %d", rr.Code)
	}

	rr = f.do(t, http.MethodDelete, "/api/v1/webhooks/"+issued.ID, nil, otherAuth)
	if rr.Code != http.StatusNotFound {
		t.Errorf("revoke foreign webhook status = %d", rr.Code)
	}

	wh, err := f.store.GetByID(context.Background(), issued.ID)
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	if wh.Status != models.StatusActive {
		t.Errorf("status = %s after foreign revoke attempt", wh.Status)
	}
}

func TestAdminAuthRequired(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		header map[string]string
	}{
		{"no header", nil},
		{"malformed", map[string]string{"Authorization": "Token abc"}},
		{"bad signature", map[string]string{"Authorization": "Bearer " + badToken(t)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodGet, "/api/v1/webhooks", nil, tt.header)
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d", rr.Code)
			}
		})
	}
}

func badToken(t *testing.T) string {
	t.Helper()
	claims := &handlers.Claims{
		UserID: "user_1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAdminIssueValidation(t *testing.T) {
	f := newFixture(t)
	auth := map[string]string{"Authorization": "Bearer " + adminToken(t, "user_1")}

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing instance", map[string]any{"tier": "standard"}},
		{"unknown tier", map[string]any{"instance_id": "inst_1", "tier": "superuser"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/api/v1/webhooks", tt.body, auth)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, body %q", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestServiceHealth(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if decodeBody(t, rr)["status"] != "ok" {
		t.Errorf("body = %q", rr.Body.String())
	}
}
