package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Error codes surfaced to webhook callers.
const (
	CodeTokenMissing      = "WEBHOOK_TOKEN_MISSING"
	CodeInstanceIDMissing = "INSTANCE_ID_MISSING"
	CodeAuthFailed        = "WEBHOOK_AUTH_FAILED"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeQueryMissing      = "SQL_QUERY_MISSING"
	CodeSecurityViolation = "SQL_SECURITY_VIOLATION"
	CodeExecutionFailed   = "SQL_EXECUTION_FAILED"
	CodeInternalError     = "WEBHOOK_INTERNAL_ERROR"
)

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type errorResponse struct {
	Success    bool      `json:"success"`
	Error      errorBody `json:"error"`
	RetryAfter int       `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: errorBody{Message: message, Code: code},
	})
}

func writeRateLimited(w http.ResponseWriter, message string, retryAfter int) {
	if retryAfter <= 0 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error:      errorBody{Message: message, Code: CodeRateLimited},
		RetryAfter: retryAfter,
	})
}
