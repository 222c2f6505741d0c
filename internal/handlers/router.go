package handlers

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// recoverPanics is the JSON-speaking counterpart of chi's Recoverer.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil && rec != http.ErrAbortHandler {
				log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("Panic while serving request")
				writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// NewRouter assembles the full HTTP surface: the gated webhook endpoints and
// the credential management API.
func NewRouter(p *Pipeline, webhook *WebhookHandler, admin *AdminHandler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoverPanics)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.Route("/webhook/sql/{instanceID}", func(r chi.Router) {
		r.Use(p.IPThrottle)
		r.Use(p.Authenticate)
		r.Use(p.Audit)

		r.Group(func(r chi.Router) {
			r.Use(p.RateLimit)
			r.Use(p.SecurityCheck)
			r.Post("/", webhook.Execute)
			r.Post("/validate", webhook.Validate)
		})

		r.Get("/health", webhook.Health)
		r.Get("/stats", webhook.Stats)
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Use(admin.AuthMiddleware)
		r.Post("/", admin.IssueWebhook)
		r.Get("/", admin.ListWebhooks)
		r.Get("/{webhookID}", admin.GetWebhook)
		r.Delete("/{webhookID}", admin.RevokeWebhook)
	})

	return r
}
