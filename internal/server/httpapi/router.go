package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/docvault/docvault/internal/logging"
)

// NewRouter constructs the HTTP handler serving the docvault API.
//
// Routes:
//
//	POST   /api/shares                  → create a share
//	GET    /api/shares/{shareID}        → descriptor lookup
//	DELETE /api/shares/{shareID}        → revoke
//	GET    /api/shares/{shareID}/stats  → access analytics
//	POST   /api/shares/cleanup          → deactivate expired shares
//	POST   /api/backup                  → upload a sealed store snapshot
//	GET    /shared/{shareID}            → validate (read-only)
//	POST   /shared/{shareID}/access     → consume an access
func NewRouter(h *Handler, logger logging.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(withRequestLogging(logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(chiMiddleware.AllowContentType("application/json"))

		r.Post("/shares", h.CreateShare)
		r.Post("/shares/cleanup", h.CleanupShares)
		r.Post("/backup", h.CreateBackup)
		r.Get("/shares/{shareID}", h.GetShare)
		r.Delete("/shares/{shareID}", h.RevokeShare)
		r.Get("/shares/{shareID}/stats", h.ShareStats)
	})

	r.Route("/shared", func(r chi.Router) {
		r.Get("/{shareID}", h.ResolveShare)
		r.Post("/{shareID}/access", h.AccessShare)
	})

	return r
}

// withRequestLogging logs each request with its status and latency.
func withRequestLogging(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start))
		})
	}
}
