package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ObserverRouter serves the observer's probe and metrics endpoints.
func ObserverRouter(metrics http.Handler) http.Handler {
	startedAt := time.Now()
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"uptime_s": int64(time.Since(startedAt).Seconds()),
		})
	})
	r.Get("/metrics", metrics.ServeHTTP)
	return r
}
