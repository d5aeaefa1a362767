package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sypherin/chatgpt-drive-logger/internal/config"
	"github.com/sypherin/chatgpt-drive-logger/internal/observability"
	"github.com/sypherin/chatgpt-drive-logger/internal/state"
)

// Server exposes the host's HTTP surface: the observer channel, the OAuth
// redirect endpoint, probes and metrics.
type Server struct {
	cfg         config.Config
	channel     http.Handler
	callback    http.Handler
	credentials *state.Credentials
	metrics     *observability.Metrics
	instanceID  string
	startedAt   time.Time
}

func New(cfg config.Config, channel, callback http.Handler, credentials *state.Credentials, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		channel:     channel,
		callback:    callback,
		credentials: credentials,
		metrics:     metrics,
		instanceID:  uuid.NewString(),
		startedAt:   time.Now(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get(config.ChannelPath, s.channel.ServeHTTP)
	r.Get(config.CallbackPath, s.callback.ServeHTTP)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"instance_id": s.instanceID,
		"uptime_s":    int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	rec, err := s.credentials.Load(ctx)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "state_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"folder":        s.cfg.FolderName,
		"client_id_set": rec.ClientID != "",
		"signed_in":     rec.RefreshToken != "" || rec.Valid(time.Now().Unix()),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
