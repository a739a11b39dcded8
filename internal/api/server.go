// Package api provides the HTTP server that participants' clients and
// experimenters talk to.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gojson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/experiment"
	"github.com/trialflow/trialflow/internal/health"
)

// Server is the trialflow HTTP API server.
type Server struct {
	exp            *experiment.Experiment
	health         *health.Checker
	metricsEnabled bool
	timeout        time.Duration
	logger         *slog.Logger
}

// NewServer creates a new API server for exp.
func NewServer(exp *experiment.Experiment, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{exp: exp, timeout: 30 * time.Second, logger: logger.With("component", "api")}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth makes /health report the checker's latest results.
func (s *Server) SetHealth(c *health.Checker) { s.health = c }

// SetTimeout sets the per-request timeout.
func (s *Server) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/networks", s.handleNetworks)

		r.Post("/participants", s.handleStart)
		r.Route("/participants/{id}", func(r chi.Router) {
			r.Get("/page", s.handlePage)
			r.Post("/response", s.handleResponse)
			r.Post("/abandon", s.handleAbandon)
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.exp.Status(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("trial_maker")
	if id != "" && s.exp.Maker(id) == nil {
		writeError(w, http.StatusNotFound, domain.ErrTrialMakerNotFound.Error())
		return
	}
	nets, err := s.exp.Networks(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if nets == nil {
		nets = []*domain.Network{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"networks": nets})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	gojson.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    http.StatusText(status),
		},
	})
}

// writeDomainError maps domain errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrParticipantNotFound),
		errors.Is(err, domain.ErrTrialMakerNotFound),
		errors.Is(err, domain.ErrNetworkNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrStalePage), errors.Is(err, domain.ErrParticipantFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrLockContention):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// corsMiddleware adds CORS headers so experiment front ends can be served
// from another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
