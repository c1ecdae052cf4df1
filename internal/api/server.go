// Package api exposes job submission, status polling and artifact download
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"scene-render-service/internal/artifacts"
	"scene-render-service/internal/config"
	"scene-render-service/internal/models"
	"scene-render-service/internal/pkg/errors"
	"scene-render-service/internal/pkg/logger"
	"scene-render-service/internal/store"
	"scene-render-service/internal/telemetry"
	"scene-render-service/internal/worker"
)

// Limiter admits n units of work for a client.
type Limiter interface {
	AllowN(ctx context.Context, client string, n int) (bool, float64, error)
}

// History reads the recorded lifecycle events of a job.
type History interface {
	History(ctx context.Context, jobID string) ([]models.AuditEvent, error)
}

// Server wires HTTP handlers for the render API.
type Server struct {
	cfg      config.Config
	jobs     *store.JobStore
	registry *artifacts.Registry
	proc     *worker.Processor
	limiter  Limiter
	// ffmpegOK reports renderer availability for /healthz.
	ffmpegOK func(ctx context.Context) bool
	// history is nil unless an audit trail is configured.
	history  History
	log      *logger.Logger
}

// New constructs the API server. limiter and ffmpegOK may be nil.
func New(cfg config.Config, jobs *store.JobStore, reg *artifacts.Registry, proc *worker.Processor, limiter Limiter, ffmpegOK func(context.Context) bool, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		registry: reg,
		proc:     proc,
		limiter:  limiter,
		ffmpegOK: ffmpegOK,
		log:      log.WithComponent("api"),
	}
}

// WithHistory enables GET /api/jobs/{id}/history.
func (s *Server) WithHistory(h History) *Server {
	s.history = h
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/convert", s.handleConvert)
		r.Post("/bulk-convert", s.handleBulkConvert)
		r.Post("/csv-to-video", s.handleCSV)
		r.Post("/render", s.handleRender)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/artifacts", s.handleJobArtifacts)
		r.Get("/jobs/{id}/history", s.handleJobHistory)
		r.Get("/download/{id}", s.handleDownload)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ffmpeg := true
	if s.ffmpegOK != nil {
		ffmpeg = s.ffmpegOK(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ffmpeg": ffmpeg})
}

// admit consumes n tokens for the calling client. It writes the rejection
// itself and returns false when the request must stop.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, n int) bool {
	if s.limiter == nil {
		return true
	}
	client := clientKey(r)
	allowed, _, err := s.limiter.AllowN(r.Context(), client, n)
	if err != nil {
		s.log.LogError(r.Context(), "rate limiter unavailable", err, "client", client)
		writeErr(w, errors.Wrap(err, "api.admit", "rate limit error"))
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeErr(w, errors.New(errors.CodeRateLimited, "rate limited").WithField("client", client).WithField("cost", n))
		return false
	}
	return true
}

// clientKey identifies the caller for rate limiting: X-Client-ID, else the
// remote IP.
func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		reqID := middleware.GetReqID(r.Context())
		ctx := logger.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(ww, r.WithContext(ctx))
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.log.FromContext(ctx).Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start).String(),
		)
	})
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeErr(w http.ResponseWriter, err error) {
	body := errorBody{Code: string(errors.GetCode(err)), Message: err.Error(), Details: errors.GetFields(err)}
	var e *errors.Error
	if errors.As(err, &e) && e.Message != "" {
		body.Message = e.Message
	}
	writeJSON(w, errors.GetHTTPStatus(err), map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
