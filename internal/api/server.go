// Package api provides the HTTP server for inspectd.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inspectd/inspectd/internal/app/scoring"
	"github.com/inspectd/inspectd/internal/domain"
	"github.com/inspectd/inspectd/internal/infra/engine"
	"github.com/inspectd/inspectd/internal/infra/observability"
	"github.com/inspectd/inspectd/internal/infra/registry"
)

// Server is the inspectd HTTP API server.
type Server struct {
	scoring  *scoring.Service
	registry *registry.Registry
	cache    *engine.Cache
	tracer   *observability.Tracer
	log      *logrus.Entry

	metricsEnabled   bool
	defaultThreshold float64
	maxUpload        int64
	requestTimeout   time.Duration
}

// NewServer creates a new API server.
func NewServer(svc *scoring.Service, reg *registry.Registry, cache *engine.Cache, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		scoring:          svc,
		registry:         reg,
		cache:            cache,
		log:              log.WithField("component", "api"),
		defaultThreshold: domain.DefaultThreshold,
		maxUpload:        32 << 20,
		requestTimeout:   5 * time.Minute,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetTracer exposes recent spans on /debug/spans.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetDefaultThreshold sets the threshold used when a request has none.
func (s *Server) SetDefaultThreshold(v float64) { s.defaultThreshold = v }

// SetMaxUpload bounds multipart bodies.
func (s *Server) SetMaxUpload(n int64) {
	if n > 0 {
		s.maxUpload = n
	}
}

// SetRequestTimeout bounds each request.
func (s *Server) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.requestTimeout = d
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "running",
		})
	})

	r.Route("/models", func(r chi.Router) {
		r.Get("/", s.handleListModels)
		r.Get("/loaded", s.handleLoadedModels)
		r.Post("/unload", s.handleUnload)
		r.Put("/{item}", s.handleInstallModel)
		r.Delete("/{item}", s.handleDeleteModel)
	})

	r.Route("/analyze", func(r chi.Router) {
		r.Post("/", s.handleAnalyze)
		r.Post("/batch", s.handleAnalyzeBatch)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	if s.tracer != nil {
		r.Get("/debug/spans", s.handleSpans)
	}

	return r
}

// handleSpans returns recent trace spans.
// GET /debug/spans?limit=N
func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.tracer.Spans(limit))
}

// writeJSON writes a JSON response. The body is encoded before the status is
// sent so an unencodable value becomes a 500, not a truncated success.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		buf.Reset()
		status = http.StatusInternalServerError
		json.NewEncoder(&buf).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message": "encode response: " + err.Error(),
				"type":    errorType(status),
			},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    errorType(status),
		},
	})
}

func errorType(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request"
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidImage),
		errors.Is(err, domain.ErrInvalidSelector),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrEngine):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its mapped status, logging server faults.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error("request failed")
	}
	writeError(w, status, err.Error())
}

// requestLogger logs each request at debug level and tags the context with
// the request ID so trace spans correlate with logs.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		if reqID != "" {
			r = r.WithContext(observability.WithTraceID(r.Context(), reqID))
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
		}).Debug("request")
	})
}

// corsMiddleware allows any origin; the desktop client runs from file://.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
