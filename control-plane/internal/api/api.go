// Package api provides HTTP handlers for the control plane.
//
// # Endpoints
//
// Ingestion:
//   - POST /api/v1/events - Ingest alert events (single or batch)
//   - POST /api/v1/samples - Push samples to the rule evaluator
//
// Alerts:
//   - GET  /api/v1/alerts - List alerts (state, severity, label, exhausted, incident_id, limit, offset)
//   - GET  /api/v1/alerts/{fingerprint} - Get live or archived alert
//   - GET  /api/v1/alerts/{fingerprint}/history - Past occurrences
//   - POST /api/v1/alerts/{fingerprint}/ack - Acknowledge
//   - POST /api/v1/alerts/{fingerprint}/resolve - Resolve
//   - GET  /api/v1/escalations - Active escalation runs
//
// Incidents:
//   - GET  /api/v1/incidents - List incidents
//   - POST /api/v1/incidents - Declare incident
//   - GET  /api/v1/incidents/{id} - Get incident with timeline
//   - POST /api/v1/incidents/{id}/alerts - Link alert
//   - POST /api/v1/incidents/{id}/transition - Transition state
//   - POST /api/v1/incidents/{id}/resolve - Resolve
//   - POST /api/v1/incidents/{id}/notes - Add note
//
// Admin (writes require the admin token):
//   - GET    /api/v1/admin/policies - List policies
//   - POST   /api/v1/admin/policies - Create policy (409 if the id exists)
//   - PUT    /api/v1/admin/policies/{id} - Create or update policy
//   - DELETE /api/v1/admin/policies/{id} - Delete policy
//   - GET    /api/v1/admin/windows - List maintenance windows
//   - PUT    /api/v1/admin/windows/{id} - Create or update window
//   - DELETE /api/v1/admin/windows/{id} - Delete window
//
// Health:
//   - GET /health - System health
//   - GET /api/v1/health - Liveness
//   - GET /metrics - Prometheus metrics
package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pilot-net/alertcore/control-plane/internal/alerting"
	"github.com/pilot-net/alertcore/control-plane/internal/cache"
	"github.com/pilot-net/alertcore/control-plane/internal/config"
	"github.com/pilot-net/alertcore/control-plane/internal/metrics"
	"github.com/pilot-net/alertcore/control-plane/internal/service"
	"github.com/pilot-net/alertcore/pkg/types"
)

// QueryCache caches list responses. Implemented by cache.Cache.
type QueryCache interface {
	GetJSON(ctx context.Context, namespace, query string, v any) (bool, error)
	SetJSON(ctx context.Context, namespace, query string, v any, ttl time.Duration) error
}

// Invalidator schedules cache invalidation. Implemented by cache.Invalidator.
type Invalidator interface {
	MarkDirty(namespace string)
}

// HealthReporter reports system health. Implemented by metrics.Collector.
type HealthReporter interface {
	GetSystemHealth(ctx context.Context) (*types.SystemHealth, error)
}

// Config configures the API server.
type Config struct {
	// AdminTokenHash is the bcrypt hash of the admin bearer token. Empty
	// leaves admin writes unauthenticated.
	AdminTokenHash string
}

// Server is the HTTP API server.
type Server struct {
	svc         *service.Service
	health      HealthReporter
	cache       QueryCache
	invalidator Invalidator
	config      Config
	logger      *slog.Logger
	mux         *http.ServeMux
}

// NewServer creates a new API server. health and responseCache may be nil.
func NewServer(svc *service.Service, health HealthReporter, responseCache QueryCache, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		health: health,
		cache:  responseCache,
		config: cfg,
		logger: logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// SetInvalidator sets where mutations report cache invalidation.
func (s *Server) SetInvalidator(i Invalidator) {
	s.invalidator = i
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Content-Encoding")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	elapsed := time.Since(start)
	metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", elapsed)
}

func (s *Server) registerRoutes() {
	admin := s.AdminAuthMiddleware(AdminAuthConfig{
		TokenHash: s.config.AdminTokenHash,
		Logger:    s.logger,
	})

	// Health
	s.mux.HandleFunc("GET /health", s.handleSystemHealth)
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Ingestion
	s.mux.HandleFunc("POST /api/v1/events", s.handleIngestEvents)
	s.mux.HandleFunc("POST /api/v1/samples", s.handleIngestSamples)

	// Alerts
	s.mux.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
	s.mux.HandleFunc("GET /api/v1/alerts/{fingerprint}", s.handleGetAlert)
	s.mux.HandleFunc("GET /api/v1/alerts/{fingerprint}/history", s.handleAlertHistory)
	s.mux.HandleFunc("POST /api/v1/alerts/{fingerprint}/ack", s.handleAcknowledgeAlert)
	s.mux.HandleFunc("POST /api/v1/alerts/{fingerprint}/resolve", s.handleResolveAlert)
	s.mux.HandleFunc("GET /api/v1/escalations", s.handleListEscalations)

	// Incidents
	s.mux.HandleFunc("GET /api/v1/incidents", s.handleListIncidents)
	s.mux.HandleFunc("POST /api/v1/incidents", s.handleDeclareIncident)
	s.mux.HandleFunc("GET /api/v1/incidents/{id}", s.handleGetIncident)
	s.mux.HandleFunc("POST /api/v1/incidents/{id}/alerts", s.handleLinkAlert)
	s.mux.HandleFunc("POST /api/v1/incidents/{id}/transition", s.handleTransitionIncident)
	s.mux.HandleFunc("POST /api/v1/incidents/{id}/resolve", s.handleResolveIncident)
	s.mux.HandleFunc("POST /api/v1/incidents/{id}/notes", s.handleAddIncidentNote)

	// Admin
	s.mux.HandleFunc("GET /api/v1/admin/policies", s.handleListPolicies)
	s.mux.HandleFunc("POST /api/v1/admin/policies", wrapHandler(s.handleCreatePolicy, admin))
	s.mux.HandleFunc("PUT /api/v1/admin/policies/{id}", wrapHandler(s.handlePutPolicy, admin))
	s.mux.HandleFunc("DELETE /api/v1/admin/policies/{id}", wrapHandler(s.handleDeletePolicy, admin))
	s.mux.HandleFunc("GET /api/v1/admin/windows", s.handleListWindows)
	s.mux.HandleFunc("PUT /api/v1/admin/windows/{id}", wrapHandler(s.handlePutWindow, admin))
	s.mux.HandleFunc("DELETE /api/v1/admin/windows/{id}", wrapHandler(s.handleDeleteWindow, admin))
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, types.SystemHealth{
			Timestamp: time.Now().UTC(),
			Status:    "healthy",
			Engine:    s.svc.EngineHealth(),
		})
		return
	}

	health, err := s.health.GetSystemHealth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to get system health: "+err.Error())
		return
	}
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

// =============================================================================
// INGESTION
// =============================================================================

// decodeBody reads a JSON body, transparently handling gzip.
func (s *Server) decodeBody(r *http.Request, v any) error {
	var reader io.Reader = http.MaxBytesReader(nil, r.Body, config.MaxRequestBodyBytes)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return err
		}
		defer gz.Close()
		reader = io.LimitReader(gz, config.MaxRequestBodyBytes)
	}
	return json.NewDecoder(reader).Decode(v)
}

func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := s.decodeBody(r, &raw); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Accept a single event, an array, or {"events": [...]}.
	var events []*types.AlertEvent
	switch firstByte(raw) {
	case '[':
		if err := json.Unmarshal(raw, &events); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid event batch")
			return
		}
	default:
		var wrapper struct {
			Events []*types.AlertEvent `json:"events"`
		}
		if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Events != nil {
			events = wrapper.Events
			break
		}
		var ev types.AlertEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid event")
			return
		}
		events = []*types.AlertEvent{&ev}
	}

	if len(events) == 0 {
		s.writeError(w, http.StatusBadRequest, "no events")
		return
	}
	if len(events) > config.MaxEventsPerRequest {
		s.writeError(w, http.StatusRequestEntityTooLarge, "too many events in one request")
		return
	}

	result, err := s.svc.IngestEvents(r.Context(), events)
	if err != nil {
		s.logger.Error("event ingestion failed", "count", len(events), "error", err)
		s.writeServiceError(w, err)
		return
	}
	if result.Accepted == 0 {
		s.writeJSON(w, http.StatusBadRequest, result)
		return
	}
	s.markDirty(cache.NamespaceAlerts)

	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, result)
}

func (s *Server) handleIngestSamples(w http.ResponseWriter, r *http.Request) {
	var batch types.SampleBatch
	if err := s.decodeBody(r, &batch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(batch.Samples) > config.MaxSamplesPerRequest {
		s.writeError(w, http.StatusRequestEntityTooLarge, "too many samples in one request")
		return
	}

	n, err := s.svc.PushSamples(r.Context(), batch)
	if err != nil {
		s.logger.Error("sample ingestion failed",
			"source", batch.SourceID,
			"count", len(batch.Samples),
			"error", err)
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": n,
	})
}

func firstByte(raw []byte) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, config.MaxRequestBodyBytes)).Decode(v)
}

// readOptionalJSON decodes the body if there is one.
func (s *Server) readOptionalJSON(r *http.Request, v any) error {
	if err := s.readJSON(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrInvalidTransition):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, types.ErrConfiguration), errors.Is(err, alerting.ErrInvalidEvent):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// actorFrom returns the requesting actor, defaulting to "api".
func actorFrom(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := r.Header.Get("X-Actor"); h != "" {
		return h
	}
	return "api"
}

// pagination parses limit and offset, clamping limit to the API maximum.
func pagination(r *http.Request) (limit, offset int) {
	limit = config.DefaultPaginationLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > config.MaxPaginationLimit {
		limit = config.MaxPaginationLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o > 0 {
			offset = o
		}
	}
	return limit, offset
}

func (s *Server) markDirty(namespace string) {
	if s.invalidator != nil {
		s.invalidator.MarkDirty(namespace)
	}
}
