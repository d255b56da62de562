// Package api provides HTTP handlers for the engine.
//
// # Endpoints
//
// Collector API (collector auth, rate limited):
//   - POST /api/v1/frames - Ingest a discovery frame batch
//   - POST /api/v1/metrics - Ingest a metric sample batch
//
// Topology API:
//   - GET  /api/v1/topology/snapshot - Current devices and links
//   - GET  /api/v1/topology/components - Connected components (?layer=l2|l3)
//   - GET  /api/v1/devices - List devices (?review=true, ?limit=, ?offset=)
//   - GET  /api/v1/devices/{id} - Device detail (merge aliases resolved)
//   - GET  /api/v1/devices/{id}/neighbors - Active neighbours (?layer=)
//   - POST /api/v1/devices/merge - Merge two devices
//   - POST /api/v1/devices/{id}/review - Clear the review flag
//   - POST /api/v1/devices/{id}/detach - Split a chassis identity off a device
//   - GET  /api/v1/links - List links (?stale=true|false, ?layer=)
//
// Incident API:
//   - GET  /api/v1/anomalies - Recent anomalies
//   - GET  /api/v1/incidents - List incidents (?status=, ?severity=, ?limit=)
//   - GET  /api/v1/incidents/{id} - Incident detail
//   - POST /api/v1/incidents/{id}/transition - Advance the workflow
//   - POST /api/v1/incidents/{id}/assign - Assign or unassign
//   - POST /api/v1/incidents/{id}/notes - Add a note
//
// Health:
//   - GET /api/v1/health - Liveness
//   - GET /api/v1/infrastructure/health - Process, buffer and pipeline health
//   - GET /api/v1/pipeline/stats - Pipeline counters
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pilot-net/topomon/engine/internal/config"
	"github.com/pilot-net/topomon/engine/internal/pipeline"
	"github.com/pilot-net/topomon/pkg/types"
)

// FrameBuffer is the optional write-ahead buffer in front of the pipeline.
type FrameBuffer interface {
	PushFrames(ctx context.Context, batch types.FrameBatch) error
	PushMetrics(ctx context.Context, batch types.MetricBatch) error
}

// ViewCache caches derived topology views by graph version.
type ViewCache interface {
	Components(ctx context.Context, layer types.Layer, version uint64) ([][]string, bool)
	PutComponents(ctx context.Context, layer types.Layer, version uint64, comps [][]string)
}

// HealthReporter reports process and pipeline health.
type HealthReporter interface {
	GetInfrastructureHealth(ctx context.Context) (*types.InfrastructureHealth, error)
	PipelineStats() types.PipelineStats
}

// Options holds the optional collaborators of the server. Leave a field nil to
// disable it.
type Options struct {
	Buffer FrameBuffer
	Cache  ViewCache
	Health HealthReporter
	Auth   CollectorAuthConfig
}

// Server is the HTTP API server.
type Server struct {
	pipe   *pipeline.Pipeline
	buffer FrameBuffer
	cache  ViewCache
	health HealthReporter
	guard  *collectorGuard
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates a new API server.
func NewServer(pipe *pipeline.Pipeline, opts Options, logger *slog.Logger) *Server {
	logger = logger.With("component", "api")
	s := &Server{
		pipe:   pipe,
		buffer: opts.Buffer,
		cache:  opts.Cache,
		health: opts.Health,
		guard:  newCollectorGuard(opts.Auth, logger),
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Encoding, Authorization, X-Collector-ID")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/infrastructure/health", s.handleInfrastructureHealth)
	s.mux.HandleFunc("GET /api/v1/pipeline/stats", s.handlePipelineStats)

	// Collector ingest
	s.mux.HandleFunc("POST /api/v1/frames", s.guard.wrap(s.handleIngestFrames))
	s.mux.HandleFunc("POST /api/v1/metrics", s.guard.wrap(s.handleIngestMetrics))

	// Topology
	s.mux.HandleFunc("GET /api/v1/topology/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /api/v1/topology/components", s.handleComponents)
	s.mux.HandleFunc("GET /api/v1/links", s.handleListLinks)

	// Devices - static routes before wildcard {id} routes
	s.mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)
	s.mux.HandleFunc("POST /api/v1/devices/merge", s.handleMergeDevices)
	s.mux.HandleFunc("GET /api/v1/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("GET /api/v1/devices/{id}/neighbors", s.handleNeighbors)
	s.mux.HandleFunc("POST /api/v1/devices/{id}/review", s.handleMarkReviewed)
	s.mux.HandleFunc("POST /api/v1/devices/{id}/detach", s.handleDetach)

	// Anomalies and incidents
	s.mux.HandleFunc("GET /api/v1/anomalies", s.handleListAnomalies)
	s.mux.HandleFunc("GET /api/v1/incidents", s.handleListIncidents)
	s.mux.HandleFunc("GET /api/v1/incidents/{id}", s.handleGetIncident)
	s.mux.HandleFunc("POST /api/v1/incidents/{id}/transition", s.handleTransitionIncident)
	s.mux.HandleFunc("POST /api/v1/incidents/{id}/assign", s.handleAssignIncident)
	s.mux.HandleFunc("POST /api/v1/incidents/{id}/notes", s.handleAddIncidentNote)
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

func (s *Server) handleInfrastructureHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metrics collector not initialized")
		return
	}
	health, err := s.health.GetInfrastructureHealth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to get infrastructure health: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handlePipelineStats(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		s.writeJSON(w, http.StatusOK, s.health.PipelineStats())
		return
	}
	s.writeJSON(w, http.StatusOK, s.pipe.Counters().Snapshot())
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
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

// pagination reads ?limit= and ?offset=, clamping limit to MaxPaginationLimit.
func pagination(r *http.Request) (limit, offset int) {
	limit = config.DefaultPaginationLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, config.MaxPaginationLimit)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// parseLayer reads ?layer=; empty means every layer.
func parseLayer(r *http.Request) (types.Layer, bool) {
	switch l := types.Layer(r.URL.Query().Get("layer")); l {
	case "", types.LayerL2, types.LayerL3:
		return l, true
	default:
		return "", false
	}
}
