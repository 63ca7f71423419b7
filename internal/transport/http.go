// Package transport provides the HTTP status API and the live event stream.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/inkrunner/internal/storage"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

// Pagination limits
const (
	defaultRunsLimit    = 50
	maxRunsLimit        = 100
	defaultActionsLimit = 100
	maxActionsLimit     = 1000
)

// RunnerAPI defines what the handlers need from the runner.
type RunnerAPI interface {
	Status() types.RunSummary

	ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error)
	RunDetail(ctx context.Context, id string) (*storage.RunDetail, error)
	RunActions(ctx context.Context, id string, limit, offset int) (*storage.PaginatedActions, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *storage.RunMetadataUpdate) error
	DeployedContracts(ctx context.Context, chainID int64) ([]storage.DeployedContract, error)
}

// HealthChecker probes the two chain endpoints.
type HealthChecker interface {
	CheckEthRPC(ctx context.Context) error
	CheckInkRPC(ctx context.Context) error
}

// Server handles HTTP requests for the runner.
type Server struct {
	api       RunnerAPI
	health    HealthChecker
	logger    *slog.Logger
	startTime time.Time
	hub       *EventHub
	metrics   http.Handler

	// CORS configuration
	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server. The event hub must be started by the caller.
func NewServer(api RunnerAPI, health HealthChecker, hub *EventHub, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewEventHub(api, logger)
	}

	s := &Server{
		api:       api,
		health:    health,
		logger:    logger,
		startTime: time.Now(),
		hub:       hub,
		metrics:   promhttp.Handler(),
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// WithMetricsHandler replaces the default /metrics handler.
func (s *Server) WithMetricsHandler(h http.Handler) *Server {
	s.metrics = h
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/runs", s.corsMiddleware(s.handleRuns))
	mux.HandleFunc("/v1/runs/", s.corsMiddleware(s.handleRunDetail))
	mux.HandleFunc("/v1/contracts", s.corsMiddleware(s.handleContracts))
	mux.HandleFunc("/ws/events", s.hub.Handler())

	// Health endpoints (unversioned, standard probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", s.metrics)

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleStatus returns the active (or last) run summary.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.api.Status())
}

// handleRuns returns run history with optional pagination.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, offset := pagination(r, defaultRunsLimit, maxRunsLimit)
	result, err := s.api.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, result)
}

// handleRunDetail handles /v1/runs/{id} and /v1/runs/{id}/actions.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	if len(parts) > 1 && parts[1] == "actions" {
		s.handleRunActions(w, r, runID)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.api.DeleteRun(r.Context(), runID); err != nil {
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, map[string]bool{"deleted": true})

	case http.MethodPatch:
		var update storage.RunMetadataUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.api.UpdateRunMetadata(r.Context(), runID, &update); err != nil {
			if errors.Is(err, storage.ErrRunNotFound) {
				s.writeJSONError(w, err.Error(), http.StatusNotFound)
				return
			}
			s.writeJSONError(w, "Failed to update run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		detail, err := s.api.RunDetail(r.Context(), runID)
		if err != nil || detail == nil {
			s.writeJSONError(w, "Failed to get updated run", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, detail.Run)

	case http.MethodGet:
		detail, err := s.api.RunDetail(r.Context(), runID)
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if detail == nil {
			s.writeJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, detail)

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunActions handles GET /v1/runs/{id}/actions.
func (s *Server) handleRunActions(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, offset := pagination(r, defaultActionsLimit, maxActionsLimit)
	result, err := s.api.RunActions(r.Context(), runID, limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get actions: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, result)
}

// handleContracts handles GET /v1/contracts?chainId=N.
func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chainID, err := strconv.ParseInt(r.URL.Query().Get("chainId"), 10, 64)
	if err != nil || chainID <= 0 {
		s.writeJSONError(w, "chainId query parameter is required", http.StatusBadRequest)
		return
	}

	contracts, err := s.api.DeployedContracts(r.Context(), chainID)
	if err != nil {
		s.writeJSONError(w, "Failed to list contracts: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if contracts == nil {
		contracts = []storage.DeployedContract{}
	}
	s.writeJSON(w, contracts)
}

// pagination parses limit/offset, falling back to defaults on bad input.
func pagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to encode response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

func runCheck(ctx context.Context, name string, check func(context.Context) error) ReadinessCheck {
	start := time.Now()
	err := check(ctx)
	rc := ReadinessCheck{Name: name, Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		rc.Status = "failed"
		rc.Error = err.Error()
	}
	return rc
}

// handleReady handles readiness probes against both RPC endpoints.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		checks = append(checks,
			runCheck(ctx, "ethereum-sepolia-rpc", s.health.CheckEthRPC),
			runCheck(ctx, "ink-sepolia-rpc", s.health.CheckInkRPC),
		)
		for _, c := range checks {
			if c.Status != "ok" {
				allHealthy = false
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  allHealthy,
		"checks": checks,
	})
}
